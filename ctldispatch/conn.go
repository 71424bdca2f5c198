package ctldispatch

import (
	"context"
	"encoding/json"
	"net"

	"github.com/colodha/colod/colodapi"
	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/lineio"
)

// conn serves one accepted connection: read a line, dispatch it,
// write the response, repeat.
type conn struct {
	server *Server
	io     *lineio.Channel
	raw    net.Conn
	log    *colodlog.Logger

	stopPending bool
}

func newConn(s *Server, rawConn net.Conn, id string) *conn {
	return &conn{
		server: s,
		io:     lineio.New(rawConn),
		raw:    rawConn,
		log:    s.log.Scoped("ctldispatch-conn", colodlog.Ctx{"conn": id}),
	}
}

func (c *conn) serve() {
	defer c.raw.Close()
	defer c.onDisconnect()

	for {
		line, err := c.io.ReadLine(0)
		if err != nil {
			return
		}

		resp := c.handleLine(context.Background(), line)

		data, err := json.Marshal(resp)
		if err != nil {
			c.log.Warn("encoding response failed", colodlog.Ctx{"err": err.Error()})
			return
		}

		if err := c.io.WriteAll(append(data, '\n'), 0); err != nil {
			return
		}
	}
}

// onDisconnect is spec.md §4.8's closing paragraph: a client that
// disconnected while it had an unmatched stop outstanding gets an
// auto-cont on its behalf; a failure there is the coordinator's
// problem, not something this connection can retry once gone.
func (c *conn) onDisconnect() {
	if !c.stopPending {
		return
	}

	if _, err := c.server.coord.QMPExecute(context.Background(), "cont", nil); err != nil {
		c.log.Warn("auto-cont after client disconnect failed", colodlog.Ctx{"err": err.Error()})
		c.server.coord.ClientContFailed(err.Error())
	}
}

func (c *conn) handleLine(ctx context.Context, line string) any {
	val, err := jsonval.Parse([]byte(line))
	if err != nil {
		return colodapi.ErrorResponse{Error: "malformed request: " + err.Error()}
	}

	if _, hasExecColod := jsonval.Field(val, "exec-colod"); !hasExecColod {
		return c.passthrough(ctx, val)
	}

	var req colodapi.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return colodapi.ErrorResponse{Error: "malformed request: " + err.Error()}
	}

	return c.dispatch(ctx, req)
}

// passthrough forwards a request with no "exec-colod" key straight to
// QMP (spec.md §4.8: "any other request is forwarded verbatim to QMP
// via the coordinator's execute_co").
func (c *conn) passthrough(ctx context.Context, val jsonval.Value) any {
	executeVal, ok := jsonval.Field(val, "execute")
	if !ok {
		return colodapi.ErrorResponse{Error: "request has neither \"exec-colod\" nor \"execute\""}
	}

	args, _ := jsonval.Field(val, "arguments")

	res, err := c.server.coord.QMPExecute(ctx, jsonval.String(executeVal), args)
	if err != nil {
		return colodapi.ErrorResponse{Error: err.Error()}
	}

	return res.Value
}
