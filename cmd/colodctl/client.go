package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/colodha/colod/colodapi"
)

// dialTimeout bounds connecting to a control socket that isn't there
// (daemon not running, or base_directory pointed somewhere wrong).
const dialTimeout = 2 * time.Second

// client is a one-shot connection to a colod control socket: dial,
// send one request line, read one response line, disconnect. Mirrors
// ctldispatch's own one-line-in-one-line-out contract (spec.md §4.8)
// from the other end.
type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(sockPath string) (*client, error) {
	conn, err := net.DialTimeout("unix", sockPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("colodctl: connecting to %s: %w", sockPath, err)
	}

	return &client{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *client) Close() error { return c.conn.Close() }

// send writes req as one JSON line and returns the raw response line,
// unmarshalled only far enough to detect colodapi.ErrorResponse —
// callers decode further into the shape they expect.
func (c *client) send(req colodapi.Request) (json.RawMessage, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("colodctl: encoding request: %w", err)
	}

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("colodctl: writing request: %w", err)
	}

	return c.readLine()
}

// sendRaw writes a pre-built passthrough request (no "exec-colod" key,
// forwarded verbatim to QMP) for the "exec" subcommand.
func (c *client) sendRaw(line []byte) (json.RawMessage, error) {
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("colodctl: writing request: %w", err)
	}

	return c.readLine()
}

func (c *client) readLine() (json.RawMessage, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("colodctl: reading response: %w", err)
	}

	var errResp colodapi.ErrorResponse
	if json.Unmarshal([]byte(line), &errResp) == nil && errResp.Error != "" {
		return nil, fmt.Errorf("colod: %s", errResp.Error)
	}

	return json.RawMessage(line), nil
}
