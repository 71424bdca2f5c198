package ctldispatch

import (
	"context"
	"fmt"

	"github.com/colodha/colod/colodapi"
	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/tmplset"
)

// dispatch implements spec.md §4.8's command table for requests that
// carry an "exec-colod" key.
func (c *conn) dispatch(ctx context.Context, req colodapi.Request) any {
	switch req.ExecColod {
	case "query-status":
		return c.queryStatus(ctx)
	case "query-store":
		return c.server.coord.Store()
	case "set-store":
		c.server.coord.SetStore(req.Store)
		return colodapi.Empty{}
	case "quit":
		c.server.coord.RequestQuit()
		return colodapi.Empty{}
	case "autoquit":
		c.server.coord.RequestAutoQuit()
		return colodapi.Empty{}
	case "set-prepare-secondary":
		return c.setTemplate("prepare_secondary", req.Sequence)
	case "set-migration-start":
		return c.setTemplate("migration_start", req.Sequence)
	case "set-migration-switchover":
		return c.setTemplate("migration_switchover", req.Sequence)
	case "set-primary-failover":
		return c.setTemplate("failover_primary", req.Sequence)
	case "set-secondary-failover":
		return c.setTemplate("failover_secondary", req.Sequence)
	case "set-yank":
		c.server.coord.SetYankInstances(req.Instances)
		return colodapi.Empty{}
	case "yank":
		if err := c.server.coord.Yank(ctx); err != nil {
			return colodapi.ErrorResponse{Error: err.Error()}
		}

		return colodapi.Empty{}
	case "stop":
		return c.runStopCont(ctx, "stop", true)
	case "cont":
		return c.runStopCont(ctx, "cont", false)
	case "set-peer":
		if err := c.server.coord.SetPeer(req.Peer); err != nil {
			return colodapi.ErrorResponse{Error: err.Error()}
		}

		return c.queryPeer()
	case "query-peer":
		return c.queryPeer()
	case "clear-peer":
		if err := c.server.coord.ClearPeer(); err != nil {
			return colodapi.ErrorResponse{Error: err.Error()}
		}

		return colodapi.Empty{}
	case "start-migration":
		if err := c.server.coord.RequestStartMigration(); err != nil {
			return colodapi.ErrorResponse{Error: err.Error()}
		}

		return colodapi.Empty{}
	default:
		return colodapi.ErrorResponse{Error: fmt.Sprintf("unknown command %q", req.ExecColod)}
	}
}

func (c *conn) queryStatus(ctx context.Context) any {
	if err := c.server.coord.HealthCheck(ctx); err != nil {
		c.log.Warn("health check failed", colodlog.Ctx{"err": err.Error()})
	}

	st := c.server.coord.Status()

	return colodapi.StatusResponse{
		Primary:      st.Primary,
		Replication:  st.Replication,
		Failed:       st.Failed,
		PeerFailover: st.PeerFailover,
		PeerFailed:   st.PeerFailed,
	}
}

func (c *conn) queryPeer() any {
	st, err := c.server.coord.PeerStatus()
	if err != nil {
		return colodapi.PeerResponse{}
	}

	return colodapi.PeerResponse{
		Name:       st.Name,
		Failed:     st.Failed,
		Yellow:     st.Yellow,
		FailedOver: st.FailedOver,
	}
}

func (c *conn) setTemplate(name string, lines []string) any {
	seq := make(tmplset.Sequence, len(lines))
	for i, l := range lines {
		seq[i] = tmplset.Template(l)
	}

	if err := c.server.coord.SetTemplate(name, seq); err != nil {
		return colodapi.ErrorResponse{Error: err.Error()}
	}

	return colodapi.Empty{}
}

// runStopCont runs stop/cont through the coordinator's QMP pass-through
// (spec.md §4.8 returns QEMU's raw response for both) and, for stop,
// arms this connection's auto-cont-on-disconnect tracking.
func (c *conn) runStopCont(ctx context.Context, execute string, isStop bool) any {
	res, err := c.server.coord.QMPExecute(ctx, execute, nil)
	if err != nil {
		return colodapi.ErrorResponse{Error: err.Error()}
	}

	c.stopPending = isStop

	return res.Value
}
