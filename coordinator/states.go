package coordinator

import (
	"context"
	"time"

	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/ectx"
	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/wire"
)

// Run drives the state machine until ctx is cancelled or the daemon
// reaches a clean quit (Quit dequeued, or QemuQuit while auto-quit was
// requested). It must run on a dedicated goroutine: it blocks on
// qmp.Client calls and on waitEvent for as long as the current phase
// requires.
//
// Grounded on main_coroutine.c's _colod_main_co: secondary nodes loop
// between replication-wait and replication-running until a failover
// breaks out to primary-standalone; primary nodes start there
// directly. Primary-standalone reacts to StartMigration by running the
// migration sequence and then replication-running again, looping on
// DidFailover either way.
func (c *Coordinator) Run(ctx context.Context) error {
	c.nodeMu.Lock()
	primary := c.node.Primary
	c.nodeMu.Unlock()

	if !primary {
		c.log.Info("starting in secondary mode", nil)

		for {
			ev, err := c.replicationWait(ctx)
			if err != nil {
				return err
			}

			if done, exit := c.handleTopLevelEvent(ctx, ev); done {
				return exit
			} else if ev.Tag == DidFailover {
				break
			}

			c.setNode(func(n *NodeState) { n.Replication = true })

			ev, err = c.replicationRunning(ctx)
			if err != nil {
				return err
			}

			if done, exit := c.handleTopLevelEvent(ctx, ev); done {
				return exit
			} else if ev.Tag == DidFailover {
				break
			}
		}
	} else {
		c.log.Info("starting in primary mode", nil)
	}

	c.setNode(func(n *NodeState) {
		n.Primary = true
		n.Replication = false
	})

	return c.primaryStandaloneLoop(ctx)
}

// handleTopLevelEvent implements the repeated failed/quit/autoquit
// branch _colod_main_co takes after every sub-coroutine return. done
// is true when Run should return immediately, in which case exit is
// the error to return (nil for a clean quit).
func (c *Coordinator) handleTopLevelEvent(ctx context.Context, ev Event) (done bool, exit error) {
	switch {
	case ev.failed():
		return true, c.enterFailedSink(ctx, ev)
	case ev.Tag == Quit:
		return true, nil
	case ev.Tag == AutoQuit:
		return true, c.enterAutoQuitSink(ctx)
	default:
		return false, nil
	}
}

func (c *Coordinator) primaryStandaloneLoop(ctx context.Context) error {
	for {
		ev, err := c.waitEvent(ctx)
		if err != nil {
			return err
		}

		if ev.Tag == StartMigration {
			c.nodeMu.Lock()
			c.pendingAction = true
			c.nodeMu.Unlock()

			mev, err := c.startMigration(ctx)

			c.nodeMu.Lock()
			c.pendingAction = false
			c.nodeMu.Unlock()

			if err != nil {
				return err
			}

			if done, exit := c.handleTopLevelEvent(ctx, mev); done {
				return exit
			} else if mev.Tag == DidFailover {
				continue
			}

			c.setNode(func(n *NodeState) { n.Replication = true })

			rev, err := c.replicationRunning(ctx)
			if err != nil {
				return err
			}

			if done, exit := c.handleTopLevelEvent(ctx, rev); done {
				return exit
			} else if rev.Tag == DidFailover {
				c.setNode(func(n *NodeState) { n.Replication = false })
			}

			continue
		}

		if ev.failed() {
			if ev.Tag != PeerFailover {
				return c.enterFailedSink(ctx, ev)
			}

			c.setNode(func(n *NodeState) { n.PeerFailover = true })

			continue
		}

		switch ev.Tag {
		case Quit:
			return nil
		case AutoQuit:
			return c.enterAutoQuitSink(ctx)
		}
	}
}

// replicationWait is _colod_replication_wait_co: enable the migration
// events capability, then wait for QEMU's RESUME event signalling
// incoming migration has completed, looping over any non-escalating
// event that arrives meanwhile.
func (c *Coordinator) replicationWait(ctx context.Context) (Event, error) {
	if _, err := c.qmpc.Execute(ctx, "migrate-set-capabilities", map[string]jsonval.Value{
		"capabilities": []jsonval.Value{
			map[string]jsonval.Value{"capability": "events", "state": true},
		},
	}); err != nil {
		return Event{Tag: Failed, Reason: "migrate-set-capabilities: " + err.Error()}, nil
	}

	for {
		c.setNode(func(n *NodeState) { n.Transitioning = true })
		gotQMP, coordEv, err := c.waitQMPOrCritical(ctx, 0, map[string]jsonval.Value{"event": "RESUME"})
		c.setNode(func(n *NodeState) { n.Transitioning = false })

		if err != nil {
			return Event{}, err
		}

		if gotQMP {
			break
		}

		if coordEv.critical() && coordEv.escalate() {
			return coordEv, nil
		}
	}

	c.raiseTimeoutCoroutine(ctx)

	return Event{Tag: None}, nil
}

// replicationRunning is _colod_replication_running_co: steady-state
// COLO, dispatching into a failover on FailoverSync/PeerFailed and
// escalating anything else critical.
func (c *Coordinator) replicationRunning(ctx context.Context) (Event, error) {
	for {
		ev, err := c.waitEvent(ctx)
		if err != nil {
			return Event{}, err
		}

		switch {
		case ev.Tag == FailoverSync:
			return c.failoverSync(ctx)
		case ev.Tag == PeerFailed:
			return c.failoverExecute(ctx, ev)
		case ev.critical() && ev.escalate():
			return ev, nil
		}
	}
}

// startMigration is _colod_start_migration_co (spec.md §4.7.3).
func (c *Coordinator) startMigration(ctx context.Context) (Event, error) {
	if _, err := c.qmpc.Execute(ctx, "migrate-set-capabilities", map[string]jsonval.Value{
		"capabilities": []jsonval.Value{
			map[string]jsonval.Value{"capability": "events", "state": true},
			map[string]jsonval.Value{"capability": "pause-before-switchover", "state": true},
		},
	}); err != nil {
		return c.migrationQMPError(ctx, err)
	}

	if c.criticalPending() {
		return c.migrationHandleEvent(ctx)
	}

	gotQMP, coordEv, err := c.waitQMPOrCritical(ctx, 5*time.Minute, map[string]jsonval.Value{
		"event": "MIGRATION",
		"data":  map[string]jsonval.Value{"status": "pre-switchover"},
	})
	if err != nil {
		return c.migrationQMPError(ctx, err)
	}

	if !gotQMP {
		return c.migrationRouteEvent(ctx, coordEv)
	}

	e, err := c.runSequence(ctx, "migration_start", nil, ectx.Flags{})
	if err != nil {
		return Event{Tag: Failed, Reason: err.Error()}, nil
	}

	if e.FirstQMPError() != nil {
		// A QMP-level error here is a failover trigger, not fatal
		// (spec.md §4.7.3).
		return c.migrationQMPError(ctx, e.FirstQMPError())
	}

	if e.Failed() {
		return Event{Tag: Failed, Reason: "migration_start sequence failed"}, nil
	}

	if c.criticalPending() {
		return c.migrationHandleEvent(ctx)
	}

	c.raiseTimeoutCoroutine(ctx)

	if _, err := c.qmpc.Execute(ctx, "migrate-continue", map[string]jsonval.Value{"state": "pre-switchover"}); err != nil {
		c.qmpc.SetTimeout(c.timeoutLow)
		return c.migrationQMPError(ctx, err)
	}

	if c.criticalPending() {
		c.qmpc.SetTimeout(c.timeoutLow)
		return c.migrationHandleEvent(ctx)
	}

	c.setNode(func(n *NodeState) { n.Transitioning = true })
	gotQMP, coordEv, err = c.waitQMPOrCritical(ctx, 10*time.Second, map[string]jsonval.Value{
		"event": "MIGRATION",
		"data":  map[string]jsonval.Value{"status": "colo"},
	})
	c.setNode(func(n *NodeState) { n.Transitioning = false })

	if err != nil {
		c.qmpc.SetTimeout(c.timeoutLow)
		return c.migrationQMPError(ctx, err)
	}

	if !gotQMP {
		return c.migrationRouteEvent(ctx, coordEv)
	}

	return Event{Tag: None}, nil
}

func (c *Coordinator) migrationHandleEvent(ctx context.Context) (Event, error) {
	ev, err := c.waitEvent(ctx)
	if err != nil {
		return Event{}, err
	}

	return c.migrationRouteEvent(ctx, ev)
}

func (c *Coordinator) migrationRouteEvent(ctx context.Context, ev Event) (Event, error) {
	if ev.failoverTrigger() {
		return c.migrationFailover(ctx, ev)
	}

	return ev, nil
}

func (c *Coordinator) migrationQMPError(ctx context.Context, cause error) (Event, error) {
	c.log.Warn("qmp error during migration, triggering failover", colodlog.Ctx{"err": cause.Error()})

	return c.migrationFailover(ctx, Event{Tag: PeerFailed, Reason: cause.Error()})
}

// migrationFailover cancels the in-flight migration and dispatches
// into whichever failover entry point trigger names.
func (c *Coordinator) migrationFailover(ctx context.Context, trigger Event) (Event, error) {
	if _, err := c.qmpc.Execute(ctx, "migrate_cancel", nil); err != nil {
		return Event{Tag: Failed, Reason: "migrate_cancel: " + err.Error()}, nil
	}

	if trigger.Tag == FailoverSync {
		return c.failoverSync(ctx)
	}

	return c.failoverExecute(ctx, trigger)
}

// failoverSync is _colod_failover_sync_co: broadcast FAILOVER and wait
// for the cluster to tell us whether we won or the peer is gone.
func (c *Coordinator) failoverSync(ctx context.Context) (Event, error) {
	if c.group != nil {
		if err := c.group.Multicast(wire.Failover); err != nil {
			c.log.Warn("broadcasting FAILOVER failed", colodlog.Ctx{"err": err.Error()})
		} else if c.peerMgr != nil {
			// The group never delivers a node's own broadcast back to
			// it, so hand the peer manager its self-delivered copy.
			c.onLoop(func() { c.peerMgr.OnDeliver(wire.Failover, true) })
		}
	}

	for {
		ev, err := c.waitEvent(ctx)
		if err != nil {
			return Event{}, err
		}

		if ev.Tag == FailoverWin || ev.Tag == PeerFailed {
			return c.failoverExecute(ctx, ev)
		}

		if ev.critical() && ev.escalate() {
			return ev, nil
		}
	}
}

// failoverExecute is _colod_failover_co: yank the QMP, then run
// whichever side's failover command sequence applies.
func (c *Coordinator) failoverExecute(ctx context.Context, _ Event) (Event, error) {
	if err := c.qmpc.Yank(ctx); err != nil {
		return Event{Tag: Failed, Reason: "yank: " + err.Error()}, nil
	}

	c.nodeMu.Lock()
	primary := c.node.Primary
	c.nodeMu.Unlock()

	name := "failover_secondary"
	if primary {
		name = "failover_primary"
	}

	c.setNode(func(n *NodeState) { n.Transitioning = true })
	e, err := c.runSequence(ctx, name, nil, ectx.Flags{IgnoreQMPError: true})
	c.setNode(func(n *NodeState) { n.Transitioning = false })

	if err != nil {
		return Event{Tag: Failed, Reason: err.Error()}, nil
	}

	if e.Failed() {
		return Event{Tag: Failed, Reason: name + " sequence failed"}, nil
	}

	return Event{Tag: DidFailover}, nil
}

// enterFailedSink is the failed: label of main_coroutine.c.
func (c *Coordinator) enterFailedSink(ctx context.Context, cause Event) error {
	c.qmpc.SetTimeout(c.timeoutLow)

	c.setNode(func(n *NodeState) {
		n.Failed = true
		if cause.Tag == PeerFailover {
			n.PeerFailover = true
		}
	})

	if c.group != nil {
		if err := c.group.Multicast(wire.Failed); err != nil {
			c.log.Warn("broadcasting FAILED failed", colodlog.Ctx{"err": err.Error()})
		}
	}

	c.log.Error("entering failed state", colodlog.Ctx{"cause": cause.String()})

	if cause.Tag != QemuQuit {
		if _, err := c.qmpc.Execute(ctx, "stop", nil); err != nil {
			c.log.Warn("best-effort stop failed", colodlog.Ctx{"err": err.Error()})
		}
	}

	for {
		ev, err := c.waitEvent(ctx)
		if err != nil {
			return err
		}

		switch ev.Tag {
		case PeerFailover:
			c.setNode(func(n *NodeState) { n.PeerFailover = true })
		case Quit:
			return nil
		case AutoQuit:
			c.nodeMu.Lock()
			quitSeen := c.qemuQuitSeen
			c.nodeMu.Unlock()

			if quitSeen {
				return nil
			}

			return c.enterAutoQuitSink(ctx)
		}
	}
}

// enterAutoQuitSink is the autoquit: label of main_coroutine.c.
func (c *Coordinator) enterAutoQuitSink(ctx context.Context) error {
	c.setNode(func(n *NodeState) { n.Failed = true })

	if c.group != nil {
		if err := c.group.Multicast(wire.Failed); err != nil {
			c.log.Warn("broadcasting FAILED failed", colodlog.Ctx{"err": err.Error()})
		}
	}

	for {
		ev, err := c.waitEvent(ctx)
		if err != nil {
			return err
		}

		switch ev.Tag {
		case PeerFailover:
			c.setNode(func(n *NodeState) { n.PeerFailover = true })
		case Quit:
			return nil
		case QemuQuit:
			return nil
		}
	}
}
