// Package peer implements the Peer Manager (spec.md §4.6): tracks the
// single peer's status (failed/yellow/failed-over) from delivered
// cluster group messages and emits FailoverWin/Failed events, with the
// 60-second failover-win clear-timer that makes simultaneous-initiation
// races resolve deterministically.
//
// Grounded on original_source/peer_manager.c's peer_manager_cpg_cb: the
// same message/sender table, the same g_timeout_add(60*1000, ...)
// clear, the same ref-counted add/del-notify callback list realized
// here as a plain slice of func(Event) guarded by the scheduler's
// single-goroutine invariant instead of manual refcounting.
package peer

import (
	"time"

	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/sched"
	"github.com/colodha/colod/wire"
)

// Event is one of the two notifications the peer manager emits.
type Event int

const (
	// FailoverWin fires when this node's own FAILOVER broadcast is
	// the one that will be acted on.
	FailoverWin Event = iota
	// Failed fires when the peer is gone or has reported FAILED.
	Failed
)

func (e Event) String() string {
	switch e {
	case FailoverWin:
		return "FailoverWin"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Status mirrors spec.md §4 "Peer Status".
type Status struct {
	Name       string
	Failed     bool
	Yellow     bool
	FailedOver bool
}

// Manager owns one peer's Status and reacts to delivered cluster group
// messages per spec.md §4.6's table. All methods are expected to run
// on the sched.Loop goroutine, matching the rest of the daemon's
// single-thread-equivalent state.
type Manager struct {
	loop *sched.Loop
	log  *colodlog.Logger

	selfID string
	peer   Status

	failoverWin      bool
	failoverWinTimer *sched.Timer

	listeners []func(Event)
}

// New creates a Manager for peerName, scheduling any clear-timer on
// loop.
func New(loop *sched.Loop, selfID, peerName string, log *colodlog.Logger) *Manager {
	if log == nil {
		log = colodlog.Discard()
	}

	return &Manager{
		loop:   loop,
		log:    log.Scoped("peer", colodlog.Ctx{"peer": peerName}),
		selfID: selfID,
		peer:   Status{Name: peerName},
	}
}

// AddNotify registers fn to be called on every FailoverWin/Failed
// event.
func (m *Manager) AddNotify(fn func(Event)) {
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(ev Event) {
	for _, fn := range m.listeners {
		fn(ev)
	}
}

// Status returns a snapshot of the peer's current status.
func (m *Manager) Status() Status {
	return m.peer
}

// SetPeer (re)configures the peer's name, resetting failed/yellow/
// failed-over back to zero values — a freshly named peer has reported
// nothing yet (spec.md §4.8's set-peer command).
func (m *Manager) SetPeer(name string) {
	m.peer = Status{Name: name}
}

// ClearPeer removes the configured peer entirely (spec.md §4.8's
// clear-peer command); an empty Name means "no peer configured".
func (m *Manager) ClearPeer() {
	m.peer = Status{}
}

// SetFailed marks the peer failed outright, e.g. after a local QMP/
// migration error the coordinator attributes to the peer rather than
// to this node.
func (m *Manager) SetFailed() {
	m.peer.Failed = true
}

// ClearFailed resets the peer's failed flag, e.g. after successfully
// re-establishing replication with a previously-failed peer.
func (m *Manager) ClearFailed() {
	m.peer.Failed = false
}

// OnDeliver reacts to one message delivered by the cluster group
// (spec.md §4.6's table). fromSelf distinguishes a node's own
// broadcast echoing back from a genuine message from the peer.
func (m *Manager) OnDeliver(code wire.MessageCode, fromSelf bool) {
	switch {
	case code == wire.Failover:
		m.onFailoverMessage(fromSelf)
	case fromSelf:
		// Every other message code is only acted on when it comes
		// from the peer; a self-echo of FAILED/YELLOW/UNYELLOW is a
		// no-op.
		return
	case code == wire.Failed:
		m.log.Error("peer reported failed", nil)
		m.peer.Failed = true
	case code == wire.Yellow:
		m.peer.Yellow = true
	case code == wire.Unyellow:
		m.peer.Yellow = false
	}
}

func (m *Manager) onFailoverMessage(fromSelf bool) {
	if fromSelf {
		m.failoverWin = true
		m.notify(FailoverWin)

		if m.failoverWinTimer != nil {
			m.failoverWinTimer.Stop()
		}

		m.failoverWinTimer = m.loop.After(60*time.Second, func() {
			m.failoverWin = false
			m.failoverWinTimer = nil
		})

		return
	}

	if m.failoverWin {
		// Our own FAILOVER was delivered first, so the peer's
		// FAILOVER lost the race; nothing further to do.
		m.failoverWin = false

		return
	}

	m.notify(Failed)
	m.peer.FailedOver = true
}

// PeerLeft marks the peer gone (cluster group membership_changed with
// the peer in the left list) — spec.md §4.6: "peer left group ->
// peer.failed=true and emit Failed".
func (m *Manager) PeerLeft() {
	m.peer.Failed = true
	m.notify(Failed)
}
