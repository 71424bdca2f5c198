// Package coordinator implements the Main Coordinator (spec.md §4.7):
// the state machine that drives a node through Secondary-Wait,
// Secondary-Replicating, Primary-Standalone, Migrate and Failover,
// reacting to a queue of events fed by QMP, the cluster group and the
// client dispatcher.
//
// Grounded on original_source/main_coroutine.c. The C original encodes
// each state as a coroutine (_colod_replication_wait_co,
// _colod_start_migration_co, _colod_failover_co, ...) that suspends on
// colod_event_wait and returns a ColodEvent telling its caller,
// _colod_main_co, what happened. Here each state is an unexported
// method (replicationWait, replicationRunning, startMigration,
// failoverSync, failoverExecute, ...) that likewise returns the Event
// that ended it to its caller, and blocks on ordinary channel receives
// and qmp.Client calls instead of yielding to a coroutine scheduler.
package coordinator

import "fmt"

// Tag identifies one of the twelve events the coordinator can be told
// about (spec.md §3's Queued Event enum).
type Tag int

const (
	None Tag = iota
	Failed
	QemuQuit
	PeerFailover
	FailoverSync
	PeerFailed
	FailoverWin
	Quit
	AutoQuit
	Yellow
	StartMigration
	DidFailover
)

func (t Tag) String() string {
	switch t {
	case None:
		return "None"
	case Failed:
		return "Failed"
	case QemuQuit:
		return "QemuQuit"
	case PeerFailover:
		return "PeerFailover"
	case FailoverSync:
		return "FailoverSync"
	case PeerFailed:
		return "PeerFailed"
	case FailoverWin:
		return "FailoverWin"
	case Quit:
		return "Quit"
	case AutoQuit:
		return "AutoQuit"
	case Yellow:
		return "Yellow"
	case StartMigration:
		return "StartMigration"
	case DidFailover:
		return "DidFailover"
	default:
		return fmt.Sprintf("Tag(%d)", int(t))
	}
}

// Event is one entry in the coordinator's event queue. Reason carries
// an optional human-readable diagnostic (used by Failed events raised
// by the health check and by error escalation).
type Event struct {
	Tag    Tag
	Reason string
}

func (e Event) String() string {
	if e.Reason == "" {
		return e.Tag.String()
	}

	return fmt.Sprintf("%s(%s)", e.Tag, e.Reason)
}

// critical reports whether e belongs on the critical queue (spec.md
// §3): every tag except the five the original treats as routine
// background noise that never needs to jump the line ahead of
// already-queued work.
func (e Event) critical() bool {
	switch e.Tag {
	case None, FailoverWin, Yellow, StartMigration, DidFailover:
		return false
	default:
		return true
	}
}

// escalate reports whether a sub-state should return this event to
// its caller rather than keep handling it internally. Grounded on
// main_coroutine.c's event_escalate: FAILOVER_SYNC, PEER_FAILED and
// FAILOVER_WIN are consumed directly by the failover entry points and
// never escalated past them; everything else bubbles up.
func (e Event) escalate() bool {
	switch e.Tag {
	case FailoverSync, PeerFailed, FailoverWin:
		return false
	default:
		return true
	}
}

// failed reports whether e routes straight to the failed sink
// (main_coroutine.c's event_failed).
func (e Event) failed() bool {
	switch e.Tag {
	case Failed, QemuQuit, PeerFailover:
		return true
	default:
		return false
	}
}

// failoverTrigger reports whether e is one of the two events that
// start a failover (main_coroutine.c's event_failover).
func (e Event) failoverTrigger() bool {
	switch e.Tag {
	case FailoverSync, PeerFailed:
		return true
	default:
		return false
	}
}
