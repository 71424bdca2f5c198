package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/colodha/colod/clustermsg"
	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/ectx"
	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/peer"
	"github.com/colodha/colod/qmp"
	"github.com/colodha/colod/sched"
	"github.com/colodha/colod/tmplset"
	"github.com/colodha/colod/wire"
)

// ErrActionPending is returned by RequestStartMigration when a
// migration or failover is already under way (spec.md §4.8's
// start-migration: "rejected if action already pending or in
// replication").
var ErrActionPending = errors.New("coordinator: pending actions")

// NodeState is the daemon's own notion of what it's doing, returned
// to operators by query-status (spec.md §4.7.7, §4.8).
type NodeState struct {
	Primary       bool
	Replication   bool
	Transitioning bool
	Failed        bool
	PeerFailover  bool
	PeerFailed    bool
}

// Options configures a Coordinator.
type Options struct {
	Loop      *sched.Loop
	QMP       *qmp.Client
	Peer      *peer.Manager
	Group     *clustermsg.Group
	Formatter *tmplset.Formatter
	Templates *tmplset.Set
	Log       *colodlog.Logger

	// Primary is the node's configured starting role (spec.md §4.7.1).
	Primary bool

	TimeoutLow, TimeoutHigh time.Duration
}

// Coordinator runs the Main Coordinator state machine (spec.md §4.7)
// on its own goroutine, Run. Grounded on original_source/
// main_coroutine.c: the C original suspends a cooperative coroutine at
// well-defined points (colod_event_wait, colod_qmp_event_wait_co);
// here those suspension points are ordinary blocking calls on
// qmp.Client and on the rawEvents channel, Go's native substitute for
// a single logical thread that yields without needing a scheduler of
// its own. The node's mutable status (NodeState) is guarded by a
// plain mutex rather than routed through a scheduler loop, since
// reads/writes of it are always quick field copies — only the
// genuinely long waits live on Run's own goroutine.
//
// peer.Manager is the one exception: its own contract (see
// peer.Manager's doc comment) is "only ever called from the scheduler
// loop goroutine", so every touch of it here goes through onLoop.
type Coordinator struct {
	loop      *sched.Loop
	qmpc      *qmp.Client
	peerMgr   *peer.Manager
	group     *clustermsg.Group
	formatter *tmplset.Formatter
	log       *colodlog.Logger

	timeoutLow, timeoutHigh time.Duration

	rawEvents chan Event
	queue     eventQueue

	nodeMu        sync.Mutex
	node          NodeState
	pendingAction bool
	qemuQuitSeen  bool

	templatesMu sync.Mutex
	templates   *tmplset.Set

	raiseTimeoutMu     sync.Mutex
	raiseTimeoutActive bool

	storeMu sync.Mutex
	store   jsonval.Value
}

// New constructs a Coordinator and wires it to opts.QMP's HUP
// notification and opts.Peer's notify list. It does not start Run;
// the caller still needs to Join a clustermsg.Group with
// Coordinator's Callbacks() and call Run on a dedicated goroutine.
func New(opts Options) *Coordinator {
	log := opts.Log
	if log == nil {
		log = colodlog.Discard()
	}

	c := &Coordinator{
		loop:        opts.Loop,
		qmpc:        opts.QMP,
		peerMgr:     opts.Peer,
		group:       opts.Group,
		formatter:   opts.Formatter,
		templates:   opts.Templates,
		log:         log.Scoped("coordinator", nil),
		timeoutLow:  opts.TimeoutLow,
		timeoutHigh: opts.TimeoutHigh,
		rawEvents:   make(chan Event, 32),
		node:        NodeState{Primary: opts.Primary},
	}

	if c.qmpc != nil {
		c.qmpc.OnHup(func() {
			c.nodeMu.Lock()
			c.qemuQuitSeen = true
			c.nodeMu.Unlock()

			c.Enqueue(Event{Tag: QemuQuit, Reason: "qemu process exited"})
		})
	}

	if c.peerMgr != nil {
		c.peerMgr.AddNotify(c.onPeerEvent)
	}

	return c
}

// onLoop runs fn on the scheduler loop goroutine and blocks until it
// completes. Used only for touching peer.Manager, whose own contract
// demands single-threaded access via that goroutine.
func (c *Coordinator) onLoop(fn func()) {
	done := make(chan struct{})
	c.loop.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// Enqueue adds ev to the event queue, waking Run if it's waiting. Safe
// to call from any goroutine.
func (c *Coordinator) Enqueue(ev Event) {
	c.rawEvents <- ev
}

// onPeerEvent translates a peer.Manager notification into a queued
// coordinator event. It is only ever invoked on the scheduler loop
// goroutine, since that's the only goroutine ever allowed to call into
// peer.Manager.
func (c *Coordinator) onPeerEvent(ev peer.Event) {
	switch ev {
	case peer.FailoverWin:
		c.Enqueue(Event{Tag: FailoverWin})
	case peer.Failed:
		c.Enqueue(Event{Tag: PeerFailed, Reason: "peer failed or left the cluster group"})
	}
}

// onDeliver is the Callbacks.Deliver half of the cluster group wiring.
func (c *Coordinator) onDeliver(_ string, code wire.MessageCode) {
	c.onLoop(func() {
		if c.peerMgr != nil {
			c.peerMgr.OnDeliver(code, false)
		}
	})
}

// onMembershipChanged is the Callbacks.MembershipChanged half.
func (c *Coordinator) onMembershipChanged(_, left []string) {
	if len(left) == 0 {
		return
	}

	c.onLoop(func() {
		if c.peerMgr != nil {
			c.peerMgr.PeerLeft()
		}
	})
}

// Callbacks returns the clustermsg.Callbacks this Coordinator expects
// to be wired up with: clustermsg.Join(opts, coordinator.Callbacks()).
func (c *Coordinator) Callbacks() clustermsg.Callbacks {
	return clustermsg.Callbacks{
		Deliver:           c.onDeliver,
		MembershipChanged: c.onMembershipChanged,
	}
}

// SetGroup attaches the cluster group FAILOVER/FAILED broadcasts go
// out on. It exists because Join itself needs Callbacks() from an
// already-constructed Coordinator, so the caller necessarily builds
// the Coordinator first, Joins second, and wires the result back with
// SetGroup before calling Run.
func (c *Coordinator) SetGroup(g *clustermsg.Group) {
	c.group = g
}

// Status returns a snapshot of the node's current state, including the
// peer's failed flag.
func (c *Coordinator) Status() NodeState {
	c.nodeMu.Lock()
	st := c.node
	c.nodeMu.Unlock()

	if c.peerMgr != nil {
		var peerStatus peer.Status
		c.onLoop(func() { peerStatus = c.peerMgr.Status() })
		st.PeerFailed = peerStatus.Failed
	}

	return st
}

func (c *Coordinator) setNode(fn func(*NodeState)) {
	c.nodeMu.Lock()
	fn(&c.node)
	c.nodeMu.Unlock()
}

// RequestStartMigration enqueues StartMigration unless an action is
// already pending or the node is already replicating (spec.md §4.8).
func (c *Coordinator) RequestStartMigration() error {
	c.nodeMu.Lock()
	blocked := c.pendingAction || c.node.Replication
	c.nodeMu.Unlock()

	if blocked {
		return ErrActionPending
	}

	c.Enqueue(Event{Tag: StartMigration})

	return nil
}

// RequestAutoQuit enqueues AutoQuit (spec.md §4.8's autoquit command).
func (c *Coordinator) RequestAutoQuit() { c.Enqueue(Event{Tag: AutoQuit}) }

// RequestQuit enqueues Quit (spec.md §4.8's quit command).
func (c *Coordinator) RequestQuit() { c.Enqueue(Event{Tag: Quit}) }

// SetTemplate validates seq with the Coordinator's Formatter and
// installs it under name, guarded against concurrent reads from Run's
// goroutine.
func (c *Coordinator) SetTemplate(name string, seq tmplset.Sequence) error {
	if err := c.formatter.Validate(seq); err != nil {
		return err
	}

	c.templatesMu.Lock()
	defer c.templatesMu.Unlock()

	return c.templates.SetNamed(name, seq)
}

// QMPExecute forwards a command straight to QMP without checking its
// reply for a QMP-level error, for ctldispatch's pass-through mode
// (spec.md §4.8: any request without "exec-colod" "is forwarded
// verbatim to QMP via the coordinator's execute_co") and for the
// stop/cont commands, which return QEMU's raw response either way.
func (c *Coordinator) QMPExecute(ctx context.Context, execute string, args jsonval.Value) (qmp.Result, error) {
	return c.qmpc.ExecuteNoCheck(ctx, execute, args)
}

// Yank runs yank recovery immediately (spec.md §4.8's yank command).
func (c *Coordinator) Yank(ctx context.Context) error {
	return c.qmpc.Yank(ctx)
}

// SetYankInstances replaces the yank-instance filter (spec.md §4.8's
// set-yank command).
func (c *Coordinator) SetYankInstances(instances []jsonval.Value) {
	c.qmpc.SetYankInstances(instances)
}

// Store returns the opaque client-store blob (spec.md §4.8's
// query-store), or nil if nothing has been stored yet.
func (c *Coordinator) Store() jsonval.Value {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	return jsonval.Clone(c.store)
}

// SetStore replaces the opaque client-store blob (spec.md §4.8's
// set-store).
func (c *Coordinator) SetStore(v jsonval.Value) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.store = jsonval.Clone(v)
}

// ErrNoPeer is returned by peer-targeted commands when no peer manager
// is configured for this daemon instance.
var ErrNoPeer = errors.New("coordinator: no peer configured")

// PeerStatus returns the peer's current status (spec.md §4.8's
// query-peer).
func (c *Coordinator) PeerStatus() (peer.Status, error) {
	if c.peerMgr == nil {
		return peer.Status{}, ErrNoPeer
	}

	var st peer.Status
	c.onLoop(func() { st = c.peerMgr.Status() })

	return st, nil
}

// SetPeer (re)configures the peer by name (spec.md §4.8's set-peer).
func (c *Coordinator) SetPeer(name string) error {
	if c.peerMgr == nil {
		return ErrNoPeer
	}

	c.onLoop(func() { c.peerMgr.SetPeer(name) })

	return nil
}

// ClearPeer removes the configured peer (spec.md §4.8's clear-peer).
func (c *Coordinator) ClearPeer() error {
	if c.peerMgr == nil {
		return ErrNoPeer
	}

	c.onLoop(func() { c.peerMgr.ClearPeer() })

	return nil
}

// ClientContFailed records that a disconnecting client's auto-cont (to
// undo a stop it had issued) failed, per the Open Question resolved in
// DESIGN.md: the coordinator is told about it before the dispatcher
// drops the connection, so it can enqueue Failed while the reason is
// still attributable to a specific client action.
func (c *Coordinator) ClientContFailed(reason string) {
	c.Enqueue(Event{Tag: Failed, Reason: "client cont failed: " + reason})
}

func (c *Coordinator) namedTemplate(name string) tmplset.Sequence {
	c.templatesMu.Lock()
	defer c.templatesMu.Unlock()

	seq, _ := c.templates.Named(name)

	return seq
}

// drainRaw moves every already-buffered rawEvents entry into the
// two-FIFO queue without blocking. Only ever called from Run's
// goroutine.
func (c *Coordinator) drainRaw() {
	for {
		select {
		case ev := <-c.rawEvents:
			c.queue.enqueue(ev)
		default:
			return
		}
	}
}

// waitEvent blocks until an event is available, then dequeues and
// returns it. Only ever called from Run's goroutine.
func (c *Coordinator) waitEvent(ctx context.Context) (Event, error) {
	c.drainRaw()

	if ev, ok := c.queue.dequeue(); ok {
		return ev, nil
	}

	for {
		select {
		case ev := <-c.rawEvents:
			c.queue.enqueue(ev)
			c.drainRaw()

			if ev, ok := c.queue.dequeue(); ok {
				return ev, nil
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (c *Coordinator) criticalPending() bool {
	c.drainRaw()

	return c.queue.criticalPending()
}

// waitQMPOrCritical waits for a QMP event matching pattern (timeout 0
// = indefinite) or, if a critical coordinator event arrives first,
// abandons the QMP wait and returns that event instead. Grounded on
// main_coroutine.c's colod_qmp_event_wait_co, whose underlying
// colod_event_wait is itself interruptible by colod_event_queue.
func (c *Coordinator) waitQMPOrCritical(ctx context.Context, timeout time.Duration, pattern jsonval.Value) (gotQMP bool, coordEv Event, err error) {
	if c.criticalPending() {
		ev, werr := c.waitEvent(ctx)
		return false, ev, werr
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct{ err error }

	qmpCh := make(chan result, 1)

	go func() {
		_, werr := c.qmpc.WaitEvent(cctx, timeout, pattern)
		qmpCh <- result{werr}
	}()

	for {
		select {
		case r := <-qmpCh:
			if r.err != nil {
				return false, Event{}, r.err
			}

			return true, Event{}, nil
		case ev := <-c.rawEvents:
			c.queue.enqueue(ev)

			if c.queue.criticalPending() {
				cancel()
				<-qmpCh

				next, _ := c.queue.dequeue()

				return false, next, nil
			}
		case <-ctx.Done():
			return false, Event{}, ctx.Err()
		}
	}
}

// raiseTimeoutCoroutine brackets the next STOP/RESUME pair with
// qmp_timeout_high (spec.md §4.7.5). Exactly one instance may be
// active; a redundant call is a no-op.
func (c *Coordinator) raiseTimeoutCoroutine(ctx context.Context) {
	c.raiseTimeoutMu.Lock()
	if c.raiseTimeoutActive {
		c.raiseTimeoutMu.Unlock()
		return
	}

	c.raiseTimeoutActive = true
	c.raiseTimeoutMu.Unlock()

	go func() {
		defer func() {
			c.raiseTimeoutMu.Lock()
			c.raiseTimeoutActive = false
			c.raiseTimeoutMu.Unlock()
		}()

		c.qmpc.SetTimeout(c.timeoutHigh)
		defer c.qmpc.SetTimeout(c.timeoutLow)

		if _, err := c.qmpc.WaitEvent(ctx, 0, map[string]jsonval.Value{"event": "STOP"}); err != nil {
			return
		}

		if _, err := c.qmpc.WaitEvent(ctx, 0, map[string]jsonval.Value{"event": "RESUME"}); err != nil {
			return
		}
	}()
}

// runSequence formats the named sequence against bindings and
// executes the resulting commands through an Ectx with flags.
// Grounded on formater.c + qmpexectx.c's pairing: the formatter only
// produces command text, execute_array is what runs it.
func (c *Coordinator) runSequence(ctx context.Context, name string, bindings map[string]jsonval.Value, flags ectx.Flags) (*ectx.Ectx, error) {
	seq := c.namedTemplate(name)

	lines, err := c.formatter.Format(seq, bindings)
	if err != nil {
		return nil, fmt.Errorf("coordinator: formatting %q sequence: %w", name, err)
	}

	cmds := make([]ectx.Command, 0, len(lines))

	for _, line := range lines {
		cmd, err := parseCommandLine(line)
		if err != nil {
			return nil, fmt.Errorf("coordinator: parsing formatted %q command: %w", name, err)
		}

		cmds = append(cmds, cmd)
	}

	e := ectx.New(c.qmpc, flags, c.log)

	return e.Run(ctx, cmds), nil
}

// parseCommandLine decodes one formatter-rendered JSON line (e.g.
// `{"execute":"stop","arguments":{...}}`) into an ectx.Command.
func parseCommandLine(line string) (ectx.Command, error) {
	val, err := jsonval.Parse([]byte(line))
	if err != nil {
		return ectx.Command{}, err
	}

	execute, ok := jsonval.Field(val, "execute")
	if !ok {
		return ectx.Command{}, fmt.Errorf("command missing \"execute\": %s", line)
	}

	args, _ := jsonval.Field(val, "arguments")

	return ectx.Command{Execute: jsonval.String(execute), Arguments: args}, nil
}
