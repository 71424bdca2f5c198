package qmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/lineio"
)

// ErrEventTimeout is returned by WaitEvent when no matching event
// arrives before the deadline.
var ErrEventTimeout = errors.New("qmp: timed out waiting for event")

// Options configures a Client at Dial time.
type Options struct {
	// Timeout bounds every command round trip on the main channel.
	// Exceeding it on a read triggers yank recovery (spec.md §4.3).
	Timeout time.Duration

	// YankInstances are object_matches templates (spec.md §9); a
	// query-yank instance is included in the recovery "yank" call
	// when it matches any one of them.
	YankInstances []jsonval.Value

	Log *colodlog.Logger
}

// Client is one QEMU instance's QMP connection pair.
type Client struct {
	main *channel
	yank *channel
	log  *colodlog.Logger

	timeoutMu sync.RWMutex
	timeout   time.Duration

	yankInstancesMu sync.Mutex
	yankInstances   []jsonval.Value

	eventMu   sync.Mutex
	eventSubs []func(Event)

	hupMu   sync.Mutex
	hupSubs []func()

	closeOnce sync.Once
}

// Dial performs the capabilities handshake on both channels and starts
// their background listeners. mainConn and yankConn are expected to be
// two independent connections to the same QEMU QMP socket (QEMU
// accepts multiple monitor connections).
func Dial(ctx context.Context, mainConn, yankConn net.Conn, opts Options) (*Client, error) {
	log := opts.Log
	if log == nil {
		log = colodlog.Discard()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cl := &Client{
		log:           log,
		timeout:       timeout,
		yankInstances: opts.YankInstances,
	}
	cl.main = newChannel(mainConn, false, log.Scoped("qmp-main", nil), cl.dispatchEvent)
	cl.yank = newChannel(yankConn, true, log.Scoped("qmp-yank", nil), nil)

	if err := cl.handshake(ctx, cl.main); err != nil {
		return nil, fmt.Errorf("qmp: main channel handshake: %w", err)
	}

	if err := cl.handshake(ctx, cl.yank); err != nil {
		return nil, fmt.Errorf("qmp: yank channel handshake: %w", err)
	}

	go cl.main.listen(ctx, cl.notifyHup)
	go cl.yank.listen(ctx, nil)

	return cl, nil
}

func (cl *Client) handshake(ctx context.Context, ch *channel) error {
	if err := ch.acquire(ctx); err != nil {
		return err
	}
	defer ch.release()

	if _, err := ch.readLine(cl.Timeout(), true); err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}

	cmd := Command{
		Execute:   "qmp_capabilities",
		Arguments: map[string]jsonval.Value{"enable": []jsonval.Value{"oob"}},
	}

	val, err := cl.roundTrip(ch, cmd)
	if err != nil {
		return err
	}

	if qerr := AsCommandError(val); qerr != nil {
		return fmt.Errorf("qmp_capabilities: %w", qerr)
	}

	return nil
}

// roundTrip writes cmd and reads its reply. Caller must hold ch's lock.
func (cl *Client) roundTrip(ch *channel, cmd Command) (jsonval.Value, error) {
	data, err := cmd.encode()
	if err != nil {
		return nil, err
	}

	if err := ch.write(data, cl.Timeout()); err != nil {
		return nil, err
	}

	return ch.readLine(cl.Timeout(), true)
}

// Execute runs a command on the main channel and returns an error if
// QEMU's reply itself reports one (spec.md's "checked" execute).
func (cl *Client) Execute(ctx context.Context, execute string, args jsonval.Value) (Result, error) {
	res, err := cl.executeMain(ctx, execute, args)
	if err != nil {
		return Result{}, err
	}

	if qerr := AsCommandError(res.Value); qerr != nil {
		return res, fmt.Errorf("qmp command %q: %w", execute, qerr)
	}

	return res, nil
}

// ExecuteNoCheck runs a command on the main channel without inspecting
// the reply for a QMP-level error; the caller uses AsCommandError
// itself (spec.md's qmp_execute_nocheck, used where an error reply is
// an expected, handled outcome rather than a failure).
func (cl *Client) ExecuteNoCheck(ctx context.Context, execute string, args jsonval.Value) (Result, error) {
	return cl.executeMain(ctx, execute, args)
}

// Yank runs the yank recovery sequence directly, independent of a
// timed-out command triggering it automatically (spec.md §4.7.4's
// failover step: "yank the QMP (best-effort, errors fatal to
// failover)").
func (cl *Client) Yank(ctx context.Context) error {
	return cl.yankRecover(ctx)
}

func (cl *Client) executeMain(ctx context.Context, execute string, args jsonval.Value) (Result, error) {
	if err := cl.main.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer cl.main.release()

	cmd := Command{Execute: execute, Arguments: args}

	val, didYank, err := cl.roundTripWithYank(ctx, cmd)
	if err != nil {
		return Result{}, err
	}

	return Result{Value: val, DidYank: didYank}, nil
}

// roundTripWithYank writes cmd on the main channel and reads its
// reply, recovering via the yank channel exactly once if the read
// times out. Unlike roundTrip, the main channel's lock is held for
// the whole sequence — including the nested yank recovery round trips
// on the *other* channel — so the background listener can never race
// in and steal the retried reply (grounded on qmp.c, where the
// channel lock spans the entire recursive read-then-yank-then-reread
// sequence, not just the first attempt).
func (cl *Client) roundTripWithYank(ctx context.Context, cmd Command) (jsonval.Value, bool, error) {
	data, err := cmd.encode()
	if err != nil {
		return nil, false, err
	}

	if err := cl.main.write(data, cl.Timeout()); err != nil {
		return nil, false, err
	}

	val, err := cl.main.readLine(cl.Timeout(), true)
	if err == nil {
		return val, false, nil
	}

	if !errors.Is(err, lineio.ErrTimeout) {
		return nil, false, err
	}

	cl.log.Warn("qmp: command timed out, attempting yank recovery", colodlog.Ctx{"command": cmd.Execute})

	if rerr := cl.yankRecover(ctx); rerr != nil {
		return nil, false, fmt.Errorf("qmp: yank recovery after %q timeout: %w", cmd.Execute, rerr)
	}

	val, err = cl.main.readLine(cl.Timeout(), true)
	if err != nil {
		return nil, false, err
	}

	return val, true, nil
}

// Timeout returns the currently configured per-command timeout.
func (cl *Client) Timeout() time.Duration {
	cl.timeoutMu.RLock()
	defer cl.timeoutMu.RUnlock()

	return cl.timeout
}

// SetTimeout changes the per-command timeout (spec.md's qmp_set_timeout,
// used by the coordinator to raise/lower it around known-slow periods
// such as migration).
func (cl *Client) SetTimeout(d time.Duration) {
	cl.timeoutMu.Lock()
	defer cl.timeoutMu.Unlock()

	cl.timeout = d
}

// SetYankInstances replaces the object_matches templates used to pick
// which query-yank instances get included in a recovery "yank" call.
func (cl *Client) SetYankInstances(templates []jsonval.Value) {
	cl.yankInstancesMu.Lock()
	defer cl.yankInstancesMu.Unlock()

	cl.yankInstances = templates
}

// WaitEvent blocks until an event matching pattern (spec.md's
// object_matches template) arrives, or timeout elapses (0 = no
// timeout).
func (cl *Client) WaitEvent(ctx context.Context, timeout time.Duration, pattern jsonval.Value) (Event, error) {
	matchCh := make(chan Event, 1)

	unsubscribe := cl.subscribeEvent(func(ev Event) {
		if jsonval.Matches(pattern, ev.Raw) {
			select {
			case matchCh <- ev:
			default:
			}
		}
	})
	defer unsubscribe()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()

		timeoutC = t.C
	}

	select {
	case ev := <-matchCh:
		return ev, nil
	case <-timeoutC:
		return Event{}, ErrEventTimeout
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// OnHup registers fn to run once when the main channel's background
// listener observes the connection die.
func (cl *Client) OnHup(fn func()) {
	cl.hupMu.Lock()
	defer cl.hupMu.Unlock()

	cl.hupSubs = append(cl.hupSubs, fn)
}

func (cl *Client) notifyHup() {
	cl.log.Error("qemu quit", nil)

	cl.hupMu.Lock()
	subs := append([]func(){}, cl.hupSubs...)
	cl.hupMu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

func (cl *Client) subscribeEvent(fn func(Event)) func() {
	cl.eventMu.Lock()
	defer cl.eventMu.Unlock()

	idx := len(cl.eventSubs)
	cl.eventSubs = append(cl.eventSubs, fn)

	return func() {
		cl.eventMu.Lock()
		defer cl.eventMu.Unlock()

		cl.eventSubs[idx] = nil
	}
}

func (cl *Client) dispatchEvent(ev Event) {
	cl.eventMu.Lock()
	subs := append([]func(Event){}, cl.eventSubs...)
	cl.eventMu.Unlock()

	for _, fn := range subs {
		if fn != nil {
			fn(ev)
		}
	}
}

// Close tears down both channels. Safe to call more than once.
func (cl *Client) Close() error {
	var err error

	cl.closeOnce.Do(func() {
		if e := cl.main.io.Close(); e != nil {
			err = e
		}

		if e := cl.yank.io.Close(); e != nil && err == nil {
			err = e
		}
	})

	return err
}
