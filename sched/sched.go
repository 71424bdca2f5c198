// Package sched is the cooperative scheduling substrate underlying the
// rest of colod (spec.md §4.1, §5). The C original encodes tasks as
// GLib coroutines, switch-based continuations spilling locals into a
// struct reached through a CO field; spec.md §9 explicitly asks for
// this to become native async/await (or an explicit state machine)
// while keeping the observable scheduling equivalent: one logical
// thread of execution, suspension only at well-defined points, no
// concurrent mutation of state the daemon owns exclusively.
//
// The Go realization: a single goroutine, Loop.Run, drains channels
// of ready callbacks ("tasks" in spec.md's vocabulary) one at a time,
// plus a heap of delayed callbacks. State that only loop callbacks
// touch needs no lock of its own; in this daemon that is
// peer.Manager's state, which the coordinator reaches through Post.
// The coordinator itself runs on its own goroutine and guards its
// state with mutexes, and the QMP, cluster-group and control-socket
// goroutines call into it directly rather than through the loop.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Loop is the single-threaded dispatcher. The zero value is not
// usable; construct one with New.
type Loop struct {
	normal   chan func()
	priority chan func()

	timersMu sync.Mutex
	timers   timerHeap
	nextID   uint64
	wake     chan struct{}
}

// New returns an idle Loop. Call Run to start dispatching.
func New() *Loop {
	return &Loop{
		normal:   make(chan func(), 256),
		priority: make(chan func(), 256),
		wake:     make(chan struct{}, 1),
	}
}

// Post schedules fn to run on the loop goroutine at the next
// iteration ("immediate" rewake, spec.md §4.1). Safe to call from any
// goroutine, including the loop goroutine itself.
func (l *Loop) Post(fn func()) {
	l.normal <- fn
}

// PostPriority schedules fn ahead of any pending Post callbacks. Used
// for critical-event wake-ups and wait_event resolution, which
// spec.md §4.3 requires to be "priority-dispatched ahead of ordinary
// resumptions".
func (l *Loop) PostPriority(fn func()) {
	l.priority <- fn
}

// Timer is a cancel handle for a delayed callback.
type Timer struct {
	id      uint64
	loop    *Loop
	fired   bool
	removed bool
}

// Stop cancels the timer if it has not already fired. spec.md §4.1:
// "A timer cancelled because its peer fired first must be removed
// explicitly" — callers racing a timeout against another wake source
// must call Stop on whichever one didn't fire.
func (t *Timer) Stop() {
	t.loop.timersMu.Lock()
	defer t.loop.timersMu.Unlock()

	if t.fired || t.removed {
		return
	}

	t.removed = true
	l := &t.loop.timers
	for i, e := range *l {
		if e.id == t.id {
			heap.Remove(l, i)
			break
		}
	}
}

// After runs fn on the loop goroutine once d has elapsed. A zero or
// negative d makes the timer due at once; unlike lineio's timeouts, 0
// does not mean "never". The timer fires unless Stop is called first.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	l.timersMu.Lock()
	id := l.nextTimerID()
	entry := &timerEntry{id: id, at: time.Now().Add(d), fn: fn}
	heap.Push(&l.timers, entry)
	l.timersMu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return &Timer{id: id, loop: l}
}

// nextTimerID must be called with timersMu held.
func (l *Loop) nextTimerID() uint64 {
	l.nextID++
	return l.nextID
}

// Run dispatches callbacks until ctx is cancelled. Each iteration runs
// a pending priority callback first, if there is one; otherwise it
// serves whichever of a priority callback, a normal callback or a due
// timer is ready, in the order select picks.
func (l *Loop) Run(ctx context.Context) {
	for {
		// Drain priority work first, non-blocking, every iteration.
		select {
		case fn := <-l.priority:
			fn()
			continue
		default:
		}

		next, ok := l.nextTimerDeadline()
		var timerC <-chan time.Time
		var armed *time.Timer
		if ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}

			armed = time.NewTimer(d)
			timerC = armed.C
		}

		select {
		case <-ctx.Done():
			if armed != nil {
				armed.Stop()
			}

			return
		case fn := <-l.priority:
			if armed != nil {
				armed.Stop()
			}

			fn()
		case fn := <-l.normal:
			if armed != nil {
				armed.Stop()
			}

			fn()
		case <-timerC:
			l.runDueTimers()
		case <-l.wake:
			if armed != nil {
				armed.Stop()
			}
			// A new, possibly earlier, timer was armed while we were
			// waiting; loop around to recompute the deadline.
		}
	}
}

func (l *Loop) nextTimerDeadline() (time.Time, bool) {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()

	if len(l.timers) == 0 {
		return time.Time{}, false
	}

	return l.timers[0].at, true
}

func (l *Loop) runDueTimers() {
	now := time.Now()
	for {
		l.timersMu.Lock()
		if len(l.timers) == 0 || l.timers[0].at.After(now) {
			l.timersMu.Unlock()
			return
		}

		entry := heap.Pop(&l.timers).(*timerEntry)
		l.timersMu.Unlock()

		entry.fn()
	}
}

type timerEntry struct {
	id    uint64
	at    time.Time
	fn    func()
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x any)         { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
