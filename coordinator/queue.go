package coordinator

// eventQueue is the two-FIFO queue main_coroutine.c's colod_event_queue
// implements with a single GQueue plus a "critical" bit per entry.
// Dequeue always drains the critical half first; enqueue collapses a
// run of identical consecutive tags on whichever half the new event
// lands on, matching colod_event_queue's "don't queue the same event
// twice in a row" dedup.
//
// Not safe for concurrent use: every method is expected to run on the
// coordinator's own goroutine, exactly like the rest of its state.
type eventQueue struct {
	critical []Event
	normal   []Event
}

// enqueue adds ev to the appropriate half, returning true if the
// queue transitioned from empty to non-empty (the signal a waiter
// needs to wake up).
func (q *eventQueue) enqueue(ev Event) bool {
	wasEmpty := q.empty()

	half := &q.normal
	if ev.critical() {
		half = &q.critical
	}

	if n := len(*half); n > 0 && (*half)[n-1].Tag == ev.Tag {
		return false
	}

	*half = append(*half, ev)

	return wasEmpty
}

// dequeue pops the oldest critical event, or failing that the oldest
// normal event.
func (q *eventQueue) dequeue() (Event, bool) {
	if len(q.critical) > 0 {
		ev := q.critical[0]
		q.critical = q.critical[1:]

		return ev, true
	}

	if len(q.normal) > 0 {
		ev := q.normal[0]
		q.normal = q.normal[1:]

		return ev, true
	}

	return Event{}, false
}

// criticalPending reports whether a critical event is queued, without
// consuming it (main_coroutine.c's colod_critical_pending: used by
// sub-states to decide whether to bail out of an internal wait loop).
func (q *eventQueue) criticalPending() bool {
	return len(q.critical) > 0
}

func (q *eventQueue) empty() bool {
	return len(q.critical) == 0 && len(q.normal) == 0
}
