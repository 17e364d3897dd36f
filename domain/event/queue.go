package event

import (
	"strings"

	"github.com/coriolis-systems/jobd/internal/errs"
)

// Queue holds every event from the moment it is emitted until it is fully
// dispatched. Per the supervisor's single-threaded design, the queue is
// always mutated from the scheduler's main loop goroutine, so it carries no
// internal locking.
type Queue struct {
	events []*Event
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Emit appends a new PENDING event and returns it. The caller holds one
// blocker on the returned event (see NewEvent) and must Unblock it once it
// no longer needs the event kept alive -- typically immediately, unless the
// caller is a control RPC emit() with wait=true, which instead attaches a
// BlockedStart/Stop/Restart-style reply record to Blocking.
func (q *Queue) Emit(name string, env []string, session string) *Event {
	e := NewEvent(name, env, session)
	q.events = append(q.events, e)
	return e
}

// Restore replaces the queue's event list wholesale with events rebuilt
// from a re-exec snapshot, preserving their recorded insertion order.
func (q *Queue) Restore(events []*Event) {
	q.events = events
}

// Len returns the number of events still tracked by the queue.
func (q *Queue) Len() int {
	return len(q.events)
}

// Events returns the live event list. Callers must not retain the slice
// across a Poll call, which may reallocate it.
func (q *Queue) Events() []*Event {
	return q.events
}

// Poll drains the queue to quiescence: every PENDING event is handed to
// handlePending (expected to run start_on/stop_on matching and advance
// jobs), every HANDLING event with zero blockers is finished, and every
// FINISHED event has its blocking list resolved and is then removed. Poll
// keeps making passes until one leaves nothing to do, so events emitted as
// a side effect of handling or resolving are picked up within the same
// call.
func (q *Queue) Poll(handlePending func(e *Event)) {
	for {
		changed := false

		for i := 0; i < len(q.events); i++ {
			e := q.events[i]
			switch e.Progress {
			case Pending:
				if handlePending != nil {
					handlePending(e)
				}
				e.Progress = Handling
				changed = true
			case Handling:
				if e.Blockers == 0 {
					e.Progress = Finished
					q.dispatch(e)
					changed = true
				}
			case Finished:
				// Already dispatched in the same pass it was promoted;
				// reaching here means compact hasn't run yet.
			}
		}

		if !changed {
			return
		}
		q.compact()
	}
}

// dispatch runs the moment an event is promoted to FINISHED: it resolves
// every party on the event's blocking list, then -- if the event failed and
// its name doesn't already carry the "/failed" suffix -- enqueues a derived
// "name/failed" event carrying a copy of its env, per the emission contract.
// Events are always dispatched exactly once, synchronously with the
// Handling->Finished transition, regardless of whether anything was
// actually waiting on them.
func (q *Queue) dispatch(e *Event) {
	blocking := e.Blocking
	e.Blocking = nil

	var err error
	if e.Failed {
		err = errs.EventFailed(e.Name)
	}
	for _, b := range blocking {
		b.Resolve(err)
	}

	if e.Failed && !strings.HasSuffix(e.Name, "/failed") {
		q.Emit(e.Name+"/failed", e.Env, e.Session).Unblock()
	}
}

// compact drops every event that has reached FINISHED; dispatch has always
// already run for it by this point.
func (q *Queue) compact() {
	kept := q.events[:0]
	for _, e := range q.events {
		if e.Progress == Finished {
			continue
		}
		kept = append(kept, e)
	}
	q.events = kept
}
