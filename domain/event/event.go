// Package event implements the event lifecycle and boolean match trees that
// drive job transitions: the event queue (PENDING -> HANDLING -> FINISHED),
// the blocker bookkeeping that keeps a FINISHED event alive until every
// interested job has consumed it, and the AND/OR/MATCH operator trees used
// to express "start on"/"stop on" conditions.
package event

import "strings"

// Progress tracks where an event sits in its three-phase lifecycle.
type Progress int

const (
	Pending Progress = iota
	Handling
	Finished
)

func (p Progress) String() string {
	switch p {
	case Pending:
		return "pending"
	case Handling:
		return "handling"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is a single occurrence flowing through the queue. Env is an ordered
// KEY=VALUE list; order matters for positional operator matching and is
// preserved on serialization.
type Event struct {
	Name     string
	Env      []string
	Session  string
	Progress Progress
	Failed   bool

	// Blockers counts how many parties still need this event to stay
	// alive: each Block() adds one (e.g. a job whose start or stop it
	// triggered, via CollectEvents) and each Unblock() removes one. It
	// is independent of Blocking, which lists the parties waiting on
	// this event to finish. The queue only retires an event from
	// HANDLING once Blockers reaches zero.
	Blockers int

	// Blocking is the set of parties waiting on this event to finish.
	// Resolved in FIFO order once the event reaches FINISHED.
	Blocking []*Blocked
}

// NewEvent constructs an event in PENDING progress with one blocker held by
// the caller (the emitter), matching the convention that the caller of
// Queue.Emit must itself Unblock the returned event once it no longer cares
// about the outcome.
func NewEvent(name string, env []string, session string) *Event {
	return &Event{
		Name:     name,
		Env:      append([]string(nil), env...),
		Session:  session,
		Progress: Pending,
		Blockers: 1,
	}
}

// RestoreEvent reconstructs an event from a re-exec snapshot with its
// recorded progress, failure, and blocker count intact -- unlike NewEvent,
// it does not impose the "one blocker held by the emitter" convention,
// since the snapshot already records whatever the true blocker count was
// at the moment of capture. Blocking is left nil; the caller resolves it
// separately once every event and job in the restored graph exists.
func RestoreEvent(name string, env []string, session string, progress Progress, failed bool, blockers int) *Event {
	return &Event{
		Name:     name,
		Env:      append([]string(nil), env...),
		Session:  session,
		Progress: progress,
		Failed:   failed,
		Blockers: blockers,
	}
}

// Block adds one unit to the blocker count.
func (e *Event) Block() {
	e.Blockers++
}

// Unblock removes one unit from the blocker count. Panics if the count
// would go negative -- a bookkeeping error serious enough to terminate the
// supervisor rather than silently wander out of sync.
func (e *Event) Unblock() {
	if e.Blockers <= 0 {
		panic("event: unblock called with zero blockers: " + e.Name)
	}
	e.Blockers--
}

// EnvValue returns the value portion of the first KEY=VALUE pair whose key
// matches, and whether it was found.
func EnvValue(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// EnvSet returns a copy of env with key set to value, replacing any existing
// entry for key or appending a new one.
func EnvSet(env []string, key, value string) []string {
	kv := key + "=" + value
	out := make([]string, 0, len(env)+1)
	prefix := key + "="
	replaced := false
	for _, existing := range env {
		if strings.HasPrefix(existing, prefix) {
			out = append(out, kv)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, kv)
	}
	return out
}

// EnvValues returns just the value half of each KEY=VALUE pair, in order --
// used by operator matching, which treats event env positionally.
func EnvValues(env []string) []string {
	values := make([]string, len(env))
	for i, kv := range env {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			values[i] = kv[idx+1:]
		} else {
			values[i] = kv
		}
	}
	return values
}
