package control

import "context"

// JobStatus is the list/start/stop/restart reply shape: enough to report a
// job's identity, goal/state, pid table, and the statistics enrichment
// (§4 of SPEC_FULL.md) beyond spec.md's literal "list" wording.
type JobStatus struct {
	Class    string         `json:"class"`
	Instance string         `json:"instance,omitempty"`
	Goal     string         `json:"goal"`
	State    string         `json:"state"`
	Pids     map[string]int `json:"pids,omitempty"`
	Uptime   string         `json:"uptime,omitempty"`

	// RSS/CPU are not filled in by the scheduler Core, so they stay zero
	// and are omitted from replies.
	RSSBytes  uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

// Dispatcher is the interface the control surface submits RPCs through. It
// is implemented by the scheduler's Core, which owns the single goroutine
// that is allowed to mutate the job registry and event queue -- every
// method here crosses from an HTTP handler's goroutine onto that loop and
// back, rather than touching domain/job or domain/event directly.
type Dispatcher interface {
	// Start sets a job's goal to START. instance is "" for a singleton
	// class. If wait is true, the call blocks until the job's transition
	// settles (or ctx is cancelled) and returns the settled status;
	// otherwise it returns immediately once the goal change is applied.
	Start(ctx context.Context, class, instance, session string, env []string, wait bool) (*JobStatus, error)

	// Stop sets a job's goal to STOP, with the same wait semantics as Start.
	Stop(ctx context.Context, class, instance, session string, wait bool) (*JobStatus, error)

	// Restart is stop-then-start as a single RPC: the caller only sees one
	// settle point, at the job's return to RUNNING (or failure).
	Restart(ctx context.Context, class, instance, session string, wait bool) (*JobStatus, error)

	// Emit appends a new event to the queue under session, exactly as
	// domain/event.Queue.Emit, except wait=true blocks until the event
	// (and everything chained to it) reaches FINISHED.
	Emit(ctx context.Context, name string, env []string, session string, wait bool) error

	// List returns the current status of every live job instance across
	// every class, plus one stop/waiting entry for each class that has no
	// instances, regardless of session -- ownership filtering, if any,
	// is a client-side concern since listing is read-only.
	List(ctx context.Context) ([]JobStatus, error)
}
