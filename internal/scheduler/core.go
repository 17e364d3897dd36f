// Package scheduler wires the job registry, event queue, and process
// spawner into the running supervisor: the select loop that drains the
// event queue to quiescence, reaps exited children, refreshes metrics on
// a periodic tick, and serves control RPCs submitted from other
// goroutines by marshaling them onto the loop's own goroutine.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/coriolis-systems/jobd/domain/event"
	"github.com/coriolis-systems/jobd/domain/job"
	"github.com/coriolis-systems/jobd/internal/control"
	"github.com/coriolis-systems/jobd/internal/errs"
	"github.com/coriolis-systems/jobd/internal/metrics"
	"github.com/coriolis-systems/jobd/internal/snapshot"
	"github.com/coriolis-systems/jobd/internal/spawner"
)

// Core is the supervisor's running instance: the single goroutine
// (Run) that owns the registry/queue/machine is fed work by the
// request channel, which every other goroutine (the control RPC
// handlers) submits to rather than touching domain state directly.
// SIGCHLD reaping and the periodic tick run on the loop goroutine itself.
type Core struct {
	*BaseService

	queue    *event.Queue
	registry *job.Registry
	machine  *job.Machine
	spawner  *spawner.Spawner
	metrics  *metrics.Metrics

	serviceName string

	sessions   map[string]struct{}
	sessionsMu sync.Mutex

	requests chan func()
}

// replyHandle adapts a channel-delivered error into domain/event.ReplyHandle,
// letting a control RPC's wait=true call park itself on a job/event the same
// way an internal Blocker does.
type replyHandle struct {
	done chan error
}

func newReplyHandle() *replyHandle {
	return &replyHandle{done: make(chan error, 1)}
}

func (r *replyHandle) Resolve(err error) {
	r.done <- err
}

// New constructs a Core ready to run. spawner also serves as the
// machine's Killer, since both collaborators operate on raw pids.
func New(base *BaseService, sp *spawner.Spawner, m *metrics.Metrics, serviceName string) *Core {
	c := &Core{
		BaseService: base,
		queue:       event.NewQueue(),
		spawner:     sp,
		metrics:     m,
		serviceName: serviceName,
		sessions:    make(map[string]struct{}),
		requests:    make(chan func(), 64),
	}
	c.machine = &job.Machine{
		Emitter: c.queue,
		Spawner: sp,
		Killer:  sp,
	}
	c.registry = job.NewRegistry(c.machine)
	return c
}

// LoadClass registers a job class loaded from configuration.
func (c *Core) LoadClass(cl *job.Class) {
	c.registry.Load(cl)
}

// Hydrate restores a re-exec snapshot captured by a prior instance of
// this process, replacing the freshly constructed queue/registry/machine
// wholesale. It must run before the loop starts and before any class is
// loaded from configuration, since restored classes already carry their
// own instance tables.
func (c *Core) Hydrate(ctx context.Context, data []byte) error {
	snap, err := snapshot.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("scheduler: hydrate: %w", err)
	}
	restored, err := snapshot.Restore(snap, c.machine)
	if err != nil {
		return fmt.Errorf("scheduler: hydrate: %w", err)
	}
	c.queue = restored.Queue
	c.registry = restored.Registry
	c.machine.Emitter = c.queue
	c.registry.Machine = c.machine
	c.sessionsMu.Lock()
	for _, s := range restored.Sessions {
		c.sessions[s] = struct{}{}
	}
	c.sessionsMu.Unlock()

	for _, cl := range c.registry.AllClasses() {
		for _, j := range cl.Instances {
			if j.State == job.Killed {
				c.machine.RearmKillTimer(j)
			}
		}
	}

	if restored.DroppedReplies > 0 {
		c.Logger().Warn(ctx, "dropped RPC-reply blockers across re-exec", map[string]interface{}{
			"count": restored.DroppedReplies,
		})
	}
	return nil
}

// Capture produces a serializable snapshot of the live graph, called
// just before a re-exec.
func (c *Core) Capture() ([]byte, error) {
	var sessions []string
	c.sessionsMu.Lock()
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessionsMu.Unlock()

	snap := snapshot.Capture(c.queue, c.registry, sessions)
	return snapshot.Marshal(snap)
}

// submit runs fn on the loop goroutine and blocks the caller until it
// returns, the context is canceled, or the loop has stopped.
func (c *Core) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case c.requests <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.StopChan():
		return fmt.Errorf("scheduler: stopped")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Core) rememberSession(session string) {
	if session == "" {
		return
	}
	c.sessionsMu.Lock()
	c.sessions[session] = struct{}{}
	c.sessionsMu.Unlock()
}

// jobOwnedByOther reports whether j is owned by a session other than
// the requesting one, the permission-denied condition control RPCs must
// enforce (§7): a job with no owning session is unowned and may be
// driven by anyone.
func jobOwnedByOther(j *job.Job, session string) bool {
	return j.Session != "" && session != "" && j.Session != session
}

// Start implements control.Dispatcher. The reply handle (when wait is
// true) is waited on from the calling goroutine, never from the loop
// goroutine itself: a hook or main process settles asynchronously, and
// the party that resolves the handle (HookExited or MainExited, called
// by the reaper) runs later on this same loop goroutine, so blocking
// inside the loop goroutine here would deadlock it.
func (c *Core) Start(ctx context.Context, class, instance, session string, envv []string, wait bool) (*control.JobStatus, error) {
	var rpcErr error
	var handle *replyHandle

	err := c.submit(ctx, func() {
		cl := c.registry.Active(class)
		if cl == nil {
			rpcErr = errs.UnknownJob(class)
			return
		}
		j := cl.Instance(instance)
		if j.Goal == job.GoalStart {
			rpcErr = errs.AlreadyStarted(j.ID())
			return
		}
		if jobOwnedByOther(j, session) {
			rpcErr = errs.PermissionDenied(session, j.ID())
			return
		}
		j.Session = session
		c.rememberSession(session)
		if len(envv) > 0 {
			j.StartEnv = append(append([]string(nil), j.Env...), envv...)
		}
		if wait {
			handle = newReplyHandle()
			j.Blocking = append(j.Blocking, &event.Blocked{Kind: event.BlockedStart, Reply: handle})
		}
		c.machine.ChangeGoal(j, job.GoalStart)
		c.drain()
	})
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	if handle != nil {
		if werr := c.awaitReply(ctx, handle); werr != nil {
			return nil, werr
		}
	}
	return c.status(ctx, class, instance)
}

// Stop implements control.Dispatcher. See Start's doc comment for why
// wait=true is honored outside the loop goroutine.
func (c *Core) Stop(ctx context.Context, class, instance, session string, wait bool) (*control.JobStatus, error) {
	var rpcErr error
	var handle *replyHandle

	err := c.submit(ctx, func() {
		cl := c.registry.Active(class)
		if cl == nil {
			rpcErr = errs.UnknownJob(class)
			return
		}
		j, ok := cl.Instances[instance]
		if !ok || j.Goal == job.GoalStop {
			rpcErr = errs.AlreadyStopped(fmt.Sprintf("%s/%s", class, instance))
			return
		}
		if jobOwnedByOther(j, session) {
			rpcErr = errs.PermissionDenied(session, j.ID())
			return
		}
		if wait {
			handle = newReplyHandle()
			j.Blocking = append(j.Blocking, &event.Blocked{Kind: event.BlockedStop, Reply: handle})
		}
		c.machine.ChangeGoal(j, job.GoalStop)
		c.drain()
	})
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	if handle != nil {
		if werr := c.awaitReply(ctx, handle); werr != nil {
			return nil, werr
		}
	}
	return c.status(ctx, class, instance)
}

// Restart implements control.Dispatcher: a stop followed by a start,
// submitted as one request so no other RPC can interleave between the
// two halves.
func (c *Core) Restart(ctx context.Context, class, instance, session string, wait bool) (*control.JobStatus, error) {
	var rpcErr error
	var handle *replyHandle

	err := c.submit(ctx, func() {
		cl := c.registry.Active(class)
		if cl == nil {
			rpcErr = errs.UnknownJob(class)
			return
		}
		j := cl.Instance(instance)
		if jobOwnedByOther(j, session) {
			rpcErr = errs.PermissionDenied(session, j.ID())
			return
		}
		j.Session = session
		c.rememberSession(session)
		if wait {
			handle = newReplyHandle()
			j.Blocking = append(j.Blocking, &event.Blocked{Kind: event.BlockedRestart, Reply: handle})
		}
		if j.Goal != job.GoalStop {
			c.machine.ChangeGoal(j, job.GoalStop)
		}
		c.machine.ChangeGoal(j, job.GoalStart)
		c.drain()
	})
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	if handle != nil {
		if werr := c.awaitReply(ctx, handle); werr != nil {
			return nil, werr
		}
	}
	return c.status(ctx, class, instance)
}

// Emit implements control.Dispatcher.
func (c *Core) Emit(ctx context.Context, name string, envv []string, session string, wait bool) error {
	var handle *replyHandle
	err := c.submit(ctx, func() {
		c.rememberSession(session)
		e := c.queue.Emit(name, envv, session)
		if wait {
			handle = newReplyHandle()
			e.Blocking = append(e.Blocking, &event.Blocked{Kind: event.BlockedEvent, Reply: handle})
		}
		e.Unblock()
		c.drain()
	})
	if err != nil {
		return err
	}
	if handle != nil {
		return c.awaitReply(ctx, handle)
	}
	return nil
}

// awaitReply blocks the calling goroutine (never the loop goroutine)
// until handle is resolved by a future submit() on the loop, or ctx is
// canceled first.
func (c *Core) awaitReply(ctx context.Context, handle *replyHandle) error {
	select {
	case err := <-handle.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// status re-reads a job's current description via a fresh submit, so
// the read happens on the loop goroutine rather than racing it.
func (c *Core) status(ctx context.Context, class, instance string) (*control.JobStatus, error) {
	var result *control.JobStatus
	err := c.submit(ctx, func() {
		cl := c.registry.Active(class)
		if cl == nil {
			return
		}
		if j, ok := cl.Instances[instance]; ok {
			result = c.describe(cl, j)
			return
		}
		result = &control.JobStatus{Class: class, Instance: instance, Goal: "stop", State: job.Waiting.String()}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// List implements control.Dispatcher.
func (c *Core) List(ctx context.Context) ([]control.JobStatus, error) {
	var out []control.JobStatus
	err := c.submit(ctx, func() {
		for _, cl := range c.registry.AllClasses() {
			if len(cl.Instances) == 0 {
				out = append(out, control.JobStatus{
					Class: cl.Name,
					Goal:  "stop",
					State: job.Waiting.String(),
				})
				continue
			}
			for _, j := range cl.Instances {
				out = append(out, *c.describe(cl, j))
			}
		}
	})
	return out, err
}

func (c *Core) describe(cl *job.Class, j *job.Job) *control.JobStatus {
	status := &control.JobStatus{
		Class:    cl.Name,
		Instance: j.Name,
		Goal:     j.Goal.String(),
		State:    j.State.String(),
	}
	if pid, ok := j.Pids[job.Main]; ok && pid != 0 {
		status.Pids = map[string]int{"main": pid}
	}
	return status
}

// drain runs the event queue to quiescence and refreshes gauges, called
// after every goal change or emit processed on the loop goroutine.
func (c *Core) drain() {
	c.queue.Poll(c.registry.HandleEvent)
	c.refreshMetrics()
}

func (c *Core) refreshMetrics() {
	if c.metrics == nil {
		return
	}
	pending, handling := 0, 0
	for _, e := range c.queue.Events() {
		switch e.Progress {
		case event.Pending:
			pending++
		case event.Handling:
			handling++
		}
	}
	c.metrics.SetQueueDepth(c.serviceName, pending, handling)

	counts := map[string]map[string]int{}
	for _, cl := range c.registry.AllClasses() {
		for _, j := range cl.Instances {
			m := counts[cl.Name]
			if m == nil {
				m = make(map[string]int)
				counts[cl.Name] = m
			}
			m[j.State.String()]++
		}
	}
	for class, states := range counts {
		for state, n := range states {
			c.metrics.SetJobCount(c.serviceName, class, state, n)
		}
	}
}

var _ control.Dispatcher = (*Core)(nil)
