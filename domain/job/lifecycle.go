package job

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/coriolis-systems/jobd/domain/event"
)

// Well-known lifecycle event names, emitted by every job transition.
const (
	StartingEvent = "starting"
	StartedEvent  = "started"
	StoppingEvent = "stopping"
	StoppedEvent  = "stopped"
)

// Emitter is the subset of the event queue a job's state machine needs:
// the ability to emit a new event. Kept as an interface so domain/job
// never has to import the scheduler that owns the live queue.
type Emitter interface {
	Emit(name string, env []string, session string) *event.Event
}

// Spawner runs one of a class's process-table commands and reports the
// resulting pid, matching the external collaborator contract: the core
// never forks directly, it asks a spawner to do it.
type Spawner interface {
	Spawn(ctx context.Context, class *Class, process ProcessType, env []string) (pid int, err error)
}

// Killer sends a signal to a running process slot.
type Killer interface {
	Signal(pid int, sig syscall.Signal) error
}

// Machine wires a job's state machine to its live collaborators. Jobs
// hold an unexported back-reference to a Machine (bound via Job.Bind)
// rather than to the collaborators directly, so the job graph itself
// stays serializable.
type Machine struct {
	Emitter Emitter
	Spawner Spawner
	Killer  Killer

	// AfterFunc schedules the kill timer; overridden in tests to avoid
	// real wall-clock waits. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) *time.Timer

	// Now reports the current time; overridden in tests and used for
	// respawn rate limiting. Defaults to time.Now.
	Now func() time.Time

	// OnWaiting is called after a job is unlinked from its class's
	// instance table on reaching WAITING, the point at which the
	// registry reconciles a deleted class that has become unused.
	OnWaiting func(j *Job)
}

func (m *Machine) afterFunc(d time.Duration, f func()) *time.Timer {
	if m.AfterFunc != nil {
		return m.AfterFunc(d, f)
	}
	return time.AfterFunc(d, f)
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Machine) mainStatus(j *Job) (hasMain, alive bool) {
	_, hasMain = j.Class.Process[Main]
	alive = j.Pids[Main] != 0
	return hasMain, alive
}

// ChangeGoal sets a job's goal and, if the job is currently sitting in
// the rest state that goal moves it out of (WAITING for START, RUNNING
// for STOP or RESPAWN), induces motion immediately. Otherwise the goal change is observed the next
// time the job's in-flight transition completes and re-enters the
// machine on its own.
func (m *Machine) ChangeGoal(j *Job, goal Goal) {
	j.Goal = goal
	induce := (goal == GoalStart && j.State == Waiting) ||
		((goal == GoalStop || goal == GoalRespawn) && j.State == Running)
	if !induce {
		return
	}
	target, _ := m.advance(j)
	m.ChangeState(j, target)
}

// ChangeState drives a job through its entry actions, looping whenever
// an action immediately re-assigns the target state rather than
// blocking on a hook or an event.
func (m *Machine) ChangeState(j *Job, target State) {
	for {
		prev := j.State
		j.State = target
		next, blocked := m.enter(j, prev, target)
		if blocked {
			return
		}
		target = next
	}
}

// enter runs one state's entry action. prev is the state the job just
// left, used only to tell a PRE_STOP-aborted resume (the climb back to
// RUNNING skips re-emitting started) apart from a normal one. The
// second return value is true if the action blocked the job (set
// j.Blocker or is waiting on a spawned process), in which case the
// caller must not loop further.
func (m *Machine) enter(j *Job, prev, state State) (next State, blocked bool) {
	switch state {

	case Starting:
		if len(j.StartEnv) > 0 {
			j.Env = j.StartEnv
		}
		j.StartEnv = nil
		j.StopEnv = nil
		j.Failed = false
		j.ExitStatus = 0
		j.ExitSignaled = false
		m.emitBlocking(j, StartingEvent, j.lifecycleEnv(nil))
		return 0, true

	case PreStartState:
		return m.runHook(j, PreStart)

	case Spawned:
		if _, ok := j.Class.Process[Main]; !ok {
			return PostStartState, false
		}
		pid, err := m.Spawner.Spawn(context.Background(), j.Class, Main, j.Env)
		if err != nil {
			m.failed(j, Main, -1)
			j.Goal = GoalStop
			return m.advance(j)
		}
		j.Pids[Main] = pid
		if j.Class.Expect == ExpectNone {
			return PostStartState, false
		}
		// Tracer-driven expectation: the job stays SPAWNED until an
		// external fork tracer reports success or failure by calling
		// back into TraceComplete.
		j.TraceState = true
		return 0, true

	case PostStartState:
		return m.runHook(j, PostStart)

	case Running:
		if prev == PreStopState {
			j.StopEnv = nil
			m.finished(j, false)
			return 0, true
		}
		m.Emitter.Emit(StartedEvent, j.lifecycleEnv(nil), j.Session).Unblock()
		if !j.Class.Task {
			m.finished(j, false)
		}
		return 0, true

	case PreStopState:
		return m.runHook(j, PreStop)

	case Stopping:
		m.emitBlocking(j, StoppingEvent, j.lifecycleEnv(m.resultEnv(j)))
		return 0, true

	case Killed:
		if j.Pids[Main] != 0 {
			m.killProcess(j, Main)
			return 0, true
		}
		return PostStopState, false

	case PostStopState:
		return m.runHook(j, PostStop)

	case Waiting:
		m.Emitter.Emit(StoppedEvent, j.lifecycleEnv(m.resultEnv(j)), j.Session).Unblock()
		m.finished(j, false)
		j.Class.RemoveInstance(j.Name)
		if m.OnWaiting != nil {
			m.OnWaiting(j)
		}
		return 0, true

	default:
		panic("job: change_state: unknown state " + state.String())
	}
}

// runHook spawns the named process slot's hook, if the class defines
// one, and parks the job until the reaper reports that process has
// exited (see HookExited). A hook the class doesn't define is skipped
// immediately, advancing via the ordinary next_state table rather than
// a fixed target, since the current goal (not just the current state)
// still governs where a job with no hook to run goes next. Only a
// spawn (fork/exec) failure is treated as a failure here -- once a
// hook process actually runs, its exit status is not itself fatal;
// PRE_START's and POST_STOP's spawn failures also flip the goal to
// STOP.
func (m *Machine) runHook(j *Job, process ProcessType) (State, bool) {
	spec, ok := j.Class.Process[process]
	if !ok || len(spec.Command) == 0 {
		return m.advance(j)
	}
	pid, err := m.Spawner.Spawn(context.Background(), j.Class, process, j.Env)
	if err != nil {
		m.failed(j, process, -1)
		if process == PreStart || process == PostStop {
			j.Goal = GoalStop
		}
		return m.advance(j)
	}
	j.Pids[process] = pid
	j.pendingHook = process
	return 0, true
}

// advance re-derives a job's next state from its current state and
// goal, flipping the goal to START first if the table calls for it.
func (m *Machine) advance(j *Job) (State, bool) {
	hasMain, alive := m.mainStatus(j)
	target, flip := nextState(j.State, j.Goal, hasMain, alive)
	if flip {
		j.Goal = GoalStart
	}
	return target, false
}

// HookExited is called by the reaper once a hook process spawned by
// runHook (PRE_START, POST_START, PRE_STOP or POST_STOP) has exited. It
// clears the recorded pid and re-derives the job's next state from its
// current goal -- not the goal in effect when the hook was spawned, so
// that a goal change delivered while the hook was still running (e.g.
// a PRE_STOP script that aborts the stop) takes effect now.
func (m *Machine) HookExited(j *Job, pid int, status int) {
	process := j.pendingHook
	if j.Pids[process] != pid {
		return
	}
	j.Pids[process] = 0
	target, _ := m.advance(j)
	m.ChangeState(j, target)
}

// MainExited is called by the reaper once a job's MAIN process has
// exited. A Task class always flips its goal to STOP on exit -- the
// process completing is what "done" means for a one-shot job. Any
// other class still goaled START is handed to Respawn unless the exit
// was signaled or matches the class's normal-exit codes. Here only a
// Task's abnormal exit marks the job Failed (so the stopping/stopped
// events carry RESULT=failed); for other classes Respawn marks it
// Failed only once the respawn rate limit is exceeded.
func (m *Machine) MainExited(j *Job, pid, status int, signaled bool) {
	if j.Pids[Main] != pid {
		return
	}
	j.Pids[Main] = 0
	j.ExitStatus = status
	j.ExitSignaled = signaled

	abnormal := !signaled && !isNormalExit(j.Class, status)

	if j.Class.Task {
		if abnormal {
			m.failed(j, Main, status)
		}
		j.Goal = GoalStop
	} else if j.Goal == GoalStart && abnormal {
		m.Respawn(j)
		return
	}

	target, _ := m.advance(j)
	m.ChangeState(j, target)
}

// isNormalExit reports whether status is an expected process exit: zero
// is always normal, otherwise the class must declare it explicitly.
func isNormalExit(c *Class, status int) bool {
	if status == 0 {
		return true
	}
	for _, code := range c.NormalExit {
		if code == status {
			return true
		}
	}
	return false
}

// killProcess sends the class's kill signal to a job's running main
// process and arms the kill timer; timer expiry escalates to SIGKILL.
func (m *Machine) killProcess(j *Job, process ProcessType) {
	pid := j.Pids[process]
	if pid == 0 {
		return
	}
	_ = m.Killer.Signal(pid, j.Class.KillSignal)
	j.KillTimerRemaining = j.Class.KillTimeout
	j.killTimer = m.afterFunc(j.Class.KillTimeout, func() {
		if j.Pids[process] == pid {
			_ = m.Killer.Signal(pid, syscall.SIGKILL)
		}
	})
}

// RearmKillTimer re-arms the SIGKILL escalation timer for a job
// restored from a re-exec snapshot in the KILLED state: the wall-clock
// timer itself does not survive serialization, only the remaining
// duration recorded at capture time does. Jobs restored with no time
// left are escalated immediately rather than silently dropping the
// timer.
func (m *Machine) RearmKillTimer(j *Job) {
	pid := j.Pids[Main]
	if pid == 0 {
		return
	}
	remaining := j.KillTimerRemaining
	if remaining <= 0 {
		_ = m.Killer.Signal(pid, syscall.SIGKILL)
		return
	}
	j.killTimer = m.afterFunc(remaining, func() {
		if j.Pids[Main] == pid {
			_ = m.Killer.Signal(pid, syscall.SIGKILL)
		}
	})
}

// TraceComplete is called by the fork tracer once it has either
// observed the expected number of forks (success) or given up
// (failure), completing a job parked in SPAWNED with Expect != NONE.
func (m *Machine) TraceComplete(j *Job, ok bool) {
	j.TraceState = false
	if !ok {
		m.failed(j, Main, -1)
		j.Goal = GoalStop
	}
	target, _ := m.advance(j)
	m.ChangeState(j, target)
}

// failed records a job's first failure; subsequent calls for the same
// job are no-ops so that the original failing process/status is what
// ends up on the stopping/stopped events.
func (m *Machine) failed(j *Job, process ProcessType, status int) {
	if j.Failed {
		return
	}
	j.Failed = true
	j.FailedProcess = process
	j.ExitStatus = status
	m.finished(j, true)
}

// finished resolves every party waiting on this job's current
// transition (RPC callers, and the trigger events that caused the
// transition in the first place), then clears the list: once resolved,
// a party must not be notified again for the same settle point.
func (m *Machine) finished(j *Job, failed bool) {
	blocking := j.Blocking
	j.Blocking = nil
	for _, b := range blocking {
		var err error
		if failed {
			err = fmt.Errorf("job %s failed", j.ID())
		}
		b.Resolve(err)
	}
}

// emitBlocking emits a lifecycle event, registers the job itself as the
// sole party waiting on it, and parks the job there.
func (m *Machine) emitBlocking(j *Job, name string, env []string) {
	ev := m.Emitter.Emit(name, env, j.Session)
	ev.Blocking = append(ev.Blocking, &event.Blocked{Kind: event.BlockedJob, Job: j})
	ev.Unblock() // release NewEvent's provisional hold; the job's registration above is enough
	j.Blocker = ev
}

// resultEnv computes the RESULT=/PROCESS=/EXIT_STATUS=|EXIT_SIGNAL= keys
// the stopping/stopped events carry, derived from the job's recorded
// failure (if any).
func (m *Machine) resultEnv(j *Job) []string {
	if !j.Failed {
		return []string{"RESULT=ok"}
	}
	env := []string{"RESULT=failed", "PROCESS=" + j.FailedProcess.String()}
	if j.ExitStatus != -1 {
		if j.ExitSignaled {
			env = append(env, "EXIT_SIGNAL="+signalName(syscall.Signal(j.ExitStatus)))
		} else {
			env = append(env, "EXIT_STATUS="+strconv.Itoa(j.ExitStatus))
		}
	}
	return env
}

// lifecycleEnv builds the JOB= and INSTANCE= keys, plus whatever extra
// keys the caller supplies, plus every class.Export key that resolves
// in the job's environment. No other key of the job's environment is
// included.
func (j *Job) lifecycleEnv(extra []string) []string {
	env := []string{"JOB=" + j.Class.Name, "INSTANCE=" + j.Name}
	env = append(env, extra...)
	for _, key := range j.Class.Export {
		if v, ok := event.EnvValue(j.Env, key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGHUP:  "SIGHUP",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGQUIT: "SIGQUIT",
	syscall.SIGILL:  "SIGILL",
	syscall.SIGABRT: "SIGABRT",
	syscall.SIGFPE:  "SIGFPE",
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGSEGV: "SIGSEGV",
	syscall.SIGPIPE: "SIGPIPE",
	syscall.SIGALRM: "SIGALRM",
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGUSR1: "SIGUSR1",
	syscall.SIGUSR2: "SIGUSR2",
	syscall.SIGCHLD: "SIGCHLD",
	syscall.SIGCONT: "SIGCONT",
	syscall.SIGSTOP: "SIGSTOP",
}

func signalName(sig syscall.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return strconv.Itoa(int(sig))
}
