package job

import (
	"fmt"
	"time"

	"github.com/coriolis-systems/jobd/domain/event"
)

// Goal is what the supervisor wants to happen to a job: keep it stopped,
// keep it started, or keep restarting it. Goal is distinct from State: a
// STOP goal drives a RUNNING job down through PRE_STOP/STOPPING/KILLED/
// POST_STOP to WAITING, while a START goal drives it back up.
type Goal int

const (
	GoalStop Goal = iota
	GoalStart
	GoalRespawn
)

func (g Goal) String() string {
	switch g {
	case GoalStop:
		return "stop"
	case GoalStart:
		return "start"
	case GoalRespawn:
		return "respawn"
	default:
		return "unknown"
	}
}

// State is a job instance's position in its lifecycle.
type State int

const (
	Waiting State = iota
	Starting
	PreStartState
	Spawned
	PostStartState
	Running
	PreStopState
	Stopping
	Killed
	PostStopState
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Starting:
		return "starting"
	case PreStartState:
		return "pre-start"
	case Spawned:
		return "spawned"
	case PostStartState:
		return "post-start"
	case Running:
		return "running"
	case PreStopState:
		return "pre-stop"
	case Stopping:
		return "stopping"
	case Killed:
		return "killed"
	case PostStopState:
		return "post-stop"
	default:
		return "unknown"
	}
}

// Job is one running (or waiting-to-run) instance of a Class.
type Job struct {
	Class *Class
	Name  string

	Goal  Goal
	State State

	// Env is the job's current environment: class defaults overlaid
	// with start_on-captured bindings. StartEnv/StopEnv snapshot the
	// environment at the moment start/stop was requested, so a restart
	// race doesn't mix bindings from two different triggering events.
	Env      []string
	StartEnv []string
	StopEnv  []string

	// StopOn is this instance's private copy of the class's stop_on
	// tree (cloned at job creation so that per-instance match state
	// doesn't leak across instances of a templated class).
	StopOn *event.Node

	// Pids maps each process slot currently running to its pid.
	Pids map[ProcessType]int

	// Blocker is the single event (if any) this job is currently
	// waiting on before it can continue its own transition -- set by
	// emitBlocking to the job's own starting or stopping event on
	// entering STARTING or STOPPING, or nil otherwise.
	Blocker *event.Event

	// Blocking is the set of events this job itself blocks: every
	// start_on/stop_on event matched to trigger the job's current
	// transition gets a BlockedEvent record here, released once the
	// job reaches a settled state (finished).
	Blocking []*event.Blocked

	KillTimerRemaining time.Duration
	killTimer          *time.Timer

	// Failed, FailedProcess, ExitStatus and ExitSignaled are only
	// meaningful while Failed is true; they record the first failure
	// observed since the job last left WAITING.
	Failed        bool
	FailedProcess ProcessType
	ExitStatus    int
	ExitSignaled  bool

	// pendingHook tracks which PRE_START/POST_START/PRE_STOP/POST_STOP
	// process slot has been spawned and is awaiting the reaper's notice
	// of its exit before the job's state machine can continue.
	pendingHook ProcessType

	RespawnTime  time.Time
	RespawnCount int

	TraceForks int
	TraceState bool

	// LogSinks records, per process slot that has been spawned at
	// least once, the path its stdio was redirected to.
	LogSinks map[ProcessType]string

	// Session is the control session (if any) that owns this job, used
	// to tag emitted lifecycle events and to enforce RPC ownership.
	Session string

	// machine is the runtime-only binding to the supervisor's live
	// collaborators (event queue, spawner). It is never serialized --
	// re-exec rebinds it on every job after the snapshot is restored.
	machine *Machine
}

// NewJob constructs a job instance in its resting WAITING/STOP state.
func NewJob(class *Class, name string) *Job {
	j := &Job{
		Class: class,
		Name:  name,
		Goal:  GoalStop,
		State: Waiting,
		Env:   append([]string(nil), class.Env...),
		Pids:  make(map[ProcessType]int),
	}
	if class.StopOn != nil {
		j.StopOn = event.Clone(class.StopOn)
	}
	return j
}

// ID returns the job's fully qualified name, "class" for singletons or
// "class/instance" for templated instances. Implements event.Blocker.
func (j *Job) ID() string {
	if j.Name == "" {
		return j.Class.Name
	}
	return fmt.Sprintf("%s/%s", j.Class.Name, j.Name)
}

// Bind attaches the live collaborators (event queue, spawner) a job needs
// to drive its own transitions. The registry calls this when a job is
// created and again for every job restored from a re-exec snapshot.
func (j *Job) Bind(m *Machine) {
	j.machine = m
}

// Resume implements event.Blocker: re-enters the state machine once the
// event this job was parked on has finished.
func (j *Job) Resume() {
	waited := j.Blocker
	j.Blocker = nil
	if waited != nil && waited.Failed && !j.Failed {
		j.machine.failed(j, j.pendingFailureProcess(), -1)
	}
	target, _ := j.machine.advance(j)
	j.machine.ChangeState(j, target)
}

// pendingFailureProcess reports which process slot a blocked-event
// failure should be attributed to: the hook whose lifecycle event the
// job is currently waiting on.
func (j *Job) pendingFailureProcess() ProcessType {
	switch j.State {
	case Starting:
		return PreStart
	case PreStopState:
		return PreStop
	default:
		return Main
	}
}
