// Package job implements the job state machine, job class templates, the
// class registry that matches incoming events against start_on/stop_on
// trees, and respawn rate limiting.
package job

import (
	"syscall"
	"time"

	"github.com/coriolis-systems/jobd/domain/event"
)

// ProcessType names one of the five process slots a job class can define.
type ProcessType int

const (
	PreStart ProcessType = iota
	Main
	PostStart
	PreStop
	PostStop

	// ProcessRespawn is the sentinel FailedProcess value recorded when a
	// job is settled to STOP by the respawn rate limiter rather than by
	// any single hook failing.
	ProcessRespawn ProcessType = -1
)

func (p ProcessType) String() string {
	switch p {
	case PreStart:
		return "pre-start"
	case Main:
		return "main"
	case PostStart:
		return "post-start"
	case PreStop:
		return "pre-stop"
	case PostStop:
		return "post-stop"
	case ProcessRespawn:
		return "respawn"
	default:
		return "unknown"
	}
}

// ExpectMode describes how the supervisor decides a spawned main process
// has actually reached the running state.
type ExpectMode int

const (
	// ExpectNone treats the process as running as soon as it is spawned.
	ExpectNone ExpectMode = iota
	// ExpectDaemon waits for the process to fork and the parent to exit.
	ExpectDaemon
	// ExpectFork waits for a single fork.
	ExpectFork
	// ExpectStop waits for the process to raise SIGSTOP to signal
	// readiness, then continues it.
	ExpectStop
)

// ProcessSpec is the command line and working directory for one process
// slot.
type ProcessSpec struct {
	Command []string
	Dir     string
}

// RLimit mirrors one entry of a POSIX rlimit table (RLIMIT_*).
type RLimit struct {
	Resource int
	Soft     uint64
	Hard     uint64
}

// Class is the template a job's instances are spawned from: everything
// read from a configuration source, shared read-only across every instance
// of the class except where explicitly copied per instance (stop_on).
type Class struct {
	Name string

	// Precedence orders competing definitions of the same class name
	// (lower wins). A configuration loader assigns this from where the
	// definition came from, e.g. a session override outranking the
	// system-wide definition.
	Precedence int

	// InstanceTemplate, if non-empty, turns this class into a template
	// for "instance jobs": the value's $NAME references are expanded
	// against the environment built from the matching event(s) to derive
	// each instance's name (e.g. "$TTY" for a getty job whose start_on
	// matcher binds the tty name to TTY).
	InstanceTemplate string

	StartOn *event.Node
	StopOn  *event.Node

	Process map[ProcessType]ProcessSpec

	Expect ExpectMode

	KillSignal  syscall.Signal
	KillTimeout time.Duration

	NormalExit []int

	RespawnLimit    int
	RespawnInterval time.Duration
	Respawn         bool

	// Task marks a class as a one-shot job: finished(job,false) fires
	// only once the job's process table fully completes (at WAITING),
	// rather than as soon as it reaches RUNNING.
	Task bool

	Umask   uint32
	Nice    int
	OOMScoreAdjust int
	RLimits []RLimit
	Chroot  string
	Chdir   string
	UID     *uint32
	GID     *uint32

	Env    []string
	Export []string
	Emit   []string

	// Console selects where process stdio is wired: "none", "output",
	// "owner", or "log" (the default when --no-log is not set).
	Console string

	// Deleted marks a class removed from configuration on the last
	// reload. It is kept around (rather than dropped immediately) until
	// every instance reaches WAITING, per the deletion-reconciliation
	// rule.
	Deleted bool

	// Instances holds every live instance of this class, keyed by
	// instance name ("" for a singleton job).
	Instances map[string]*Job
}

// NewClass returns an empty class ready to have its fields populated by a
// configuration loader.
func NewClass(name string) *Class {
	return &Class{
		Name:        name,
		Process:     make(map[ProcessType]ProcessSpec),
		KillSignal:  syscall.SIGTERM,
		KillTimeout: 5 * time.Second,
		Console:     "log",
		Instances:   make(map[string]*Job),
	}
}

// Instance returns the named instance, creating it if it does not yet
// exist. name is "" for singleton (non-templated) classes.
func (c *Class) Instance(name string) *Job {
	if j, ok := c.Instances[name]; ok {
		return j
	}
	j := NewJob(c, name)
	c.Instances[name] = j
	return j
}

// RemoveInstance drops an instance from the class's instance table --
// called once a job reaches WAITING and is not wanted again, which for a
// deleted class also makes that class eligible for removal from the
// registry once it has no instances left.
func (c *Class) RemoveInstance(name string) {
	delete(c.Instances, name)
}
