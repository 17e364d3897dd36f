// Package snapshot serializes and restores the live class/job/event graph
// across a re-exec of the supervisor binary. References between objects
// (a job's blocker, an event's blocking list, a job's owning class) are
// encoded as stable integer indices assigned at serialization time, per
// the required field list of the re-exec persistence contract; restore
// resolves those indices back into pointers before the scheduler loop
// starts.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/coriolis-systems/jobd/domain/event"
)

// Snapshot is the top-level serialized document: every session, every
// in-flight event, every class with at least one instance, and every
// instance of those classes.
type Snapshot struct {
	Sessions []string        `json:"sessions,omitempty"`
	Events   []EventRecord   `json:"events"`
	Classes  []ClassRecord   `json:"classes"`
}

// EventRecord is one queued event plus its cross-references, encoded by
// index rather than pointer.
type EventRecord struct {
	Index    int      `json:"index"`
	Name     string   `json:"name"`
	Env      []string `json:"env,omitempty"`
	Session  string   `json:"session,omitempty"`
	Progress int      `json:"progress"`
	Failed   bool     `json:"failed"`
	Blockers int       `json:"blockers"`
	Blocking []BlockedRecord `json:"blocking,omitempty"`
}

// BlockedRecord is a tagged cross-reference: Kind picks which of
// JobIndex/EventIndex is meaningful. RPC-reply variants (start/stop/
// restart) cannot be serialized -- a reply handle is bound to a live
// connection that does not survive re-exec -- so they are recorded only
// as a kind marker and dropped with a warning at restore (see
// Restored.DroppedReplies).
type BlockedRecord struct {
	Kind       int `json:"kind"`
	JobIndex   int `json:"job_index,omitempty"`
	EventIndex int `json:"event_index,omitempty"`
	HasJob     bool `json:"has_job,omitempty"`
	HasEvent   bool `json:"has_event,omitempty"`
}

// ClassRecord is a job class plus every live instance of it. Classes with
// zero instances are not persisted -- they would simply be reloaded from
// --confdir on the new process anyway, per the Class Registry's own
// load-on-boot contract. All policy fields are carried so a restored
// instance behaves identically even before any reload refreshes the
// class from its configuration source.
type ClassRecord struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Precedence int    `json:"precedence"`
	Deleted    bool   `json:"deleted"`

	InstanceTemplate string `json:"instance_template,omitempty"`

	StartOn *NodeRecord `json:"start_on,omitempty"`
	StopOn  *NodeRecord `json:"stop_on,omitempty"`

	Process map[int]ProcessSpecRecord `json:"process,omitempty"`

	Expect int `json:"expect"`

	KillSignal  int           `json:"kill_signal"`
	KillTimeout time.Duration `json:"kill_timeout"`

	NormalExit []int `json:"normal_exit,omitempty"`

	RespawnLimit    int           `json:"respawn_limit,omitempty"`
	RespawnInterval time.Duration `json:"respawn_interval,omitempty"`
	Respawn         bool          `json:"respawn,omitempty"`

	Task bool `json:"task,omitempty"`

	Umask          uint32        `json:"umask,omitempty"`
	Nice           int           `json:"nice,omitempty"`
	OOMScoreAdjust int           `json:"oom_score_adjust,omitempty"`
	RLimits        []RLimitRecord `json:"rlimits,omitempty"`
	Chroot         string        `json:"chroot,omitempty"`
	Chdir          string        `json:"chdir,omitempty"`
	UID            *uint32       `json:"uid,omitempty"`
	GID            *uint32       `json:"gid,omitempty"`

	Env    []string `json:"env,omitempty"`
	Export []string `json:"export,omitempty"`
	Emit   []string `json:"emit,omitempty"`

	Console string `json:"console,omitempty"`

	Instances []JobRecord `json:"instances"`
}

// ProcessSpecRecord mirrors job.ProcessSpec.
type ProcessSpecRecord struct {
	Command []string `json:"command,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

// RLimitRecord mirrors job.RLimit.
type RLimitRecord struct {
	Resource int    `json:"resource"`
	Soft     uint64 `json:"soft"`
	Hard     uint64 `json:"hard"`
}

// NodeRecord mirrors the structural (non-transient) fields of an
// event.Node: kind, children, and match arguments. The transient Value/
// MatchedEvent match state is intentionally not carried across re-exec --
// see DESIGN.md's snapshot scoping note -- a restored tree starts unmatched,
// exactly as it would after event.Reset.
type NodeRecord struct {
	Kind      int               `json:"kind"`
	Children  []*NodeRecord     `json:"children,omitempty"`
	EventName string            `json:"event_name,omitempty"`
	Args      []ArgMatcherRecord `json:"args,omitempty"`
}

// ArgMatcherRecord mirrors event.ArgMatcher.
type ArgMatcherRecord struct {
	Literal string `json:"literal,omitempty"`
	EnvRef  string `json:"env_ref,omitempty"`
}

// JobRecord is one job instance: goal, state, process table, environment,
// failure fields, respawn counters, and the blocker/blocking cross-
// references needed to restore §3's ownership invariants exactly.
type JobRecord struct {
	ClassIndex int    `json:"class_index"`
	Name       string `json:"name"`

	Goal  int `json:"goal"`
	State int `json:"state"`

	Env      []string `json:"env,omitempty"`
	StartEnv []string `json:"start_env,omitempty"`
	StopEnv  []string `json:"stop_env,omitempty"`

	Pids map[int]int `json:"pids,omitempty"`

	// LogSinks records, per process slot spawned at least once, the path
	// its stdio was redirected to.
	LogSinks map[int]string `json:"log_sinks,omitempty"`

	BlockerEventIndex int  `json:"blocker_event_index,omitempty"`
	HasBlocker        bool `json:"has_blocker,omitempty"`
	Blocking          []BlockedRecord `json:"blocking,omitempty"`

	KillTimerRemaining time.Duration `json:"kill_timer_remaining,omitempty"`

	Failed        bool `json:"failed"`
	FailedProcess int  `json:"failed_process,omitempty"`
	ExitStatus    int  `json:"exit_status,omitempty"`
	ExitSignaled  bool `json:"exit_signaled,omitempty"`

	RespawnTime  time.Time `json:"respawn_time,omitempty"`
	RespawnCount int       `json:"respawn_count,omitempty"`

	TraceForks int  `json:"trace_forks,omitempty"`
	TraceState bool `json:"trace_state,omitempty"`

	Session string `json:"session,omitempty"`
}

// Marshal renders a Snapshot as indented JSON, matching the teacher's
// convention of human-readable JSON for anything written to disk (see
// infrastructure/database's json.RawMessage use for payloads that must
// stay inspectable).
func Marshal(s *Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Unmarshal parses a Snapshot previously produced by Marshal.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return &s, nil
}

const (
	blockedJob = iota
	blockedEvent
	blockedStart
	blockedStop
	blockedRestart
)

func blockedKindCode(k event.BlockedKind) int {
	switch k {
	case event.BlockedJob:
		return blockedJob
	case event.BlockedEvent:
		return blockedEvent
	case event.BlockedStart:
		return blockedStart
	case event.BlockedStop:
		return blockedStop
	case event.BlockedRestart:
		return blockedRestart
	default:
		return blockedJob
	}
}

func blockedKindFromCode(c int) event.BlockedKind {
	switch c {
	case blockedEvent:
		return event.BlockedEvent
	case blockedStart:
		return event.BlockedStart
	case blockedStop:
		return event.BlockedStop
	case blockedRestart:
		return event.BlockedRestart
	default:
		return event.BlockedJob
	}
}

