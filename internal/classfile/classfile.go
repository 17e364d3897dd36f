// Package classfile loads job class templates from a directory of
// structured JSON documents. It is deliberately narrow: spec.md treats
// the configuration-file parser as an external collaborator and out of
// scope for the supervisor core, so this package only decodes an
// already-structured document into domain/job.Class -- it does not
// implement a start-on/stop-on expression language. A real deployment
// is expected to generate these documents from whatever source format
// (or DSL) it prefers.
package classfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coriolis-systems/jobd/domain/event"
	"github.com/coriolis-systems/jobd/domain/job"
)

// Document is the on-disk shape of one job class. Field names mirror
// domain/job.Class and internal/snapshot's record types so the two
// encodings stay recognizably related.
type Document struct {
	Name             string `json:"name"`
	InstanceTemplate string `json:"instance_template,omitempty"`

	StartOn *NodeDoc `json:"start_on,omitempty"`
	StopOn  *NodeDoc `json:"stop_on,omitempty"`

	Process map[string]ProcessSpecDoc `json:"process,omitempty"`

	Expect string `json:"expect,omitempty"`

	KillSignal  string `json:"kill_signal,omitempty"`
	KillTimeout string `json:"kill_timeout,omitempty"`

	NormalExit []int `json:"normal_exit,omitempty"`

	RespawnLimit    int    `json:"respawn_limit,omitempty"`
	RespawnInterval string `json:"respawn_interval,omitempty"`
	Respawn         bool   `json:"respawn,omitempty"`

	Task bool `json:"task,omitempty"`

	Umask          string      `json:"umask,omitempty"`
	Nice           int         `json:"nice,omitempty"`
	OOMScoreAdjust int         `json:"oom_score_adjust,omitempty"`
	RLimits        []RLimitDoc `json:"rlimits,omitempty"`
	Chroot         string      `json:"chroot,omitempty"`
	Chdir          string      `json:"chdir,omitempty"`
	UID            *uint32     `json:"uid,omitempty"`
	GID            *uint32     `json:"gid,omitempty"`

	Env    []string `json:"env,omitempty"`
	Export []string `json:"export,omitempty"`
	Emit   []string `json:"emit,omitempty"`

	Console string `json:"console,omitempty"`
}

// ProcessSpecDoc mirrors job.ProcessSpec.
type ProcessSpecDoc struct {
	Command []string `json:"command"`
	Dir     string   `json:"dir,omitempty"`
}

// RLimitDoc mirrors job.RLimit.
type RLimitDoc struct {
	Resource int    `json:"resource"`
	Soft     uint64 `json:"soft"`
	Hard     uint64 `json:"hard"`
}

// NodeDoc mirrors event.Node's structural fields: a MATCH leaf names an
// event and (optionally) positional argument matchers; AND/OR combine
// children. This is a tree literal, not a parsed expression.
type NodeDoc struct {
	Kind      string           `json:"kind"`
	EventName string           `json:"event,omitempty"`
	Args      []ArgMatcherDoc  `json:"args,omitempty"`
	Children  []*NodeDoc       `json:"children,omitempty"`
}

// ArgMatcherDoc mirrors event.ArgMatcher.
type ArgMatcherDoc struct {
	Literal string `json:"literal,omitempty"`
	EnvRef  string `json:"env_ref,omitempty"`
}

var processSlots = map[string]job.ProcessType{
	"pre-start":  job.PreStart,
	"main":       job.Main,
	"post-start": job.PostStart,
	"pre-stop":   job.PreStop,
	"post-stop":  job.PostStop,
}

var expectModes = map[string]job.ExpectMode{
	"":       job.ExpectNone,
	"none":   job.ExpectNone,
	"daemon": job.ExpectDaemon,
	"fork":   job.ExpectFork,
	"stop":   job.ExpectStop,
}

// LoadDir reads every *.json file in dir as a class Document, in
// lexical filename order, defaulting a class's console and kill
// timeout from the values the caller passes in (jobd passes its
// console flag and its kill-timeout setting) when the document doesn't
// set one.
func LoadDir(dir, defaultConsole string, defaultKillTimeout time.Duration) ([]*job.Class, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("classfile: glob %s: %w", dir, err)
	}

	classes := make([]*job.Class, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("classfile: read %s: %w", path, err)
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("classfile: decode %s: %w", path, err)
		}
		cl, err := toClass(&doc, defaultConsole, defaultKillTimeout)
		if err != nil {
			return nil, fmt.Errorf("classfile: %s: %w", path, err)
		}
		classes = append(classes, cl)
	}
	return classes, nil
}

func toClass(doc *Document, defaultConsole string, defaultKillTimeout time.Duration) (*job.Class, error) {
	if doc.Name == "" {
		return nil, fmt.Errorf("class document missing name")
	}
	cl := job.NewClass(doc.Name)
	cl.InstanceTemplate = doc.InstanceTemplate
	cl.StartOn = toNode(doc.StartOn)
	cl.StopOn = toNode(doc.StopOn)

	for slot, spec := range doc.Process {
		proc, ok := processSlots[slot]
		if !ok {
			return nil, fmt.Errorf("unknown process slot %q", slot)
		}
		cl.Process[proc] = job.ProcessSpec{Command: spec.Command, Dir: spec.Dir}
	}

	mode, ok := expectModes[doc.Expect]
	if !ok {
		return nil, fmt.Errorf("unknown expect mode %q", doc.Expect)
	}
	cl.Expect = mode

	if doc.KillSignal != "" {
		sig, err := parseSignal(doc.KillSignal)
		if err != nil {
			return nil, err
		}
		cl.KillSignal = sig
	}

	cl.KillTimeout = defaultKillTimeout
	if doc.KillTimeout != "" {
		d, err := time.ParseDuration(doc.KillTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid kill_timeout: %w", err)
		}
		cl.KillTimeout = d
	}

	cl.NormalExit = doc.NormalExit
	cl.RespawnLimit = doc.RespawnLimit
	cl.Respawn = doc.Respawn
	if doc.RespawnInterval != "" {
		d, err := time.ParseDuration(doc.RespawnInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid respawn_interval: %w", err)
		}
		cl.RespawnInterval = d
	}

	cl.Task = doc.Task

	if doc.Umask != "" {
		var mask uint32
		if _, err := fmt.Sscanf(doc.Umask, "%o", &mask); err != nil {
			return nil, fmt.Errorf("invalid umask %q: %w", doc.Umask, err)
		}
		cl.Umask = mask
	}
	cl.Nice = doc.Nice
	cl.OOMScoreAdjust = doc.OOMScoreAdjust
	for _, r := range doc.RLimits {
		cl.RLimits = append(cl.RLimits, job.RLimit{Resource: r.Resource, Soft: r.Soft, Hard: r.Hard})
	}
	cl.Chroot = doc.Chroot
	cl.Chdir = doc.Chdir
	cl.UID = doc.UID
	cl.GID = doc.GID

	cl.Env = doc.Env
	cl.Export = doc.Export
	cl.Emit = doc.Emit

	cl.Console = defaultConsole
	if doc.Console != "" {
		cl.Console = doc.Console
	}

	return cl, nil
}

func toNode(doc *NodeDoc) *event.Node {
	if doc == nil {
		return nil
	}
	n := &event.Node{EventName: doc.EventName}
	switch doc.Kind {
	case "and":
		n.Kind = event.NodeAnd
	case "or":
		n.Kind = event.NodeOr
	default:
		n.Kind = event.NodeMatch
	}
	for _, a := range doc.Args {
		n.Args = append(n.Args, event.ArgMatcher{Literal: a.Literal, EnvRef: a.EnvRef})
	}
	for _, c := range doc.Children {
		n.Children = append(n.Children, toNode(c))
	}
	return n
}

func parseSignal(name string) (syscall.Signal, error) {
	switch name {
	case "SIGHUP":
		return syscall.SIGHUP, nil
	case "SIGINT":
		return syscall.SIGINT, nil
	case "SIGQUIT":
		return syscall.SIGQUIT, nil
	case "SIGKILL":
		return syscall.SIGKILL, nil
	case "SIGTERM":
		return syscall.SIGTERM, nil
	case "SIGUSR1":
		return syscall.SIGUSR1, nil
	case "SIGUSR2":
		return syscall.SIGUSR2, nil
	case "SIGSTOP":
		return syscall.SIGSTOP, nil
	case "SIGCONT":
		return syscall.SIGCONT, nil
	default:
		return 0, fmt.Errorf("unsupported kill_signal %q", name)
	}
}
