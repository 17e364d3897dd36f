package snapshot

import (
	"fmt"
	"syscall"

	"github.com/coriolis-systems/jobd/domain/event"
	"github.com/coriolis-systems/jobd/domain/job"
)

// jobSlot pairs a restored job with the record it came from, so a second
// pass can resolve its blocker/blocking cross-references once every job
// and event object exists.
type jobSlot struct {
	j   *job.Job
	rec JobRecord
}

// Restored is the graph reconstructed from a Snapshot, ready to be handed
// to the scheduler loop.
type Restored struct {
	Sessions []string
	Queue    *event.Queue
	Registry *job.Registry

	// DroppedReplies counts RPC-reply Blocked records that could not be
	// restored because their reply handle is bound to a connection that
	// does not survive re-exec (see BlockedRecord's doc comment).
	DroppedReplies int
}

// Restore reconstructs the live graph from a Snapshot and binds every job
// to m so its state machine can resume driving itself. Jobs are rebuilt in
// their exact (goal, state, pid table, env, failure, respawn) shape;
// blocker/blocking cross-references are resolved back into live pointers
// in a second pass, once every event and job object exists.
func Restore(s *Snapshot, m *job.Machine) (*Restored, error) {
	events := make([]*event.Event, len(s.Events))
	for _, rec := range s.Events {
		if rec.Index < 0 || rec.Index >= len(events) {
			return nil, fmt.Errorf("snapshot: event index %d out of range", rec.Index)
		}
		events[rec.Index] = event.RestoreEvent(rec.Name, rec.Env, rec.Session, event.Progress(rec.Progress), rec.Failed, rec.Blockers)
	}

	r := job.NewRegistry(m)

	var jobs []jobSlot
	classesByIndex := make(map[int]*job.Class)

	for _, crec := range s.Classes {
		c := restoreClass(crec)
		classesByIndex[crec.Index] = c
		r.RestoreClass(c, !crec.Deleted)
		for _, jrec := range crec.Instances {
			j := restoreJob(c, jrec)
			j.Bind(m)
			c.Instances[j.Name] = j
			jobs = append(jobs, jobSlot{j: j, rec: jrec})
		}
	}

	restored := &Restored{Sessions: append([]string(nil), s.Sessions...), Registry: r}

	// Second pass: resolve blocker/blocking indices now that every event
	// and job object exists.
	for _, rec := range s.Events {
		e := events[rec.Index]
		e.Blocking = restoreBlocking(rec.Blocking, events, jobs, restored)
	}
	for _, slot := range jobs {
		if slot.rec.HasBlocker {
			if slot.rec.BlockerEventIndex < 0 || slot.rec.BlockerEventIndex >= len(events) {
				return nil, fmt.Errorf("snapshot: job %s blocker event index out of range", slot.j.ID())
			}
			slot.j.Blocker = events[slot.rec.BlockerEventIndex]
		}
		slot.j.Blocking = restoreBlocking(slot.rec.Blocking, events, jobs, restored)
	}

	q := event.NewQueue()
	q.Restore(events)
	restored.Queue = q

	return restored, nil
}

func restoreBlocking(recs []BlockedRecord, events []*event.Event, jobs []jobSlot, restored *Restored) []*event.Blocked {
	var out []*event.Blocked
	for _, rec := range recs {
		kind := blockedKindFromCode(rec.Kind)
		switch kind {
		case event.BlockedJob:
			if !rec.HasJob || rec.JobIndex < 0 || rec.JobIndex >= len(jobs) {
				continue
			}
			out = append(out, &event.Blocked{Kind: event.BlockedJob, Job: jobs[rec.JobIndex].j})
		case event.BlockedEvent:
			if !rec.HasEvent || rec.EventIndex < 0 || rec.EventIndex >= len(events) {
				continue
			}
			out = append(out, &event.Blocked{Kind: event.BlockedEvent, Event: events[rec.EventIndex]})
		default:
			restored.DroppedReplies++
		}
	}
	return out
}

func restoreClass(rec ClassRecord) *job.Class {
	c := job.NewClass(rec.Name)
	c.Precedence = rec.Precedence
	c.Deleted = rec.Deleted
	c.InstanceTemplate = rec.InstanceTemplate
	c.StartOn = restoreNode(rec.StartOn)
	c.StopOn = restoreNode(rec.StopOn)
	c.Expect = job.ExpectMode(rec.Expect)
	c.KillSignal = syscall.Signal(rec.KillSignal)
	c.KillTimeout = rec.KillTimeout
	c.NormalExit = append([]int(nil), rec.NormalExit...)
	c.RespawnLimit = rec.RespawnLimit
	c.RespawnInterval = rec.RespawnInterval
	c.Respawn = rec.Respawn
	c.Task = rec.Task
	c.Umask = rec.Umask
	c.Nice = rec.Nice
	c.OOMScoreAdjust = rec.OOMScoreAdjust
	c.Chroot = rec.Chroot
	c.Chdir = rec.Chdir
	c.UID = rec.UID
	c.GID = rec.GID
	c.Env = append([]string(nil), rec.Env...)
	c.Export = append([]string(nil), rec.Export...)
	c.Emit = append([]string(nil), rec.Emit...)
	c.Console = rec.Console
	for _, rl := range rec.RLimits {
		c.RLimits = append(c.RLimits, job.RLimit{Resource: rl.Resource, Soft: rl.Soft, Hard: rl.Hard})
	}
	for pt, spec := range rec.Process {
		c.Process[job.ProcessType(pt)] = job.ProcessSpec{
			Command: append([]string(nil), spec.Command...),
			Dir:     spec.Dir,
		}
	}
	return c
}

func restoreNode(rec *NodeRecord) *event.Node {
	if rec == nil {
		return nil
	}
	n := &event.Node{Kind: event.NodeKind(rec.Kind), EventName: rec.EventName}
	for _, a := range rec.Args {
		n.Args = append(n.Args, event.ArgMatcher{Literal: a.Literal, EnvRef: a.EnvRef})
	}
	for _, c := range rec.Children {
		n.Children = append(n.Children, restoreNode(c))
	}
	return n
}

func restoreJob(c *job.Class, rec JobRecord) *job.Job {
	j := job.NewJob(c, rec.Name)
	j.Goal = job.Goal(rec.Goal)
	j.State = job.State(rec.State)
	j.Env = append([]string(nil), rec.Env...)
	j.StartEnv = append([]string(nil), rec.StartEnv...)
	j.StopEnv = append([]string(nil), rec.StopEnv...)
	j.KillTimerRemaining = rec.KillTimerRemaining
	j.Failed = rec.Failed
	j.FailedProcess = job.ProcessType(rec.FailedProcess)
	j.ExitStatus = rec.ExitStatus
	j.ExitSignaled = rec.ExitSignaled
	j.RespawnTime = rec.RespawnTime
	j.RespawnCount = rec.RespawnCount
	j.TraceForks = rec.TraceForks
	j.TraceState = rec.TraceState
	j.Session = rec.Session
	for proc, pid := range rec.Pids {
		j.Pids[job.ProcessType(proc)] = pid
	}
	if len(rec.LogSinks) > 0 {
		j.LogSinks = make(map[job.ProcessType]string, len(rec.LogSinks))
		for proc, path := range rec.LogSinks {
			j.LogSinks[job.ProcessType(proc)] = path
		}
	}
	return j
}
