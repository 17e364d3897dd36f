package snapshot

import (
	"github.com/coriolis-systems/jobd/domain/event"
	"github.com/coriolis-systems/jobd/domain/job"
)

// Capture walks the live queue and registry and produces a Snapshot. It
// assigns every event and every job a stable index (in iteration order)
// before encoding any cross-references, so that a Blocked record pointing
// at an event or job already visited earlier in the walk still resolves.
func Capture(q *event.Queue, r *job.Registry, sessions []string) *Snapshot {
	eventIndex := make(map[*event.Event]int)
	for i, e := range q.Events() {
		eventIndex[e] = i
	}

	jobIndex := make(map[*job.Job]int)
	classes := r.AllClasses()
	n := 0
	for _, c := range classes {
		for _, j := range c.Instances {
			jobIndex[j] = n
			n++
		}
	}

	s := &Snapshot{Sessions: append([]string(nil), sessions...)}

	for i, e := range q.Events() {
		s.Events = append(s.Events, EventRecord{
			Index:    i,
			Name:     e.Name,
			Env:      append([]string(nil), e.Env...),
			Session:  e.Session,
			Progress: int(e.Progress),
			Failed:   e.Failed,
			Blockers: e.Blockers,
			Blocking: captureBlocking(e.Blocking, eventIndex, jobIndex),
		})
	}

	for ci, c := range classes {
		if len(c.Instances) == 0 {
			continue
		}
		record := captureClass(c, ci)
		for _, j := range c.Instances {
			record.Instances = append(record.Instances, captureJob(j, ci, eventIndex, jobIndex))
		}
		s.Classes = append(s.Classes, record)
	}

	return s
}

func captureClass(c *job.Class, index int) ClassRecord {
	r := ClassRecord{
		Index:            index,
		Name:             c.Name,
		Precedence:       c.Precedence,
		Deleted:          c.Deleted,
		InstanceTemplate: c.InstanceTemplate,
		StartOn:          captureNode(c.StartOn),
		StopOn:           captureNode(c.StopOn),
		Expect:           int(c.Expect),
		KillSignal:       int(c.KillSignal),
		KillTimeout:      c.KillTimeout,
		NormalExit:       append([]int(nil), c.NormalExit...),
		RespawnLimit:     c.RespawnLimit,
		RespawnInterval:  c.RespawnInterval,
		Respawn:          c.Respawn,
		Task:             c.Task,
		Umask:            c.Umask,
		Nice:             c.Nice,
		OOMScoreAdjust:   c.OOMScoreAdjust,
		Chroot:           c.Chroot,
		Chdir:            c.Chdir,
		UID:              c.UID,
		GID:              c.GID,
		Env:              append([]string(nil), c.Env...),
		Export:           append([]string(nil), c.Export...),
		Emit:             append([]string(nil), c.Emit...),
		Console:          c.Console,
	}
	for _, rl := range c.RLimits {
		r.RLimits = append(r.RLimits, RLimitRecord{Resource: rl.Resource, Soft: rl.Soft, Hard: rl.Hard})
	}
	if len(c.Process) > 0 {
		r.Process = make(map[int]ProcessSpecRecord, len(c.Process))
		for pt, spec := range c.Process {
			r.Process[int(pt)] = ProcessSpecRecord{
				Command: append([]string(nil), spec.Command...),
				Dir:     spec.Dir,
			}
		}
	}
	return r
}

func captureNode(n *event.Node) *NodeRecord {
	if n == nil {
		return nil
	}
	r := &NodeRecord{Kind: int(n.Kind), EventName: n.EventName}
	for _, arg := range n.Args {
		r.Args = append(r.Args, ArgMatcherRecord{Literal: arg.Literal, EnvRef: arg.EnvRef})
	}
	for _, c := range n.Children {
		r.Children = append(r.Children, captureNode(c))
	}
	return r
}

func captureJob(j *job.Job, classIndex int, eventIndex map[*event.Event]int, jobIndex map[*job.Job]int) JobRecord {
	r := JobRecord{
		ClassIndex:         classIndex,
		Name:               j.Name,
		Goal:               int(j.Goal),
		State:              int(j.State),
		Env:                append([]string(nil), j.Env...),
		StartEnv:           append([]string(nil), j.StartEnv...),
		StopEnv:            append([]string(nil), j.StopEnv...),
		KillTimerRemaining: j.KillTimerRemaining,
		Failed:             j.Failed,
		FailedProcess:      int(j.FailedProcess),
		ExitStatus:         j.ExitStatus,
		ExitSignaled:       j.ExitSignaled,
		RespawnTime:        j.RespawnTime,
		RespawnCount:       j.RespawnCount,
		TraceForks:         j.TraceForks,
		TraceState:         j.TraceState,
		Session:            j.Session,
		Blocking:           captureBlocking(j.Blocking, eventIndex, jobIndex),
	}
	if len(j.Pids) > 0 {
		r.Pids = make(map[int]int, len(j.Pids))
		for proc, pid := range j.Pids {
			if pid != 0 {
				r.Pids[int(proc)] = pid
			}
		}
	}
	if len(j.LogSinks) > 0 {
		r.LogSinks = make(map[int]string, len(j.LogSinks))
		for proc, path := range j.LogSinks {
			r.LogSinks[int(proc)] = path
		}
	}
	if j.Blocker != nil {
		if idx, ok := eventIndex[j.Blocker]; ok {
			r.HasBlocker = true
			r.BlockerEventIndex = idx
		}
	}
	return r
}

func captureBlocking(blocking []*event.Blocked, eventIndex map[*event.Event]int, jobIndex map[*job.Job]int) []BlockedRecord {
	var out []BlockedRecord
	for _, b := range blocking {
		rec := BlockedRecord{Kind: blockedKindCode(b.Kind)}
		switch b.Kind {
		case event.BlockedJob:
			if j, ok := b.Job.(*job.Job); ok {
				if idx, ok := jobIndex[j]; ok {
					rec.HasJob = true
					rec.JobIndex = idx
				}
			}
		case event.BlockedEvent:
			if b.Event != nil {
				if idx, ok := eventIndex[b.Event]; ok {
					rec.HasEvent = true
					rec.EventIndex = idx
				}
			}
		default:
			// RPC-reply variants: the reply handle is bound to a live
			// connection that cannot survive re-exec. Recorded as a bare
			// kind marker; Restore drops these with a warning.
		}
		out = append(out, rec)
	}
	return out
}
