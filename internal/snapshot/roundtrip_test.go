package snapshot

import (
	"context"
	"testing"

	"github.com/coriolis-systems/jobd/domain/event"
	"github.com/coriolis-systems/jobd/domain/job"
)

// stubSpawner reports every spawn as a success with a fixed pid.
type stubSpawner struct{}

func (stubSpawner) Spawn(context.Context, *job.Class, job.ProcessType, []string) (int, error) {
	return 4343, nil
}

// buildGraph assembles a small live queue/registry with one blocked event,
// one job waiting on it, and one settled job with a pid and a log sink, so
// a round trip through Capture/Marshal/Unmarshal/Restore has something of
// every shape to exercise.
func buildGraph(t *testing.T) (*event.Queue, *job.Registry, *job.Job, *job.Job, *event.Event) {
	t.Helper()

	q := event.NewQueue()
	m := &job.Machine{}
	r := job.NewRegistry(m)

	c := job.NewClass("svc")
	c.Precedence = 2
	c.Process[job.Main] = job.ProcessSpec{Command: []string{"/usr/bin/svc"}, Dir: "/"}
	c.StartOn = event.Match("started", event.ArgMatcher{EnvRef: "JOB"})
	c.RespawnLimit = 5
	c.Env = []string{"HOME=/root"}
	r.Load(c)

	waiting := c.Instance("waiting-instance")
	waiting.Bind(m)
	waiting.Goal = job.GoalStart
	waiting.State = job.Starting

	blocker := q.Emit("booted", []string{"RUNLEVEL=2"}, "session-a")
	blocker.Progress = event.Handling
	blocker.Blockers = 1
	blocker.Blocking = []*event.Blocked{{Kind: event.BlockedJob, Job: waiting}}
	waiting.Blocker = blocker

	running := c.Instance("running-instance")
	running.Bind(m)
	running.Goal = job.GoalStart
	running.State = job.Running
	running.Pids = map[job.ProcessType]int{job.Main: 4242}
	running.LogSinks = map[job.ProcessType]string{job.Main: "/var/log/jobd/svc.running-instance.main.log"}
	running.RespawnCount = 1

	return q, r, waiting, running, blocker
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	q, r, waiting, running, blocker := buildGraph(t)

	snap := Capture(q, r, []string{"session-a"})

	data, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	m2 := &job.Machine{}
	restored, err := Restore(back, m2)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if got, want := len(restored.Sessions), 1; got != want {
		t.Fatalf("sessions: got %d want %d", got, want)
	}

	if restored.Queue.Len() != 1 {
		t.Fatalf("expected 1 restored event, got %d", restored.Queue.Len())
	}
	re := restored.Queue.Events()[0]
	if re.Name != blocker.Name || re.Progress != blocker.Progress || re.Blockers != blocker.Blockers {
		t.Fatalf("restored event mismatch: %+v", re)
	}
	if len(re.Blocking) != 1 || re.Blocking[0].Kind != event.BlockedJob {
		t.Fatalf("expected restored event to carry one BlockedJob record, got %+v", re.Blocking)
	}

	c2 := restored.Registry.Active("svc")
	if c2 == nil {
		t.Fatalf("expected svc class to be restored and active")
	}
	if c2.Precedence != 2 || c2.RespawnLimit != 5 || len(c2.Env) != 1 {
		t.Fatalf("restored class policy fields mismatch: %+v", c2)
	}
	if c2.StartOn == nil || c2.StartOn.EventName != "started" {
		t.Fatalf("restored start_on tree mismatch: %+v", c2.StartOn)
	}

	gotWaiting := c2.Instances[waiting.Name]
	if gotWaiting == nil {
		t.Fatalf("expected waiting instance to be restored")
	}
	if gotWaiting.Goal != waiting.Goal || gotWaiting.State != waiting.State {
		t.Fatalf("restored waiting job goal/state mismatch: %+v", gotWaiting)
	}
	if gotWaiting.Blocker != re {
		t.Fatalf("expected restored waiting job's Blocker to point at the restored event")
	}

	gotRunning := c2.Instances[running.Name]
	if gotRunning == nil {
		t.Fatalf("expected running instance to be restored")
	}
	if gotRunning.Pids[job.Main] != 4242 {
		t.Fatalf("restored pid table mismatch: %+v", gotRunning.Pids)
	}
	if gotRunning.LogSinks[job.Main] != "/var/log/jobd/svc.running-instance.main.log" {
		t.Fatalf("restored log sink mismatch: %+v", gotRunning.LogSinks)
	}
	if gotRunning.RespawnCount != 1 {
		t.Fatalf("restored respawn count mismatch: %d", gotRunning.RespawnCount)
	}

	// Resolving the restored blocker event should resume the waiting job
	// exactly as it would pre-re-exec, proving the Blocked->Blocker link
	// survived the round trip as a live, callable reference. Resuming runs
	// the job on into SPAWNED and RUNNING, so the machine gets a spawner
	// and, as the scheduler does after a restore, the restored queue as
	// its emitter.
	m2.Spawner = stubSpawner{}
	m2.Emitter = restored.Queue
	for _, b := range re.Blocking {
		b.Resolve(nil)
	}
	if gotWaiting.Blocker != nil {
		t.Fatalf("expected restored job's Blocker to clear after Resume, got %+v", gotWaiting.Blocker)
	}
}

func TestCaptureDropsEmptyClasses(t *testing.T) {
	q, r, _, _, _ := buildGraph(t)
	empty := job.NewClass("idle")
	r.Load(empty)

	snap := Capture(q, r, nil)
	for _, c := range snap.Classes {
		if c.Name == "idle" {
			t.Fatalf("expected class with zero instances to be dropped from the snapshot")
		}
	}
}

func TestRestoreDropsRPCReplyBlockers(t *testing.T) {
	q := event.NewQueue()
	e := q.Emit("stopping", nil, "")
	e.Blocking = []*event.Blocked{{Kind: event.BlockedStart}}

	m := &job.Machine{}
	r := job.NewRegistry(m)
	snap := Capture(q, r, nil)

	m2 := &job.Machine{}
	restored, err := Restore(snap, m2)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.DroppedReplies != 1 {
		t.Fatalf("expected 1 dropped reply blocker, got %d", restored.DroppedReplies)
	}
	if len(restored.Queue.Events()[0].Blocking) != 0 {
		t.Fatalf("expected restored event's blocking list to have dropped the reply record")
	}
}
