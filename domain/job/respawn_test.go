package job

import (
	"testing"
	"time"
)

func TestRespawnDrivesStoppingStartingCycle(t *testing.T) {
	q := &fakeQueue{}
	m := newTestMachine(q, newFakeSpawner(), &fakeKiller{})
	c := newTestClass("svc")
	c.Respawn = true
	c.RespawnLimit = 5
	c.RespawnInterval = time.Minute
	j := c.Instance("")
	j.Bind(m)

	m.ChangeGoal(j, GoalStart)
	resolveBlocker(j.Blocker) // -> Running
	j.Pids[Main] = 0          // reaper observed MAIN exit and cleared the slot

	m.Respawn(j)

	if j.State != Stopping {
		t.Fatalf("expected Stopping, got %v", j.State)
	}
	if j.Goal != GoalRespawn {
		t.Fatalf("expected goal RESPAWN, got %v", j.Goal)
	}

	resolveBlocker(j.Blocker) // stopping -> Killed -> PostStopState -> Starting
	if j.State != Starting {
		t.Fatalf("expected Starting (goal flips RESPAWN->START at POST_STOP), got %v", j.State)
	}
	if j.Goal != GoalStart {
		t.Fatalf("expected goal to have flipped to START, got %v", j.Goal)
	}
}

func TestRespawnRateLimitSettlesToStop(t *testing.T) {
	q := &fakeQueue{}
	m := newTestMachine(q, newFakeSpawner(), &fakeKiller{})
	c := newTestClass("svc")
	c.Respawn = true
	c.RespawnLimit = 2
	c.RespawnInterval = time.Minute

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return fixed }

	j := c.Instance("")
	j.Bind(m)

	m.ChangeGoal(j, GoalStart)
	resolveBlocker(j.Blocker)

	for i := 0; i < 2; i++ {
		j.Pids[Main] = 0
		m.Respawn(j)
		resolveBlocker(j.Blocker)
		if i < 1 {
			resolveBlocker(j.Blocker) // re-enter STARTING's own blocker, settle to Running
		}
	}

	j.Pids[Main] = 0
	m.Respawn(j)

	if !j.Failed {
		t.Fatalf("expected job to be marked failed once respawn limit exceeded")
	}
	if j.FailedProcess != ProcessRespawn {
		t.Fatalf("expected FailedProcess=ProcessRespawn, got %v", j.FailedProcess)
	}
	if j.Goal != GoalStop {
		t.Fatalf("expected goal STOP, got %v", j.Goal)
	}
}
