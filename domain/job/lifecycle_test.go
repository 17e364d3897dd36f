package job

import "testing"

func TestChangeGoalStartDrivesToRunning(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeSpawner()
	m := newTestMachine(q, s, &fakeKiller{})
	c := newTestClass("svc")
	j := c.Instance("")
	j.Bind(m)

	m.ChangeGoal(j, GoalStart)
	if j.State != Starting {
		t.Fatalf("expected Starting, got %v", j.State)
	}
	if j.Blocker == nil || j.Blocker.Name != StartingEvent {
		t.Fatalf("expected job blocked on starting event, got %v", j.Blocker)
	}

	resolveBlocker(j.Blocker)

	if j.State != Running {
		t.Fatalf("expected Running after starting resolves, got %v", j.State)
	}
	if j.Pids[Main] == 0 {
		t.Fatalf("expected MAIN to have been spawned")
	}
	if q.byName(StartedEvent) == nil {
		t.Fatalf("expected a started event to have been emitted")
	}
}

func TestSpawnFailureDuringStartingStopsTheJob(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeSpawner()
	s.failOn[Main] = true
	m := newTestMachine(q, s, &fakeKiller{})
	c := newTestClass("svc")
	j := c.Instance("")
	j.Bind(m)

	m.ChangeGoal(j, GoalStart)
	resolveBlocker(j.Blocker)

	if !j.Failed {
		t.Fatalf("expected job to be marked failed after spawn error")
	}
	if j.FailedProcess != Main {
		t.Fatalf("expected FailedProcess=Main, got %v", j.FailedProcess)
	}
	if j.Goal != GoalStop {
		t.Fatalf("expected goal to flip to STOP, got %v", j.Goal)
	}
	// Spawn failed, so the job never records a MAIN pid and proceeds
	// straight to STOPPING rather than waiting on a live process.
	if j.State != Stopping {
		t.Fatalf("expected Stopping, got %v", j.State)
	}
}

func TestChangeGoalStopDrivesThroughPreStopToKilled(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeSpawner()
	k := &fakeKiller{}
	m := newTestMachine(q, s, k)
	c := newTestClass("svc")
	c.Process[PreStop] = ProcessSpec{Command: []string{"/bin/true"}}
	j := c.Instance("")
	j.Bind(m)

	m.ChangeGoal(j, GoalStart)
	resolveBlocker(j.Blocker) // -> Running

	m.ChangeGoal(j, GoalStop)
	if j.State != PreStopState {
		t.Fatalf("expected PreStopState (MAIN alive), got %v", j.State)
	}

	m.HookExited(j, j.Pids[PreStop], 0)
	if j.Blocker == nil || j.Blocker.Name != StoppingEvent {
		t.Fatalf("expected blocked on stopping event, got %v", j.Blocker)
	}
	resolveBlocker(j.Blocker)

	if j.State != Killed {
		t.Fatalf("expected Killed, got %v", j.State)
	}
	if len(k.signals) != 1 || k.signals[0] != c.KillSignal {
		t.Fatalf("expected kill signal sent, got %v", k.signals)
	}
}

func TestPreStopAbortResumesRunningWithoutStoppedEvent(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeSpawner()
	m := newTestMachine(q, s, &fakeKiller{})
	c := newTestClass("db")
	c.Process[PreStop] = ProcessSpec{Command: []string{"/bin/true"}}
	j := c.Instance("")
	j.Bind(m)

	m.ChangeGoal(j, GoalStart)
	resolveBlocker(j.Blocker) // -> Running

	m.ChangeGoal(j, GoalStop)
	if j.State != PreStopState {
		t.Fatalf("expected PreStopState, got %v", j.State)
	}

	// The stop is aborted before the stopping event is even emitted:
	// the pre-stop script's own control call flips the goal back to
	// START while it is still running; next_state only re-derives the
	// consequence once the script actually exits.
	m.ChangeGoal(j, GoalStart)
	m.HookExited(j, j.Pids[PreStop], 0)

	if j.State != Running {
		t.Fatalf("expected job to resume Running, got %v", j.State)
	}
	if q.byName(StoppedEvent) != nil {
		t.Fatalf("expected no stopped event for an aborted stop")
	}
}

func TestStoppedEventCarriesFailureResult(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeSpawner()
	s.failOn[Main] = true
	m := newTestMachine(q, s, &fakeKiller{})
	c := newTestClass("svc")
	j := c.Instance("")
	j.Bind(m)

	m.ChangeGoal(j, GoalStart)
	resolveBlocker(j.Blocker) // spawn fails -> Stopping
	resolveBlocker(j.Blocker) // stopping -> Killed -> PostStopState -> Waiting

	stopped := q.byName(StoppedEvent)
	if stopped == nil {
		t.Fatalf("expected a stopped event")
	}
	if v, _ := lookupEnv(stopped.Env, "RESULT"); v != "failed" {
		t.Fatalf("expected RESULT=failed, got %q", v)
	}
	if v, _ := lookupEnv(stopped.Env, "PROCESS"); v != "main" {
		t.Fatalf("expected PROCESS=main, got %q", v)
	}
}

func lookupEnv(env []string, key string) (string, bool) {
	for _, kv := range env {
		if len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '=' {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}
