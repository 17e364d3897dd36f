package scheduler

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/coriolis-systems/jobd/domain/event"
	"github.com/coriolis-systems/jobd/domain/job"
	"github.com/coriolis-systems/jobd/internal/metrics"
)

// stubSpawner never forks a real process; classes under test define no
// MAIN process, so Spawn/Signal are never actually exercised by the
// state machine, only by the interface requirement.
type stubSpawner struct{}

func (stubSpawner) Spawn(ctx context.Context, class *job.Class, process job.ProcessType, env []string) (int, error) {
	return 0, nil
}
func (stubSpawner) Signal(pid int, sig syscall.Signal) error { return nil }
func (stubSpawner) LogSink(pid int) (string, bool)           { return "", false }

func newTestCore(t *testing.T) *Core {
	t.Helper()
	base := NewBase(&BaseConfig{ID: "jobd-test"})
	q := event.NewQueue()
	c := &Core{
		BaseService: base,
		queue:       q,
		spawner:     nil,
		metrics:     metrics.NewWithRegistry("jobd-test", "0.0.0-test", nil),
		serviceName: "jobd-test",
		sessions:    make(map[string]struct{}),
		requests:    make(chan func(), 64),
	}
	c.machine = &job.Machine{
		Emitter: q,
		Spawner: stubSpawner{},
		Killer:  stubSpawner{},
	}
	c.registry = job.NewRegistry(c.machine)
	return c
}

func newEchoClass(name string) *job.Class {
	return job.NewClass(name)
}

func runLoop(t *testing.T, c *Core) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("scheduler loop did not stop in time")
		}
	}
}

func TestStartDrivesJobToRunning(t *testing.T) {
	c := newTestCore(t)
	c.LoadClass(newEchoClass("echo"))
	stop := runLoop(t, c)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := c.Start(ctx, "echo", "", "alice", nil, true)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if status.State != "running" || status.Goal != "start" {
		t.Fatalf("unexpected status after start: %+v", status)
	}
}

func TestStopAfterStartDrivesJobToWaiting(t *testing.T) {
	c := newTestCore(t)
	c.LoadClass(newEchoClass("echo"))
	stop := runLoop(t, c)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Start(ctx, "echo", "", "alice", nil, true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status, err := c.Stop(ctx, "echo", "", "alice", true)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if status.State != "waiting" || status.Goal != "stop" {
		t.Fatalf("unexpected status after stop: %+v", status)
	}
}

func TestStartTwiceReturnsAlreadyStarted(t *testing.T) {
	c := newTestCore(t)
	c.LoadClass(newEchoClass("echo"))
	stop := runLoop(t, c)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Start(ctx, "echo", "", "alice", nil, true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Start(ctx, "echo", "", "alice", nil, false); err == nil {
		t.Fatal("expected AlreadyStarted error on second start")
	}
}

func TestStartUnknownClassFails(t *testing.T) {
	c := newTestCore(t)
	stop := runLoop(t, c)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Start(ctx, "nope", "", "alice", nil, false); err == nil {
		t.Fatal("expected UnknownJob error")
	}
}

func TestStartDeniedForMismatchedSession(t *testing.T) {
	c := newTestCore(t)
	c.LoadClass(newEchoClass("echo"))
	stop := runLoop(t, c)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Start(ctx, "echo", "", "alice", nil, true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Stop(ctx, "echo", "", "bob", false); err == nil {
		t.Fatal("expected PermissionDenied for a session that doesn't own the job")
	}
}

func TestListReportsLoadedClasses(t *testing.T) {
	c := newTestCore(t)
	c.LoadClass(newEchoClass("echo"))
	stop := runLoop(t, c)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	statuses, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Class != "echo" {
		t.Fatalf("unexpected list result: %+v", statuses)
	}
}
