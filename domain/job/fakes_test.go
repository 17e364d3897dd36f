package job

import (
	"context"
	"syscall"
	"time"

	"github.com/coriolis-systems/jobd/domain/event"
)

// fakeQueue is a minimal in-memory stand-in for the event queue, enough
// to drive and observe the state machine without the scheduler.
type fakeQueue struct {
	events []*event.Event
}

func (q *fakeQueue) Emit(name string, env []string, session string) *event.Event {
	e := event.NewEvent(name, env, session)
	q.events = append(q.events, e)
	return e
}

func (q *fakeQueue) last() *event.Event {
	if len(q.events) == 0 {
		return nil
	}
	return q.events[len(q.events)-1]
}

func (q *fakeQueue) byName(name string) *event.Event {
	for i := len(q.events) - 1; i >= 0; i-- {
		if q.events[i].Name == name {
			return q.events[i]
		}
	}
	return nil
}

// fakeSpawner never forks a real process; it hands out sequential fake
// pids, or fails for any process slot listed in failOn.
type fakeSpawner struct {
	nextPid int
	failOn  map[ProcessType]bool
	calls   []ProcessType
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPid: 100, failOn: make(map[ProcessType]bool)}
}

func (s *fakeSpawner) Spawn(_ context.Context, _ *Class, process ProcessType, _ []string) (int, error) {
	s.calls = append(s.calls, process)
	if s.failOn[process] {
		return 0, errSpawnFailed
	}
	s.nextPid++
	return s.nextPid, nil
}

var errSpawnFailed = spawnErr("spawn failed")

type spawnErr string

func (e spawnErr) Error() string { return string(e) }

// fakeKiller records signals sent instead of delivering them.
type fakeKiller struct {
	signals []syscall.Signal
}

func (k *fakeKiller) Signal(_ int, sig syscall.Signal) error {
	k.signals = append(k.signals, sig)
	return nil
}

func newTestMachine(q *fakeQueue, s *fakeSpawner, k *fakeKiller) *Machine {
	return &Machine{
		Emitter: q,
		Spawner: s,
		Killer:  k,
		AfterFunc: func(d time.Duration, f func()) *time.Timer {
			// Tests drive timers manually; never fire on its own.
			return time.AfterFunc(time.Hour, f)
		},
	}
}

func newTestClass(name string) *Class {
	c := NewClass(name)
	c.Process[Main] = ProcessSpec{Command: []string{"/bin/sleep", "100"}}
	return c
}

// resolveBlocker simulates the event queue reaching Finished for e: it
// resolves (and detaches) every party parked on it, exactly as
// Queue.dispatch does in production.
func resolveBlocker(e *event.Event) {
	blocking := e.Blocking
	e.Blocking = nil
	for _, b := range blocking {
		b.Resolve(nil)
	}
}
