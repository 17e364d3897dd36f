package scheduler

import (
	"context"
	"syscall"

	"github.com/coriolis-systems/jobd/domain/job"
)

// reap collects every child that has exited since the last pass,
// without blocking, and routes each one to the job/process slot that
// owns its pid. Called from the loop goroutine only, once when the loop
// starts and then in response to each SIGCHLD notification.
func (c *Core) reap(ctx context.Context) {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		c.handleExit(ctx, pid, ws)
	}
}

func (c *Core) handleExit(ctx context.Context, pid int, ws syscall.WaitStatus) {
	j, process := c.findJobByPid(pid)
	if j == nil {
		// Not a pid we're tracking -- e.g. a grandchild reparented to us, or
		// a spawner-internal process already reaped through another path.
		return
	}

	status := ws.ExitStatus()
	signaled := ws.Signaled()
	if signaled {
		status = int(ws.Signal())
	}
	c.Logger().LogReap(ctx, pid, status, signaled)

	if c.spawner != nil {
		if sink, ok := c.spawner.LogSink(pid); ok {
			if j.LogSinks == nil {
				j.LogSinks = make(map[job.ProcessType]string)
			}
			j.LogSinks[process] = sink
		}
	}

	if process == job.Main {
		c.machine.MainExited(j, pid, status, signaled)
	} else {
		c.machine.HookExited(j, pid, status)
	}
}

// findJobByPid scans every live instance's process table for pid. The
// job population is small enough (one supervisor's worth of services)
// that a linear scan on every reap is not worth indexing.
func (c *Core) findJobByPid(pid int) (*job.Job, job.ProcessType) {
	for _, cl := range c.registry.AllClasses() {
		for _, inst := range cl.Instances {
			for proc, p := range inst.Pids {
				if p == pid {
					return inst, proc
				}
			}
		}
	}
	return nil, 0
}
