package scheduler

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// metricsTickInterval bounds how often queue depth and job-state gauges
// are refreshed absent any other activity to trigger a drain.
const metricsTickInterval = time.Second

// Run drives the supervisor's single loop goroutine: it owns the
// registry/queue/machine for as long as the process lives, processing
// control RPC requests (submit), SIGCHLD notifications (the reaper),
// and a periodic tick, until ctx is canceled or Stop is called. Run
// must be called from its own goroutine exactly once; every other
// access to the domain graph goes through the request channel.
func (c *Core) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(metricsTickInterval)
	defer ticker.Stop()

	// A freshly booted (or re-exec'd) process may already have children
	// that exited before signal.Notify was wired up.
	c.reap(ctx)
	c.drain()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.StopChan():
			return nil
		case <-sigCh:
			c.reap(ctx)
			c.drain()
		case <-ticker.C:
			c.drain()
		case req := <-c.requests:
			req()
		}
	}
}
