package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coriolis-systems/jobd/internal/logging"
)

const healthCheckTimeout = 5 * time.Second

// BaseConfig contains shared configuration for the scheduler's base
// lifecycle wrapper.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Logger  *logging.Logger
}

// BaseService provides the lifecycle foundation the scheduler Core embeds:
// a safe stop channel (sync.Once prevents double-close panic), an optional
// hydrate hook for restoring state at boot, background worker management,
// and a cached health/readiness surface for the control HTTP transport.
type BaseService struct {
	id      string
	name    string
	version string

	stopCh   chan struct{}
	stopOnce sync.Once

	hydrate func(context.Context) error
	statsFn func() map[string]any

	workers []func(context.Context)

	healthMu        sync.RWMutex
	ready           bool
	lastHealthCheck time.Time
	startTime       time.Time

	logger *logging.Logger
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg *BaseConfig) *BaseService {
	cfgValue := BaseConfig{}
	if cfg != nil {
		cfgValue = *cfg
	}

	logger := cfgValue.Logger
	if logger == nil {
		serviceName := cfgValue.ID
		if serviceName == "" {
			serviceName = "jobd"
		}
		logger = logging.NewFromEnv(serviceName)
	}

	return &BaseService{
		id:      cfgValue.ID,
		name:    cfgValue.Name,
		version: cfgValue.Version,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
}

// ID returns the configured service identifier.
func (b *BaseService) ID() string { return b.id }

// Logger returns the service's structured logger.
func (b *BaseService) Logger() *logging.Logger {
	if b == nil {
		return logging.NewFromEnv("jobd")
	}
	if b.logger != nil {
		return b.logger
	}
	serviceName := b.id
	if serviceName == "" {
		serviceName = "jobd"
	}
	b.logger = logging.NewFromEnv(serviceName)
	return b.logger
}

// WithHydrate sets an optional hydrate hook executed during Start, after
// base bookkeeping but before background workers launch. The scheduler
// Core uses this to restore the re-exec state snapshot (§6.4) when
// --state-fd was passed.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider function whose entries are merged
// into HealthDetails' map.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Workers receive the context and should respect context cancellation and
// StopChan().
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

type tickerWorkerConfig struct {
	name           string
	runImmediately bool
}

// TickerWorkerOption configures AddTickerWorker behavior.
type TickerWorkerOption func(*tickerWorkerConfig)

// WithTickerWorkerName sets a friendly name used in error logs.
func WithTickerWorkerName(name string) TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.name = name
	}
}

// WithTickerWorkerImmediate causes the worker to run once immediately on
// start (before waiting for the first ticker interval).
func WithTickerWorkerImmediate() TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.runImmediately = true
	}
}

// AddTickerWorker registers a periodic background worker that calls fn
// every interval until ctx is canceled or Stop is called.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error, opts ...TickerWorkerOption) *BaseService {
	cfg := tickerWorkerConfig{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	worker := func(ctx context.Context) {
		logWorkerError := func(err error) {
			if err == nil {
				return
			}
			entry := b.Logger().WithContext(ctx).WithError(err)
			if cfg.name != "" {
				entry = entry.WithField("worker", cfg.name)
			}
			entry.Warn("worker error")
		}

		if cfg.runImmediately {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			default:
			}

			if err := fn(ctx); err != nil {
				logWorkerError(err)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logWorkerError(err)
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs the hydrate hook once, then spins background workers.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	b.healthMu.Lock()
	b.ready = true
	b.healthMu.Unlock()

	for _, w := range b.workers {
		worker := w
		go worker(ctx)
	}
	return nil
}

// Stop signals workers to exit. Idempotent — calling it multiple times is
// safe due to sync.Once.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	return nil
}

// WorkerCount returns the number of registered background workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// Ready reports whether hydrate has completed and the scheduler loop is
// eligible to accept control RPCs. Readiness is false while state is
// being restored from the state fd at re-exec boot (§8 scenario 6).
func (b *BaseService) Ready() bool {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.ready
}

// HealthDetails returns a map describing the most recent health state,
// consumed by the control surface's /healthz and /readyz routes.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	details := map[string]any{
		"ready": b.ready,
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()

	if b.statsFn != nil {
		for k, v := range b.statsFn() {
			details[k] = v
		}
	}

	return details
}
