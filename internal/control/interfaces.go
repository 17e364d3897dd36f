// Package control implements the supervisor's external control surface:
// the start/stop/restart/list/emit RPC contract (§6.3) over an HTTP
// transport, plus health/readiness probes.
package control

import (
	"context"

	"github.com/gorilla/mux"
)

// =============================================================================
// Core Interfaces
// =============================================================================

// Supervisor describes a hostable service with an identity, a lifecycle
// and an HTTP router. No type in this repository implements it: the
// control surface dispatches RPCs through Dispatcher, which the scheduler
// Core implements.
type Supervisor interface {
	// Identity
	ID() string

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error

	// HTTP
	Router() *mux.Router
}

// =============================================================================
// Optional Capability Interfaces
// =============================================================================

// StatisticsProvider provides runtime statistics. Nothing in the control
// surface calls it, and list RPC replies carry no "statistics" entry.
type StatisticsProvider interface {
	// Statistics returns per-instance runtime statistics (goal, state,
	// pid table, uptime, and — via gopsutil — RSS/CPU).
	Statistics() map[string]any
}

// Hydratable services can reload state from the re-exec snapshot on
// startup. BaseService.Start does not look for it; it runs the hook
// registered with WithHydrate instead.
type Hydratable interface {
	// Hydrate loads persistent state into memory.
	Hydrate(ctx context.Context) error
}

// =============================================================================
// Health Check Interface
// =============================================================================

// HealthChecker provides custom health check logic. Implementers can
// provide detailed health status for /healthz and /readyz.
type HealthChecker interface {
	// HealthStatus returns the current health status: "healthy",
	// "degraded", or "unhealthy".
	HealthStatus() string

	// HealthDetails returns detailed health information.
	HealthDetails() map[string]any
}
