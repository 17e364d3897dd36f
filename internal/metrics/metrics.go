// Package metrics provides Prometheus metrics for the supervisor core and
// its control surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the supervisor exposes.
type Metrics struct {
	// Event queue
	QueueDepth *prometheus.GaugeVec

	// Job population
	JobsByState *prometheus.GaugeVec
	RespawnsTotal *prometheus.CounterVec
	KillTimerExpirationsTotal *prometheus.CounterVec

	// Control RPC (HTTP transport)
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ServiceInfo *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registry.
func New(service, version string) *Metrics {
	return NewWithRegistry(service, version, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// letting tests use a private registry instead of the global default.
func NewWithRegistry(service, version string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobd_event_queue_depth",
				Help: "Number of events currently tracked by the queue, by progress phase",
			},
			[]string{"service", "progress"},
		),
		JobsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobd_jobs_by_state",
				Help: "Number of job instances currently in each state",
			},
			[]string{"service", "class", "state"},
		),
		RespawnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobd_respawns_total",
				Help: "Total number of times a job was respawned after an unexpected exit",
			},
			[]string{"service", "class"},
		),
		KillTimerExpirationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobd_kill_timer_expirations_total",
				Help: "Total number of times a job's kill timer expired and escalated to SIGKILL",
			},
			[]string{"service", "class"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobd_control_requests_total",
				Help: "Total number of control RPC HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobd_control_request_duration_seconds",
				Help:    "Control RPC HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobd_control_requests_in_flight",
				Help: "Current number of control RPC requests being processed",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobd_service_info",
				Help: "Supervisor build information",
			},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.QueueDepth,
			m.JobsByState,
			m.RespawnsTotal,
			m.KillTimerExpirationsTotal,
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(service, version).Set(1)
	return m
}

// SetQueueDepth records how many events are currently pending/handling.
func (m *Metrics) SetQueueDepth(service string, pending, handling int) {
	m.QueueDepth.WithLabelValues(service, "pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues(service, "handling").Set(float64(handling))
}

// SetJobCount records how many instances of class currently sit in state.
func (m *Metrics) SetJobCount(service, class, state string, count int) {
	m.JobsByState.WithLabelValues(service, class, state).Set(float64(count))
}

// RecordRespawn records one respawn of a job in class.
func (m *Metrics) RecordRespawn(service, class string) {
	m.RespawnsTotal.WithLabelValues(service, class).Inc()
}

// RecordKillTimerExpiration records one kill-timer escalation to SIGKILL.
func (m *Metrics) RecordKillTimerExpiration(service, class string) {
	m.KillTimerExpirationsTotal.WithLabelValues(service, class).Inc()
}

// RecordRequest records one completed control RPC HTTP request.
func (m *Metrics) RecordRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// IncrementInFlight increments the in-flight request gauge.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight decrements the in-flight request gauge.
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }
