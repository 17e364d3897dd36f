package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("jobd", "0.0.0-test", reg)

	if m == nil {
		t.Fatal("expected a metrics instance, got nil")
	}
	if m.QueueDepth == nil || m.JobsByState == nil || m.RequestsTotal == nil {
		t.Fatal("expected collectors to be initialized")
	}
}

func TestSetQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("jobd", "0.0.0-test", reg)

	m.SetQueueDepth("jobd", 3, 1)

	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("jobd", "pending")); got != 3 {
		t.Errorf("pending depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("jobd", "handling")); got != 1 {
		t.Errorf("handling depth = %v, want 1", got)
	}
}

func TestSetJobCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("jobd", "0.0.0-test", reg)

	m.SetJobCount("jobd", "svc", "running", 2)

	if got := testutil.ToFloat64(m.JobsByState.WithLabelValues("jobd", "svc", "running")); got != 2 {
		t.Errorf("job count = %v, want 2", got)
	}
}

func TestRecordRespawnAndKillTimer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("jobd", "0.0.0-test", reg)

	m.RecordRespawn("jobd", "svc")
	m.RecordRespawn("jobd", "svc")
	m.RecordKillTimerExpiration("jobd", "svc")

	if got := testutil.ToFloat64(m.RespawnsTotal.WithLabelValues("jobd", "svc")); got != 2 {
		t.Errorf("respawns = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.KillTimerExpirationsTotal.WithLabelValues("jobd", "svc")); got != 1 {
		t.Errorf("kill timer expirations = %v, want 1", got)
	}
}

func TestRecordRequestAndInFlight(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("jobd", "0.0.0-test", reg)

	m.IncrementInFlight()
	m.RecordRequest("jobd", "GET", "/jobs", "200", 10*time.Millisecond)
	m.DecrementInFlight()

	if got := testutil.ToFloat64(m.RequestsInFlight); got != 0 {
		t.Errorf("in-flight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("jobd", "GET", "/jobs", "200")); got != 1 {
		t.Errorf("requests total = %v, want 1", got)
	}
}
