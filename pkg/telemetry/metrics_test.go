package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/pool"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "plugind"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m
}

func TestMetricsSnapshot(t *testing.T) {
	m := newTestMetrics(t)

	m.ExecutionStarted()
	m.RecordExecution("p1", "run", StatusSuccess, 2*time.Second, 1<<20, "")
	m.ExecutionStarted()
	m.RecordExecution("p1", "run", StatusFailure, time.Second, 0, engine.KindTimeout)
	m.ExecutionStarted()
	m.RecordExecution("p1", "run", StatusFailure, time.Second, 0, engine.KindTimeout)
	m.RecordRetry("p1", engine.KindTimeout)

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheEviction("capacity", 3)
	m.RecordCacheEviction("expired", 0)
	m.SetCacheSize(7)

	m.ObservePool(pool.Stats{TotalWorkers: 3, Active: 1, Idle: 2, QueueDepth: 4, Crashed: 1})
	m.ObservePool(pool.Stats{TotalWorkers: 3, Active: 2, Idle: 1, QueueDepth: 0, Crashed: 3, Rejected: 1})

	m.RecordQuotaRejection("free", "daily_exceeded")

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if len(snap.Executions) != 2 {
		t.Fatalf("Executions = %+v, want 2 series", snap.Executions)
	}
	fail, ok := snap.Executions[0], snap.Executions[1]
	if fail.Status != StatusFailure || fail.Count != 2 || fail.DurationSumSeconds != 2 {
		t.Errorf("failure series = %+v", fail)
	}
	if ok.Status != StatusSuccess || ok.Count != 1 || ok.DurationSumSeconds != 2 {
		t.Errorf("success series = %+v", ok)
	}
	if snap.InFlight != 0 {
		t.Errorf("InFlight = %v, want 0", snap.InFlight)
	}
	if snap.Errors[string(engine.KindTimeout)] != 2 {
		t.Errorf("Errors = %v", snap.Errors)
	}
	if snap.Retries != 1 {
		t.Errorf("Retries = %v", snap.Retries)
	}
	if snap.CacheHits != 2 || snap.CacheMisses != 1 || snap.CacheEntries != 7 {
		t.Errorf("cache = hits %v misses %v entries %v", snap.CacheHits, snap.CacheMisses, snap.CacheEntries)
	}
	if snap.Evictions["capacity"] != 3 {
		t.Errorf("Evictions = %v", snap.Evictions)
	}
	if _, found := snap.Evictions["expired"]; found {
		t.Error("zero evictions should not create a series")
	}
	if snap.PoolWorkers["active"] != 2 || snap.PoolWorkers["idle"] != 1 || snap.PoolWorkers["total"] != 3 {
		t.Errorf("PoolWorkers = %v", snap.PoolWorkers)
	}
	if snap.PoolEvents["crashed"] != 3 || snap.PoolEvents["rejected"] != 1 {
		t.Errorf("PoolEvents = %v", snap.PoolEvents)
	}
	if snap.QuotaDenials["free/daily_exceeded"] != 1 {
		t.Errorf("QuotaDenials = %v", snap.QuotaDenials)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordBreakerTransition("p1", "open")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`plugind_breaker_state{plugin_id="p1"} 2`,
		`plugind_breaker_transitions_total{plugin_id="p1",to="open"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestDisabledMetrics(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}

	// None of these may panic.
	m.ExecutionStarted()
	m.RecordExecution("p1", "run", StatusSuccess, time.Second, 10, "")
	m.RecordRetry("p1", engine.KindNetwork)
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheEviction("capacity", 1)
	m.SetCacheSize(1)
	m.ObservePool(pool.Stats{TotalWorkers: 1})
	m.RecordQuotaRejection("free", "daily_exceeded")
	m.RecordBreakerTransition("p1", "open")

	if m.Enabled() {
		t.Error("Enabled() = true")
	}
	snap, err := m.Snapshot()
	if err != nil || len(snap.Executions) != 0 {
		t.Errorf("Snapshot() = %+v, %v", snap, err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
