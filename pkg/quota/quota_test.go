package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type rejectionRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *rejectionRecorder) RecordQuotaRejection(tier, reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, tier+":"+reason)
	r.mu.Unlock()
}

func newTestManager(clock *manualClock, opts ...Option) *Manager {
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewManager(NewMemoryStore(), DefaultConfig(), opts...)
}

func TestTryReserveConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	rec := &rejectionRecorder{}
	m := newTestManager(clock, WithRecorder(rec))

	out, err := m.TryReserve(ctx, "t1", engine.TierFree)
	if err != nil {
		t.Fatalf("TryReserve() error = %v", err)
	}
	if out.Decision != Reserved {
		t.Fatalf("first reservation = %s, want Reserved", out.Decision)
	}

	out, _ = m.TryReserve(ctx, "t1", engine.TierFree)
	if out.Decision != ConcurrencyExceeded {
		t.Fatalf("second reservation = %s, want ConcurrencyExceeded", out.Decision)
	}
	if out.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %s, want 1s", out.RetryAfter)
	}
	if out.Record.DailyCount != 1 {
		t.Errorf("rejected reservation must not count: DailyCount = %d", out.Record.DailyCount)
	}

	if _, err := m.Release(ctx, "t1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	out, _ = m.TryReserve(ctx, "t1", engine.TierFree)
	if out.Decision != Reserved {
		t.Errorf("after release = %s, want Reserved", out.Decision)
	}

	if len(rec.reasons) != 1 || rec.reasons[0] != "free:ConcurrencyExceeded" {
		t.Errorf("recorded rejections = %v", rec.reasons)
	}
}

func TestTryReserveDailyLimitAndReset(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2024, 3, 10, 23, 0, 0, 0, time.UTC)}
	m := newTestManager(clock)

	for i := 0; i < 100; i++ {
		out, err := m.TryReserve(ctx, "t1", engine.TierFree)
		if err != nil || out.Decision != Reserved {
			t.Fatalf("reservation %d = %s, %v", i, out.Decision, err)
		}
		if _, err := m.Release(ctx, "t1"); err != nil {
			t.Fatal(err)
		}
	}

	out, _ := m.TryReserve(ctx, "t1", engine.TierFree)
	if out.Decision != DailyExceeded {
		t.Fatalf("101st reservation = %s, want DailyExceeded", out.Decision)
	}
	if out.RetryAfter != time.Hour {
		t.Errorf("RetryAfter = %s, want 1h until midnight", out.RetryAfter)
	}
	if out.Record.DailyCount != 100 {
		t.Errorf("DailyCount = %d, want 100", out.Record.DailyCount)
	}

	clock.Set(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC))
	out, _ = m.TryReserve(ctx, "t1", engine.TierFree)
	if out.Decision != Reserved {
		t.Fatalf("after midnight = %s, want Reserved", out.Decision)
	}
	if out.Record.DailyCount != 1 {
		t.Errorf("DailyCount after reset = %d, want 1", out.Record.DailyCount)
	}
	if want := time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC); !out.Record.DailyResetAt.Equal(want) {
		t.Errorf("DailyResetAt = %s, want %s", out.Record.DailyResetAt, want)
	}
}

func TestDailyCheckedBeforeConcurrency(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Tiers = map[engine.Tier]Limits{engine.TierFree: {Daily: 1, Concurrent: 1}}
	m := NewManager(NewMemoryStore(), cfg, WithClock(clock))

	if out, _ := m.TryReserve(ctx, "t1", engine.TierFree); out.Decision != Reserved {
		t.Fatal("expected first reservation")
	}
	if out, _ := m.TryReserve(ctx, "t1", engine.TierFree); out.Decision != DailyExceeded {
		t.Errorf("decision = %s, want DailyExceeded when both limits are hit", out.Decision)
	}
}

func TestEnterpriseUnlimitedDaily(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	m := newTestManager(clock)

	for i := 0; i < 20000; i++ {
		out, _ := m.TryReserve(ctx, "big", engine.TierEnterprise)
		if out.Decision != Reserved {
			t.Fatalf("reservation %d = %s", i, out.Decision)
		}
		_, _ = m.Release(ctx, "big")
	}
}

func TestUnknownTier(t *testing.T) {
	m := newTestManager(&manualClock{now: time.Now()})
	_, err := m.TryReserve(context.Background(), "t1", engine.Tier("gold"))
	if engine.KindOf(err) != engine.KindValidation {
		t.Errorf("kind = %s, want ValidationError", engine.KindOf(err))
	}
}

func TestReleaseNeverNegative(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(&manualClock{now: time.Now()})

	rec, err := m.Release(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ConcurrentCount != 0 {
		t.Errorf("ConcurrentCount = %d", rec.ConcurrentCount)
	}

	_, _ = m.TryReserve(ctx, "t1", engine.TierPro)
	_, _ = m.Release(ctx, "t1")
	rec, _ = m.Release(ctx, "t1")
	if rec.ConcurrentCount != 0 {
		t.Errorf("ConcurrentCount after double release = %d, want 0", rec.ConcurrentCount)
	}
}

func TestConcurrentReservationsRespectLimits(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	m := newTestManager(clock)

	var (
		wg       sync.WaitGroup
		inFlight atomic.Int64
		peak     atomic.Int64
		reserved atomic.Int64
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				out, err := m.TryReserve(ctx, "t1", engine.TierPro)
				if err != nil {
					t.Error(err)
					return
				}
				if out.Decision != Reserved {
					continue
				}
				reserved.Add(1)
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				inFlight.Add(-1)
				_, _ = m.Release(ctx, "t1")
			}
		}()
	}
	wg.Wait()

	if peak.Load() > 5 {
		t.Errorf("peak concurrency = %d, exceeds pro limit 5", peak.Load())
	}
	rec, ok, _ := m.Snapshot(ctx, "t1")
	if !ok {
		t.Fatal("expected a record")
	}
	if rec.ConcurrentCount != 0 {
		t.Errorf("ConcurrentCount = %d, want 0", rec.ConcurrentCount)
	}
	if rec.DailyCount != reserved.Load() {
		t.Errorf("DailyCount = %d, want %d", rec.DailyCount, reserved.Load())
	}
	if rec.DailyCount > 10000 {
		t.Errorf("DailyCount = %d exceeds limit", rec.DailyCount)
	}
}

func TestReservationReleaseOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(&manualClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)})

	_, _ = m.TryReserve(ctx, "t1", engine.TierPro)
	res, err := m.Reserve(ctx, "t1", engine.TierPro)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := res.Release(ctx); err != nil {
			t.Fatal(err)
		}
	}

	rec, _, _ := m.Snapshot(ctx, "t1")
	if rec.ConcurrentCount != 1 {
		t.Errorf("ConcurrentCount = %d, want 1 (only one release applied)", rec.ConcurrentCount)
	}
}

func TestReserveErrors(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Tiers = map[engine.Tier]Limits{engine.TierFree: {Daily: 1, Concurrent: 1}}
	m := NewManager(NewMemoryStore(), cfg, WithClock(clock))

	res, err := m.Reserve(ctx, "t1", engine.TierFree)
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Release(ctx)

	_, err = m.Reserve(ctx, "t1", engine.TierFree)
	if !engine.IsKind(err, engine.KindQuotaExceeded) {
		t.Fatalf("err = %v, want QuotaExceededError", err)
	}
	e := engine.AsExecError(err)
	if e.Code != engine.ErrCodeQuotaDaily {
		t.Errorf("Code = %s, want %s", e.Code, engine.ErrCodeQuotaDaily)
	}
	if e.RetryAfter != 12*time.Hour {
		t.Errorf("RetryAfter = %s, want 12h", e.RetryAfter)
	}
}

func TestNextUTCMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 2, 28, 23, 59, 59, 0, time.UTC), time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 1, 2, 1, 0, 0, 0, loc), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := NextUTCMidnight(tt.in); !got.Equal(tt.want) {
			t.Errorf("NextUTCMidnight(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestListOrdersByTenant(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(&manualClock{now: time.Now()})
	for _, id := range []string{"c", "a", "b"} {
		_, _ = m.TryReserve(ctx, id, engine.TierPro)
	}
	recs, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].TenantID != "a" || recs[2].TenantID != "c" {
		t.Errorf("List() = %+v", recs)
	}
}
