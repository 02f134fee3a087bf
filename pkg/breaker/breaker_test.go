package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transitionLog struct {
	mu    sync.Mutex
	items []Transition
}

func (l *transitionLog) record(t Transition) {
	l.mu.Lock()
	l.items = append(l.items, t)
	l.mu.Unlock()
}

func (l *transitionLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.items))
	for i, t := range l.items {
		out[i] = t.To
	}
	return out
}

func fail(t *testing.T, r *Registry, pluginID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		p, err := r.Allow(pluginID)
		if err != nil {
			t.Fatalf("Allow() failure %d: %v", i, err)
		}
		p.Failure()
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	clock := newManualClock()
	log := &transitionLog{}
	r := NewRegistry(DefaultConfig(), WithClock(clock), OnStateChange(log.record))

	fail(t, r, "p1", 4)
	if s := r.Get("p1").State(); s != StateClosed {
		t.Fatalf("after 4 failures state = %s, want closed", s)
	}

	fail(t, r, "p1", 1)
	if s := r.Get("p1").State(); s != StateOpen {
		t.Fatalf("after 5 failures state = %s, want open", s)
	}

	_, err := r.Allow("p1")
	if !engine.IsKind(err, engine.KindCircuitOpen) {
		t.Fatalf("6th Allow() err = %v, want CircuitOpenError", err)
	}
	if got := engine.RetryAfterOf(err); got != 60*time.Second {
		t.Errorf("RetryAfter = %s, want 60s", got)
	}

	if got := log.states(); len(got) != 1 || got[0] != StateOpen {
		t.Errorf("transitions = %v, want [open]", got)
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	r := NewRegistry(DefaultConfig(), WithClock(newManualClock()))

	fail(t, r, "p1", 4)
	p, _ := r.Allow("p1")
	p.Success()
	fail(t, r, "p1", 4)

	if s := r.Get("p1").State(); s != StateClosed {
		t.Errorf("state = %s, want closed (failures were not consecutive)", s)
	}
	if snap, _ := r.Lookup("p1"); snap.ConsecutiveFailures != 4 {
		t.Errorf("ConsecutiveFailures = %d, want 4", snap.ConsecutiveFailures)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clock := newManualClock()
	r := NewRegistry(DefaultConfig(), WithClock(clock))
	fail(t, r, "p1", 5)

	clock.Advance(59 * time.Second)
	if _, err := r.Allow("p1"); err == nil {
		t.Fatal("expected rejection before open timeout")
	}

	clock.Advance(time.Second)
	probe, err := r.Allow("p1")
	if err != nil {
		t.Fatalf("expected probe after timeout: %v", err)
	}
	if !probe.Probe() {
		t.Error("permit should be a probe")
	}
	if s := r.Get("p1").State(); s != StateHalfOpen {
		t.Errorf("state = %s, want half_open", s)
	}

	_, err = r.Allow("p1")
	if !engine.IsKind(err, engine.KindCircuitOpen) {
		t.Errorf("second concurrent probe err = %v, want CircuitOpenError", err)
	}
	if got := engine.RetryAfterOf(err); got != time.Second {
		t.Errorf("RetryAfter while half-open = %s, want 1s", got)
	}
	probe.Success()
	if _, err := r.Allow("p1"); err != nil {
		t.Errorf("next probe after settle should be admitted: %v", err)
	}
}

func TestBreakerRecoversAfterProbeSuccesses(t *testing.T) {
	clock := newManualClock()
	log := &transitionLog{}
	r := NewRegistry(DefaultConfig(), WithClock(clock), OnStateChange(log.record))
	fail(t, r, "p1", 5)
	clock.Advance(60 * time.Second)

	for i := 0; i < 3; i++ {
		p, err := r.Allow("p1")
		if err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
		if i < 2 {
			p.Success()
			if s := r.Get("p1").State(); s != StateHalfOpen {
				t.Fatalf("after %d probe successes state = %s", i+1, s)
			}
			continue
		}
		p.Success()
	}

	if s := r.Get("p1").State(); s != StateClosed {
		t.Fatalf("state = %s, want closed", s)
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	got := log.states()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}

	p, _ := r.Allow("p1")
	if p.Probe() {
		t.Error("closed breaker should not issue probes")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := newManualClock()
	r := NewRegistry(DefaultConfig(), WithClock(clock))
	fail(t, r, "p1", 5)
	clock.Advance(60 * time.Second)

	p, _ := r.Allow("p1")
	p.Success()
	p, _ = r.Allow("p1")
	p.Failure()

	if s := r.Get("p1").State(); s != StateOpen {
		t.Fatalf("state = %s, want open", s)
	}

	// The timer restarted at the probe failure.
	clock.Advance(30 * time.Second)
	if _, err := r.Allow("p1"); err == nil {
		t.Error("expected rejection 30s after reopening")
	}
	clock.Advance(30 * time.Second)
	if _, err := r.Allow("p1"); err != nil {
		t.Errorf("expected probe 60s after reopening: %v", err)
	}
}

func TestBreakerAbandonReleasesProbe(t *testing.T) {
	clock := newManualClock()
	r := NewRegistry(DefaultConfig(), WithClock(clock))
	fail(t, r, "p1", 5)
	clock.Advance(time.Minute)

	p, _ := r.Allow("p1")
	p.Abandon()

	snap, _ := r.Lookup("p1")
	if snap.State != StateHalfOpen || snap.ProbesInFlight != 0 || snap.HalfOpenProbesRemaining != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
	if _, err := r.Allow("p1"); err != nil {
		t.Errorf("abandoned probe should free the slot: %v", err)
	}
}

func TestPermitSettlesOnce(t *testing.T) {
	r := NewRegistry(DefaultConfig(), WithClock(newManualClock()))
	p, _ := r.Allow("p1")
	for i := 0; i < 10; i++ {
		p.Failure()
	}
	if snap, _ := r.Lookup("p1"); snap.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", snap.ConsecutiveFailures)
	}
}

func TestStaleClosedPermitIgnoredWhileOpen(t *testing.T) {
	clock := newManualClock()
	r := NewRegistry(DefaultConfig(), WithClock(clock))

	late, _ := r.Allow("p1")
	fail(t, r, "p1", 5)
	late.Success()

	if s := r.Get("p1").State(); s != StateOpen {
		t.Errorf("state = %s, a late success must not close an open breaker", s)
	}
}

func TestRegistryReset(t *testing.T) {
	clock := newManualClock()
	log := &transitionLog{}
	r := NewRegistry(DefaultConfig(), WithClock(clock), OnStateChange(log.record))

	if r.Reset("unknown") {
		t.Error("Reset of unknown plugin should report false")
	}

	fail(t, r, "p1", 5)
	if !r.Reset("p1") {
		t.Fatal("Reset should report a change")
	}
	if s := r.Get("p1").State(); s != StateClosed {
		t.Errorf("state = %s, want closed", s)
	}
	if r.Reset("p1") {
		t.Error("Reset of closed breaker should report false")
	}
	last := log.items[len(log.items)-1]
	if last.Reason != "manual reset" || last.From != StateOpen {
		t.Errorf("last transition = %+v", last)
	}
}

func TestRegistrySnapshotAndCounts(t *testing.T) {
	r := NewRegistry(DefaultConfig(), WithClock(newManualClock()))
	fail(t, r, "b", 5)
	p, _ := r.Allow("a")
	p.Success()

	snaps := r.Snapshot()
	if len(snaps) != 2 || snaps[0].PluginID != "a" || snaps[1].PluginID != "b" {
		t.Fatalf("Snapshot() = %+v", snaps)
	}
	counts := r.CountByState()
	if counts[StateClosed] != 1 || counts[StateOpen] != 1 || counts[StateHalfOpen] != 0 {
		t.Errorf("CountByState() = %v", counts)
	}
}

func TestHookCanReadBreaker(t *testing.T) {
	var r *Registry
	seen := make(chan State, 1)
	r = NewRegistry(DefaultConfig(), WithClock(newManualClock()), OnStateChange(func(tr Transition) {
		// Hooks run outside the breaker lock, so this must not deadlock.
		seen <- r.Get(tr.PluginID).State()
	}))

	fail(t, r, "p1", 5)
	select {
	case s := <-seen:
		if s != StateOpen {
			t.Errorf("state seen by hook = %s", s)
		}
	case <-time.After(time.Second):
		t.Fatal("hook did not run")
	}
}

func TestConcurrentAllowDistinctPlugins(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			for j := 0; j < 100; j++ {
				p, err := r.Allow(id)
				if err != nil {
					return
				}
				if j%2 == 0 {
					p.Failure()
				} else {
					p.Success()
				}
			}
		}(i)
	}
	wg.Wait()
	for _, s := range r.Snapshot() {
		if s.State != StateClosed {
			t.Errorf("%s: state = %s, alternating outcomes should never trip", s.PluginID, s.State)
		}
	}
}
