// Package quota enforces per-tenant execution quotas.
//
// Each tenant has a daily execution count, reset lazily at UTC midnight, and
// a concurrent execution count. Reservations check and increment both
// counters as one atomic step in a Store, so concurrent requests from the
// same tenant cannot overshoot a limit.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
)

// Unlimited disables a limit.
const Unlimited int64 = -1

// Limits bounds one tier.
type Limits struct {
	// Daily is the number of executions allowed per UTC day, or Unlimited.
	Daily int64 `json:"daily" yaml:"daily" validate:"gte=-1"`

	// Concurrent is the number of executions allowed in flight.
	Concurrent int64 `json:"concurrent" yaml:"concurrent" validate:"gte=1"`
}

// DefaultTiers returns the built-in tier limits.
func DefaultTiers() map[engine.Tier]Limits {
	return map[engine.Tier]Limits{
		engine.TierFree:       {Daily: 100, Concurrent: 1},
		engine.TierPro:        {Daily: 10000, Concurrent: 5},
		engine.TierEnterprise: {Daily: Unlimited, Concurrent: 10},
	}
}

// Decision is the outcome of a reservation attempt.
type Decision string

const (
	Reserved            Decision = "Reserved"
	DailyExceeded       Decision = "DailyExceeded"
	ConcurrencyExceeded Decision = "ConcurrencyExceeded"
)

// Record is the quota state of one tenant.
type Record struct {
	TenantID        string      `json:"tenantId"`
	Tier            engine.Tier `json:"tier"`
	DailyCount      int64       `json:"dailyCount"`
	DailyResetAt    time.Time   `json:"dailyResetAt"`
	ConcurrentCount int64       `json:"concurrentCount"`
}

// Store holds tenant counters. Implementations must make Reserve atomic per
// tenant: the lazy daily reset, both limit checks and both increments
// happen as one step.
type Store interface {
	// Reserve resets the daily counter if now is at or past the reset time,
	// then checks the daily limit, then the concurrency limit, and increments
	// both counters only when both pass.
	Reserve(ctx context.Context, tenantID string, tier engine.Tier, limits Limits, now time.Time) (Decision, Record, error)

	// Release decrements the concurrent counter, never below zero. It
	// reports whether a decrement happened.
	Release(ctx context.Context, tenantID string) (Record, bool, error)

	// Get returns the tenant's record with the daily reset applied.
	Get(ctx context.Context, tenantID string, now time.Time) (Record, bool, error)

	// List returns every known tenant record.
	List(ctx context.Context) ([]Record, error)
}

// Recorder receives quota events. telemetry.Metrics implements it.
type Recorder interface {
	RecordQuotaRejection(tier string, reason string)
}

// Config configures a Manager.
type Config struct {
	// Tiers overrides the built-in tier limits.
	Tiers map[engine.Tier]Limits `json:"tiers" yaml:"tiers"`

	// ConcurrencyRetryAfter is the retry hint returned when a tenant is at
	// its concurrency limit.
	ConcurrencyRetryAfter time.Duration `json:"concurrency_retry_after" yaml:"concurrency_retry_after"`
}

// DefaultConfig returns the default quota configuration.
func DefaultConfig() Config {
	return Config{
		Tiers:                 DefaultTiers(),
		ConcurrencyRetryAfter: time.Second,
	}
}

// Outcome is the result of TryReserve.
type Outcome struct {
	Decision   Decision
	Record     Record
	RetryAfter time.Duration
}

// Manager enforces tier limits over a Store.
type Manager struct {
	store    Store
	clock    engine.Clock
	config   Config
	recorder Recorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(clock engine.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// NewManager creates a quota manager. Tiers missing from config fall back
// to the built-in limits.
func NewManager(store Store, config Config, opts ...Option) *Manager {
	tiers := DefaultTiers()
	for tier, limits := range config.Tiers {
		tiers[tier] = limits
	}
	config.Tiers = tiers
	if config.ConcurrencyRetryAfter <= 0 {
		config.ConcurrencyRetryAfter = time.Second
	}

	m := &Manager{
		store:  store,
		clock:  engine.SystemClock{},
		config: config,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limits returns the limits of tier.
func (m *Manager) Limits(tier engine.Tier) (Limits, error) {
	limits, ok := m.config.Tiers[tier]
	if !ok {
		return Limits{}, engine.NewValidationError(fmt.Sprintf("unknown tier %q", tier), nil)
	}
	return limits, nil
}

// TryReserve atomically checks and increments the tenant's counters.
func (m *Manager) TryReserve(ctx context.Context, tenantID string, tier engine.Tier) (Outcome, error) {
	limits, err := m.Limits(tier)
	if err != nil {
		return Outcome{}, err
	}

	now := m.clock.Now()
	decision, rec, err := m.store.Reserve(ctx, tenantID, tier, limits, now)
	if err != nil {
		return Outcome{}, engine.NewInternalError("quota store unavailable", err).WithOperation("quota.reserve")
	}

	out := Outcome{Decision: decision, Record: rec}
	switch decision {
	case DailyExceeded:
		out.RetryAfter = rec.DailyResetAt.Sub(now)
	case ConcurrencyExceeded:
		out.RetryAfter = m.config.ConcurrencyRetryAfter
	}
	if decision != Reserved && m.recorder != nil {
		m.recorder.RecordQuotaRejection(string(tier), string(decision))
	}
	return out, nil
}

// Release returns a concurrency slot. It must be called exactly once per
// Reserved outcome; Reservation enforces that.
func (m *Manager) Release(ctx context.Context, tenantID string) (Record, error) {
	rec, _, err := m.store.Release(ctx, tenantID)
	if err != nil {
		return Record{}, fmt.Errorf("failed to release quota for tenant %s: %w", tenantID, err)
	}
	return rec, nil
}

// Reserve is TryReserve returning a QuotaExceededError on rejection and a
// Reservation handle on success.
func (m *Manager) Reserve(ctx context.Context, tenantID string, tier engine.Tier) (*Reservation, error) {
	out, err := m.TryReserve(ctx, tenantID, tier)
	if err != nil {
		return nil, err
	}
	switch out.Decision {
	case Reserved:
		return &Reservation{manager: m, tenantID: tenantID, Record: out.Record}, nil
	case DailyExceeded:
		return nil, engine.NewQuotaExceededError(
			fmt.Sprintf("daily limit of %d executions reached", m.config.Tiers[tier].Daily), out.RetryAfter).
			WithCode(engine.ErrCodeQuotaDaily).
			WithDetail("reset_at", out.Record.DailyResetAt)
	default:
		return nil, engine.NewQuotaExceededError(
			fmt.Sprintf("concurrency limit of %d executions reached", m.config.Tiers[tier].Concurrent), out.RetryAfter).
			WithCode(engine.ErrCodeQuotaConcurrency)
	}
}

// Snapshot returns a tenant's current record.
func (m *Manager) Snapshot(ctx context.Context, tenantID string) (Record, bool, error) {
	return m.store.Get(ctx, tenantID, m.clock.Now())
}

// List returns every known tenant record.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	return m.store.List(ctx)
}

// Reservation is a held concurrency slot. Release is idempotent, so it is
// safe to defer it and also call it early.
type Reservation struct {
	manager  *Manager
	tenantID string
	once     sync.Once
	Record   Record
}

// Release returns the slot on the first call and is a no-op afterwards.
func (r *Reservation) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		_, err = r.manager.Release(ctx, r.tenantID)
	})
	return err
}

// NextUTCMidnight returns the first UTC midnight strictly after t.
func NextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
