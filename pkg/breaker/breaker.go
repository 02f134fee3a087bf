// Package breaker implements per-plugin circuit breakers.
//
// A breaker is Closed while its plugin is healthy. After FailureThreshold
// consecutive execution failures it trips Open and rejects every attempt
// without consuming a worker. Once OpenTimeout has elapsed the next attempt
// moves it to HalfOpen, where probes are admitted one at a time;
// SuccessThreshold consecutive probe successes close it again and any probe
// failure reopens it and restarts the timer.
//
// State lives in one process. Horizontally scaled deployments keep one
// breaker per plugin per instance, and those converge independently.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/openfroyo/plugind/pkg/engine"
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// halfOpenRetryAfter is the retry hint given while the half-open slots are taken.
const halfOpenRetryAfter = time.Second

// Transition events.
const (
	eventTrip    = "trip"
	eventProbe   = "probe"
	eventRecover = "recover"
	eventRetrip  = "retrip"
	eventReset   = "reset"
)

var transitions = fsm.Events{
	{Name: eventTrip, Src: []string{string(StateClosed)}, Dst: string(StateOpen)},
	{Name: eventProbe, Src: []string{string(StateOpen)}, Dst: string(StateHalfOpen)},
	{Name: eventRecover, Src: []string{string(StateHalfOpen)}, Dst: string(StateClosed)},
	{Name: eventRetrip, Src: []string{string(StateHalfOpen)}, Dst: string(StateOpen)},
	{Name: eventReset, Src: []string{string(StateOpen), string(StateHalfOpen)}, Dst: string(StateClosed)},
}

// Config configures breakers.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// closed breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=1"`

	// OpenTimeout is how long a breaker stays open before probing.
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout" validate:"gt=0"`

	// SuccessThreshold is the number of consecutive probe successes that
	// closes a half-open breaker.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold" validate:"gte=1"`

	// HalfOpenMaxProbes bounds concurrent probes while half-open.
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes" validate:"gte=1"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		OpenTimeout:       60 * time.Second,
		SuccessThreshold:  3,
		HalfOpenMaxProbes: 1,
	}
}

// Transition describes a state change.
type Transition struct {
	PluginID string    `json:"pluginId"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	PluginID                string    `json:"pluginId"`
	State                   State     `json:"state"`
	ConsecutiveFailures     int       `json:"consecutiveFailures"`
	OpenedAt                time.Time `json:"openedAt,omitempty"`
	HalfOpenProbesRemaining int       `json:"halfOpenProbesRemaining"`
	ProbesInFlight          int       `json:"probesInFlight"`
}

// Breaker is the circuit breaker of one plugin.
type Breaker struct {
	pluginID string
	config   Config
	clock    engine.Clock
	onChange func(Transition)

	mu                  sync.Mutex
	machine             *fsm.FSM
	generation          uint64
	consecutiveFailures int
	openedAt            time.Time
	probeSuccesses      int
	probesInFlight      int
	pending             []Transition
}

func newBreaker(pluginID string, config Config, clock engine.Clock, onChange func(Transition)) *Breaker {
	b := &Breaker{
		pluginID: pluginID,
		config:   config,
		clock:    clock,
		onChange: onChange,
	}
	b.machine = fsm.NewFSM(
		string(StateClosed),
		transitions,
		fsm.Callbacks{
			// Runs inside machine.Event, which is only called with b.mu held.
			"enter_state": func(_ context.Context, e *fsm.Event) {
				reason := ""
				if len(e.Args) > 0 {
					reason, _ = e.Args[0].(string)
				}
				b.pending = append(b.pending, Transition{
					PluginID: b.pluginID,
					From:     State(e.Src),
					To:       State(e.Dst),
					Reason:   reason,
					At:       b.clock.Now(),
				})
			},
		},
	)
	return b
}

// PluginID returns the plugin the breaker guards.
func (b *Breaker) PluginID() string {
	return b.pluginID
}

// fire moves the machine and resets per-state counters. Callers hold b.mu.
func (b *Breaker) fire(event, reason string) {
	if err := b.machine.Event(context.Background(), event, reason); err != nil {
		return
	}
	b.generation++
	b.probesInFlight = 0
	b.probeSuccesses = 0
	switch State(b.machine.Current()) {
	case StateOpen:
		b.openedAt = b.clock.Now()
	case StateClosed:
		b.consecutiveFailures = 0
		b.openedAt = time.Time{}
	}
}

// unlock releases b.mu and then delivers queued transitions so the hook can
// call back into the breaker.
func (b *Breaker) unlock() {
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	if b.onChange != nil {
		for _, t := range pending {
			b.onChange(t)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State(b.machine.Current())
}

// Allow asks to run one attempt. On success the returned permit must be
// settled exactly once. A rejection is a CircuitOpenError and consumes
// nothing.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	defer b.unlock()

	now := b.clock.Now()
	if State(b.machine.Current()) == StateOpen {
		reopenAt := b.openedAt.Add(b.config.OpenTimeout)
		if now.Before(reopenAt) {
			return nil, engine.NewCircuitOpenError(b.pluginID, reopenAt.Sub(now))
		}
		b.fire(eventProbe, "open timeout elapsed")
	}

	switch State(b.machine.Current()) {
	case StateHalfOpen:
		if b.probesInFlight >= b.config.HalfOpenMaxProbes {
			return nil, engine.NewCircuitOpenError(b.pluginID, halfOpenRetryAfter).
				WithDetail("state", string(StateHalfOpen))
		}
		b.probesInFlight++
		return &Permit{breaker: b, probe: true, generation: b.generation}, nil
	default:
		return &Permit{breaker: b, generation: b.generation}, nil
	}
}

func (b *Breaker) settle(p *Permit, outcome outcome) {
	b.mu.Lock()
	defer b.unlock()

	state := State(b.machine.Current())

	if p.probe {
		// Probes from an earlier half-open period were already discarded by
		// the transition that ended it.
		if state != StateHalfOpen || p.generation != b.generation {
			return
		}
		b.probesInFlight--
		switch outcome {
		case outcomeSuccess:
			b.probeSuccesses++
			if b.probeSuccesses >= b.config.SuccessThreshold {
				b.fire(eventRecover, "probe successes reached threshold")
			}
		case outcomeFailure:
			b.fire(eventRetrip, "probe failed")
		}
		return
	}

	// Attempts admitted while closed only count while still closed.
	if state != StateClosed {
		return
	}
	switch outcome {
	case outcomeSuccess:
		b.consecutiveFailures = 0
	case outcomeFailure:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.fire(eventTrip, "consecutive failures reached threshold")
		}
	}
}

// Reset forces the breaker closed. It reports whether the state changed.
func (b *Breaker) Reset() bool {
	b.mu.Lock()
	defer b.unlock()

	if State(b.machine.Current()) == StateClosed {
		b.consecutiveFailures = 0
		return false
	}
	b.fire(eventReset, "manual reset")
	return true
}

// Snapshot returns a read-only view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		PluginID:            b.pluginID,
		State:               State(b.machine.Current()),
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		ProbesInFlight:      b.probesInFlight,
	}
	switch s.State {
	case StateHalfOpen:
		s.HalfOpenProbesRemaining = b.config.SuccessThreshold - b.probeSuccesses
	case StateOpen:
		s.HalfOpenProbesRemaining = b.config.SuccessThreshold
	}
	return s
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeAbandon
)

// Permit is an admitted attempt.
type Permit struct {
	breaker    *Breaker
	probe      bool
	generation uint64
	once       sync.Once
}

// Probe reports whether the attempt is a half-open probe.
func (p *Permit) Probe() bool {
	return p.probe
}

// Success records a successful execution.
func (p *Permit) Success() {
	p.once.Do(func() { p.breaker.settle(p, outcomeSuccess) })
}

// Failure records a failed execution.
func (p *Permit) Failure() {
	p.once.Do(func() { p.breaker.settle(p, outcomeFailure) })
}

// Abandon releases the permit without recording an outcome, for attempts
// that never reached a worker.
func (p *Permit) Abandon() {
	p.once.Do(func() { p.breaker.settle(p, outcomeAbandon) })
}
