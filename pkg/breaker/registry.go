package breaker

import (
	"sort"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/openfroyo/plugind/pkg/engine"
)

const registryShards = 32

type registryShard struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// Registry holds one breaker per plugin, created on first use.
type Registry struct {
	config   Config
	clock    engine.Clock
	onChange []func(Transition)
	shards   [registryShards]*registryShard
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(clock engine.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// OnStateChange registers a hook called after every transition. Hooks run
// outside the breaker lock.
func OnStateChange(fn func(Transition)) Option {
	return func(r *Registry) {
		r.onChange = append(r.onChange, fn)
	}
}

// NewRegistry creates a breaker registry. Zero config fields fall back to
// the defaults.
func NewRegistry(config Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = def.OpenTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.HalfOpenMaxProbes <= 0 {
		config.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}

	r := &Registry{
		config: config,
		clock:  engine.SystemClock{},
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{breakers: make(map[string]*Breaker)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.config
}

func (r *Registry) notify(t Transition) {
	for _, fn := range r.onChange {
		fn(t)
	}
}

func (r *Registry) shardFor(pluginID string) *registryShard {
	return r.shards[xxh3.HashString(pluginID)%registryShards]
}

// Get returns the breaker for pluginID, creating it closed if needed.
func (r *Registry) Get(pluginID string) *Breaker {
	s := r.shardFor(pluginID)

	s.mu.RLock()
	b, ok := s.breakers[pluginID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[pluginID]; ok {
		return b
	}
	b = newBreaker(pluginID, r.config, r.clock, r.notify)
	s.breakers[pluginID] = b
	return b
}

// Allow is shorthand for Get(pluginID).Allow().
func (r *Registry) Allow(pluginID string) (*Permit, error) {
	return r.Get(pluginID).Allow()
}

// Lookup returns the breaker snapshot for pluginID without creating one.
func (r *Registry) Lookup(pluginID string) (Snapshot, bool) {
	s := r.shardFor(pluginID)
	s.mu.RLock()
	b, ok := s.breakers[pluginID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return b.Snapshot(), true
}

// Reset forces a plugin's breaker closed. It reports whether the state
// changed.
func (r *Registry) Reset(pluginID string) bool {
	s := r.shardFor(pluginID)
	s.mu.RLock()
	b, ok := s.breakers[pluginID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return b.Reset()
}

// Snapshot returns every breaker ordered by plugin ID.
func (r *Registry) Snapshot() []Snapshot {
	var out []Snapshot
	for _, s := range r.shards {
		s.mu.RLock()
		bs := make([]*Breaker, 0, len(s.breakers))
		for _, b := range s.breakers {
			bs = append(bs, b)
		}
		s.mu.RUnlock()
		for _, b := range bs {
			out = append(out, b.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// CountByState returns the number of breakers in each state.
func (r *Registry) CountByState() map[State]int {
	counts := map[State]int{StateClosed: 0, StateOpen: 0, StateHalfOpen: 0}
	for _, s := range r.Snapshot() {
		counts[s.State]++
	}
	return counts
}
