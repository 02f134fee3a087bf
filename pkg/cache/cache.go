// Package cache implements the content-addressed result cache.
//
// Entries are bounded both by count (LRU) and by age (TTL); whichever limit
// is reached first evicts the entry. The keyspace is split across shards,
// each with its own lock and LRU list, so concurrent lookups for different
// keys rarely contend.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/zeebo/xxh3"

	"github.com/openfroyo/plugind/pkg/engine"
)

const (
	DefaultMaxEntries = 1000
	DefaultTTL        = 5 * time.Minute
	DefaultShards     = 16
)

// Config configures a Cache.
type Config struct {
	// Enabled turns the cache off entirely when false; every Get misses.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MaxEntries bounds the total number of entries.
	MaxEntries int `json:"max_entries" yaml:"max_entries" validate:"gte=0"`

	// TTL is the default entry lifetime.
	TTL time.Duration `json:"ttl" yaml:"ttl" validate:"gte=0"`

	// Shards is the number of independently locked partitions. Recency is
	// tracked per shard, so set it to 1 for strict global LRU order.
	Shards int `json:"shards" yaml:"shards" validate:"gte=0"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		MaxEntries: DefaultMaxEntries,
		TTL:        DefaultTTL,
		Shards:     DefaultShards,
	}
}

// Recorder receives cache events. telemetry.Metrics implements it.
type Recorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheEviction(reason string, n int)
	SetCacheSize(n int)
}

// Eviction reasons reported to the Recorder.
const (
	EvictCapacity   = "capacity"
	EvictExpired    = "expired"
	EvictInvalidate = "invalidate"
	EvictClear      = "clear"
)

// Entry is a cached execution result.
type Entry struct {
	Key      string
	PluginID string
	Value    engine.ExecutionResult
	StoredAt time.Time
	TTL      time.Duration
}

// ExpiresAt returns when the entry stops being served.
func (e *Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Enabled     bool   `json:"enabled"`
	Entries     int    `json:"entries"`
	MaxEntries  int    `json:"maxEntries"`
	TTLMs       int64  `json:"ttlMs"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU
}

// Cache is a sharded LRU cache with TTL expiry.
type Cache struct {
	config   Config
	clock    engine.Clock
	recorder Recorder
	shards   []*shard

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(clock engine.Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		c.recorder = r
	}
}

// New creates a cache. Zero-valued limits fall back to the defaults.
func New(config Config, opts ...Option) (*Cache, error) {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Shards <= 0 {
		config.Shards = DefaultShards
	}
	if config.Shards > config.MaxEntries {
		config.Shards = config.MaxEntries
	}

	c := &Cache{
		config: config,
		clock:  engine.SystemClock{},
		shards: make([]*shard, config.Shards),
	}
	for _, opt := range opts {
		opt(c)
	}

	// Split capacity so the shard sizes sum to MaxEntries exactly.
	base := config.MaxEntries / config.Shards
	rem := config.MaxEntries % config.Shards
	for i := range c.shards {
		size := base
		if i < rem {
			size++
		}
		l, err := simplelru.NewLRU(size, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache shard: %w", err)
		}
		c.shards[i] = &shard{lru: l}
	}
	return c, nil
}

// Enabled reports whether the cache serves entries.
func (c *Cache) Enabled() bool {
	return c.config.Enabled
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.config.TTL
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[xxh3.HashString(key)%uint64(len(c.shards))]
}

// Get returns the live entry for key. An expired entry is removed and
// reported as a miss.
func (c *Cache) Get(key string) (*Entry, bool) {
	if !c.config.Enabled {
		c.miss()
		return nil, false
	}

	s := c.shardFor(key)
	s.mu.Lock()
	v, ok := s.lru.Get(key)
	if !ok {
		s.mu.Unlock()
		c.miss()
		return nil, false
	}
	entry := v.(*Entry)
	if !c.clock.Now().Before(entry.ExpiresAt()) {
		s.lru.Remove(key)
		s.mu.Unlock()
		c.expirations.Add(1)
		c.evicted(EvictExpired, 1)
		c.miss()
		return nil, false
	}
	cp := *entry
	s.mu.Unlock()

	c.hits.Add(1)
	if c.recorder != nil {
		c.recorder.RecordCacheHit()
	}
	return &cp, true
}

// Put stores value under key. A non-positive ttl selects the default TTL.
func (c *Cache) Put(key, pluginID string, value engine.ExecutionResult, ttl time.Duration) {
	if !c.config.Enabled {
		return
	}
	if ttl <= 0 {
		ttl = c.config.TTL
	}

	entry := &Entry{
		Key:      key,
		PluginID: pluginID,
		Value:    value,
		StoredAt: c.clock.Now(),
		TTL:      ttl,
	}

	s := c.shardFor(key)
	s.mu.Lock()
	evicted := s.lru.Add(key, entry)
	s.mu.Unlock()

	if evicted {
		c.evicted(EvictCapacity, 1)
	}
	c.reportSize()
}

// Invalidate removes every entry stored for pluginID and returns how many
// were removed.
func (c *Cache) Invalidate(pluginID string) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			v, ok := s.lru.Peek(k)
			if ok && v.(*Entry).PluginID == pluginID {
				s.lru.Remove(k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.evicted(EvictInvalidate, removed)
	c.reportSize()
	return removed
}

// InvalidateKey removes a single entry.
func (c *Cache) InvalidateKey(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	present := s.lru.Remove(key)
	s.mu.Unlock()
	if present {
		c.evicted(EvictInvalidate, 1)
		c.reportSize()
	}
	return present
}

// Clear removes every entry and returns how many were removed.
func (c *Cache) Clear() int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		removed += s.lru.Len()
		s.lru.Purge()
		s.mu.Unlock()
	}
	c.evicted(EvictClear, removed)
	c.reportSize()
	return removed
}

// Len returns the number of stored entries, including expired entries not
// yet evicted.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Enabled:     c.config.Enabled,
		Entries:     c.Len(),
		MaxEntries:  c.config.MaxEntries,
		TTLMs:       c.config.TTL.Milliseconds(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}

// Probe checks that every shard can be locked before ctx is done. It is
// used by the health endpoint to detect a wedged cache.
func (c *Cache) Probe(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Len()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cache probe: %w", ctx.Err())
	}
}

func (c *Cache) miss() {
	c.misses.Add(1)
	if c.recorder != nil {
		c.recorder.RecordCacheMiss()
	}
}

func (c *Cache) evicted(reason string, n int) {
	if n <= 0 {
		return
	}
	c.evictions.Add(uint64(n))
	if c.recorder != nil {
		c.recorder.RecordCacheEviction(reason, n)
	}
}

func (c *Cache) reportSize() {
	if c.recorder != nil {
		c.recorder.SetCacheSize(c.Len())
	}
}
