package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/openfroyo/plugind/pkg/engine"
)

const memoryShards = 64

type memoryShard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// MemoryStore is a single-instance Store. Tenants are spread across
// independently locked shards.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: make(map[string]*Record)}
	}
	return s
}

func (s *MemoryStore) shardFor(tenantID string) *memoryShard {
	return s.shards[xxh3.HashString(tenantID)%memoryShards]
}

func resetIfDue(rec *Record, now time.Time) {
	if !now.Before(rec.DailyResetAt) {
		rec.DailyCount = 0
		rec.DailyResetAt = NextUTCMidnight(now)
	}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, tenantID string, tier engine.Tier, limits Limits, now time.Time) (Decision, Record, error) {
	sh := s.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[tenantID]
	if !ok {
		rec = &Record{TenantID: tenantID, DailyResetAt: NextUTCMidnight(now)}
		sh.records[tenantID] = rec
	}
	rec.Tier = tier
	resetIfDue(rec, now)

	if limits.Daily != Unlimited && rec.DailyCount >= limits.Daily {
		return DailyExceeded, *rec, nil
	}
	if rec.ConcurrentCount >= limits.Concurrent {
		return ConcurrencyExceeded, *rec, nil
	}
	rec.DailyCount++
	rec.ConcurrentCount++
	return Reserved, *rec, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, tenantID string) (Record, bool, error) {
	sh := s.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[tenantID]
	if !ok {
		return Record{TenantID: tenantID}, false, nil
	}
	if rec.ConcurrentCount == 0 {
		return *rec, false, nil
	}
	rec.ConcurrentCount--
	return *rec, true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID string, now time.Time) (Record, bool, error) {
	sh := s.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[tenantID]
	if !ok {
		return Record{}, false, nil
	}
	resetIfDue(rec, now)
	return *rec, true, nil
}

// List implements Store. Records are ordered by tenant ID.
func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	var out []Record
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			out = append(out, *rec)
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}
