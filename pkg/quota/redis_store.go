package quota

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openfroyo/plugind/pkg/engine"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// KeyPrefix namespaces tenant keys.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// Idle tenant hashes expire after this long without a reservation.
const redisRecordTTL = 48 * time.Hour

// reserveScript performs the lazy daily reset, both limit checks and both
// increments in one server-side step.
//
// Returns {decision, daily, reset_at_ms, concurrent} where decision is
// 0 reserved, 1 daily exceeded, 2 concurrency exceeded.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local next_reset = tonumber(ARGV[2])
local daily_limit = tonumber(ARGV[3])
local conc_limit = tonumber(ARGV[4])
local tier = ARGV[5]
local ttl = tonumber(ARGV[6])

local reset_at = tonumber(redis.call('HGET', key, 'reset_at') or '0')
local daily = tonumber(redis.call('HGET', key, 'daily') or '0')
local conc = tonumber(redis.call('HGET', key, 'concurrent') or '0')

if reset_at == 0 or now >= reset_at then
  daily = 0
  reset_at = next_reset
end

local decision = 0
if daily_limit >= 0 and daily >= daily_limit then
  decision = 1
elseif conc >= conc_limit then
  decision = 2
else
  daily = daily + 1
  conc = conc + 1
end

redis.call('HSET', key, 'daily', daily, 'reset_at', reset_at, 'concurrent', conc, 'tier', tier)
redis.call('PEXPIRE', key, ttl)
return {decision, daily, reset_at, conc}
`)

// releaseScript decrements the concurrent counter without going below zero.
//
// Returns {released, daily, reset_at_ms, concurrent}.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local conc = tonumber(redis.call('HGET', key, 'concurrent') or '0')
local released = 0
if conc > 0 then
  conc = redis.call('HINCRBY', key, 'concurrent', -1)
  released = 1
end
local daily = tonumber(redis.call('HGET', key, 'daily') or '0')
local reset_at = tonumber(redis.call('HGET', key, 'reset_at') or '0')
return {released, daily, reset_at, conc}
`)

// RedisStore is a Store shared by every instance pointing at the same Redis.
// Atomicity comes from running each operation as a Lua script.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "plugind:quota:"
	}

	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) key(tenantID string) string {
	return s.prefix + tenantID
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, tenantID string, tier engine.Tier, limits Limits, now time.Time) (Decision, Record, error) {
	vals, err := reserveScript.Run(ctx, s.client, []string{s.key(tenantID)},
		now.UnixMilli(),
		NextUTCMidnight(now).UnixMilli(),
		limits.Daily,
		limits.Concurrent,
		string(tier),
		redisRecordTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return "", Record{}, fmt.Errorf("quota reserve script failed: %w", err)
	}
	if len(vals) != 4 {
		return "", Record{}, fmt.Errorf("quota reserve script returned %d values", len(vals))
	}

	rec := Record{
		TenantID:        tenantID,
		Tier:            tier,
		DailyCount:      vals[1],
		DailyResetAt:    time.UnixMilli(vals[2]).UTC(),
		ConcurrentCount: vals[3],
	}
	switch vals[0] {
	case 0:
		return Reserved, rec, nil
	case 1:
		return DailyExceeded, rec, nil
	default:
		return ConcurrencyExceeded, rec, nil
	}
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, tenantID string) (Record, bool, error) {
	vals, err := releaseScript.Run(ctx, s.client, []string{s.key(tenantID)}).Int64Slice()
	if err != nil {
		return Record{}, false, fmt.Errorf("quota release script failed: %w", err)
	}
	if len(vals) != 4 {
		return Record{}, false, fmt.Errorf("quota release script returned %d values", len(vals))
	}
	rec := Record{
		TenantID:        tenantID,
		DailyCount:      vals[1],
		DailyResetAt:    time.UnixMilli(vals[2]).UTC(),
		ConcurrentCount: vals[3],
	}
	return rec, vals[0] == 1, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, tenantID string, now time.Time) (Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(tenantID)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read quota for tenant %s: %w", tenantID, err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	rec := recordFromHash(tenantID, fields)
	resetIfDue(&rec, now)
	return rec, true, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	var (
		cursor uint64
		out    []Record
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan quota keys: %w", err)
		}
		for _, k := range keys {
			fields, err := s.client.HGetAll(ctx, k).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", k, err)
			}
			if len(fields) > 0 {
				out = append(out, recordFromHash(strings.TrimPrefix(k, s.prefix), fields))
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func recordFromHash(tenantID string, fields map[string]string) Record {
	parse := func(name string) int64 {
		v, _ := strconv.ParseInt(fields[name], 10, 64)
		return v
	}
	return Record{
		TenantID:        tenantID,
		Tier:            engine.Tier(fields["tier"]),
		DailyCount:      parse("daily"),
		DailyResetAt:    time.UnixMilli(parse("reset_at")).UTC(),
		ConcurrentCount: parse("concurrent"),
	}
}
