package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/plugind/pkg/api"
	"github.com/openfroyo/plugind/pkg/breaker"
	"github.com/openfroyo/plugind/pkg/cache"
	"github.com/openfroyo/plugind/pkg/coordinator"
	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/policy"
	"github.com/openfroyo/plugind/pkg/pool"
	"github.com/openfroyo/plugind/pkg/quota"
	"github.com/openfroyo/plugind/pkg/runner"
	"github.com/openfroyo/plugind/pkg/sandbox"
	"github.com/openfroyo/plugind/pkg/telemetry"
)

// Sandbox isolation modes.
const (
	IsolationInProcess = "inprocess"
	IsolationProcess   = "process"
)

// Quota backends.
const (
	QuotaBackendMemory = "memory"
	QuotaBackendRedis  = "redis"
)

// Config is the complete service configuration.
type Config struct {
	Server    api.Config         `json:"server" yaml:"server"`
	Pool      pool.Config        `json:"pool" yaml:"pool"`
	Cache     cache.Config       `json:"cache" yaml:"cache"`
	Quota     QuotaConfig        `json:"quota" yaml:"quota"`
	Breaker   breaker.Config     `json:"breaker" yaml:"breaker"`
	Retry     coordinator.Config `json:"retry" yaml:"retry"`
	Sandbox   SandboxConfig      `json:"sandbox" yaml:"sandbox"`
	Policy    PolicyConfig       `json:"policy" yaml:"policy"`
	Audit     AuditConfig        `json:"audit" yaml:"audit"`
	Telemetry telemetry.Config   `json:"telemetry" yaml:"telemetry" validate:"-"`
}

// QuotaConfig configures tenant quotas.
type QuotaConfig struct {
	Backend               string                       `json:"backend" yaml:"backend" validate:"oneof=memory redis"`
	Tiers                 map[engine.Tier]quota.Limits `json:"tiers" yaml:"tiers" validate:"dive"`
	ConcurrencyRetryAfter time.Duration                `json:"concurrency_retry_after" yaml:"concurrency_retry_after" validate:"gt=0"`
	Redis                 quota.RedisConfig            `json:"redis" yaml:"redis"`
}

// ManagerConfig returns the quota manager configuration.
func (q QuotaConfig) ManagerConfig() quota.Config {
	return quota.Config{
		Tiers:                 q.Tiers,
		ConcurrencyRetryAfter: q.ConcurrencyRetryAfter,
	}
}

// SandboxConfig configures plugin loading and isolation.
type SandboxConfig struct {
	// Isolation is "inprocess" to interpret plugins inside the service or
	// "process" to run each worker in its own runner process.
	Isolation string `json:"isolation" yaml:"isolation" validate:"oneof=inprocess process"`

	// PluginsDir holds <plugin>/<version>/manifest.yaml trees. Empty
	// starts with no plugins.
	PluginsDir   string        `json:"plugins_dir" yaml:"plugins_dir"`
	WatchPlugins bool          `json:"watch_plugins" yaml:"watch_plugins"`
	ReloadDelay  time.Duration `json:"reload_delay" yaml:"reload_delay" validate:"gte=0"`

	// AllowedOutboundDomains lists hosts plugin code may call, exactly or
	// as "*.suffix".
	AllowedOutboundDomains []string      `json:"allowed_outbound_domains" yaml:"allowed_outbound_domains"`
	HTTPTimeout            time.Duration `json:"http_timeout" yaml:"http_timeout" validate:"gt=0"`
	MaxResponseBytes       int64         `json:"max_response_bytes" yaml:"max_response_bytes" validate:"gt=0"`

	// MaxSteps bounds Starlark computation per action.
	MaxSteps uint64 `json:"max_steps" yaml:"max_steps" validate:"gt=0"`

	Runner runner.ProcessConfig `json:"runner" yaml:"runner"`
}

// NetworkOptions returns the outbound network policy options.
func (s SandboxConfig) NetworkOptions() []sandbox.NetworkOption {
	return []sandbox.NetworkOption{
		sandbox.WithHTTPTimeout(s.HTTPTimeout),
		sandbox.WithMaxResponseBytes(s.MaxResponseBytes),
	}
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths are .rego or .json policy files or directories loaded next to
	// the built-in policies.
	Paths []string `json:"paths" yaml:"paths"`
	Watch bool     `json:"watch" yaml:"watch"`

	// Blocklist holds plugin IDs denied at startup.
	Blocklist      []string         `json:"blocklist" yaml:"blocklist"`
	TierTimeoutsMs map[string]int64 `json:"tier_timeouts_ms" yaml:"tier_timeouts_ms"`
	MaxParamsBytes int64            `json:"max_params_bytes" yaml:"max_params_bytes" validate:"gte=0"`
}

// Limits returns the data document limits.
func (p PolicyConfig) Limits() policy.Limits {
	return policy.Limits{
		TierTimeoutsMs: p.TierTimeoutsMs,
		MaxParamsBytes: p.MaxParamsBytes,
	}
}

// AuditConfig configures the persistent audit log.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`

	// Retention prunes older events at startup and daily. Zero keeps
	// everything.
	Retention time.Duration `json:"retention" yaml:"retention" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	limits := policy.DefaultLimits()
	return &Config{
		Server:  api.DefaultConfig(),
		Pool:    pool.DefaultConfig(),
		Cache:   cache.DefaultConfig(),
		Breaker: breaker.DefaultConfig(),
		Retry:   coordinator.DefaultConfig(),
		Quota: QuotaConfig{
			Backend:               QuotaBackendMemory,
			Tiers:                 quota.DefaultTiers(),
			ConcurrencyRetryAfter: time.Second,
			Redis: quota.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "plugind:quota:",
			},
		},
		Sandbox: SandboxConfig{
			Isolation:        IsolationInProcess,
			PluginsDir:       "plugins",
			WatchPlugins:     true,
			ReloadDelay:      500 * time.Millisecond,
			HTTPTimeout:      10 * time.Second,
			MaxResponseBytes: 1 << 20,
			MaxSteps:         sandbox.DefaultMaxSteps,
			Runner:           runner.DefaultProcessConfig(),
		},
		Policy: PolicyConfig{
			Enabled:        true,
			TierTimeoutsMs: limits.TierTimeoutsMs,
			MaxParamsBytes: limits.MaxParamsBytes,
		},
		Audit: AuditConfig{
			Enabled:   true,
			Path:      "plugind-audit.db",
			Retention: 30 * 24 * time.Hour,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	var errs []error
	if err := engine.Validator().Struct(c); err != nil {
		errs = append(errs, err)
	}
	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	for tier := range c.Quota.Tiers {
		if !tier.Valid() {
			errs = append(errs, fmt.Errorf("quota: unknown tier %q", tier))
		}
	}
	if c.Quota.Backend == QuotaBackendRedis && c.Quota.Redis.Addr == "" {
		errs = append(errs, errors.New("quota: redis backend requires redis.addr"))
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, fmt.Errorf("retry: max backoff (%s) is below initial backoff (%s)",
			c.Retry.MaxBackoff, c.Retry.InitialBackoff))
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		errs = append(errs, errors.New("audit: path is required when enabled"))
	}
	if c.Sandbox.WatchPlugins && c.Sandbox.PluginsDir == "" {
		errs = append(errs, errors.New("sandbox: watch_plugins requires plugins_dir"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
