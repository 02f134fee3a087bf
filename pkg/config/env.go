package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

type envVar struct {
	name  string
	apply func(c *Config, value string) error
}

// envVars are applied in order after the config file.
var envVars = []envVar{
	{"LISTEN_ADDRESS", func(c *Config, v string) error { c.Server.ListenAddress = v; return nil }},
	{"ADMIN_TOKEN", func(c *Config, v string) error { c.Server.AdminToken = v; return nil }},

	{"MIN_WORKERS", intVar(func(c *Config, n int) { c.Pool.MinWorkers = n })},
	{"MAX_WORKERS", intVar(func(c *Config, n int) { c.Pool.MaxWorkers = n })},
	{"QUEUE_DEPTH", intVar(func(c *Config, n int) { c.Pool.QueueDepth = n })},
	{"MAX_TASKS_PER_WORKER", intVar(func(c *Config, n int) { c.Pool.MaxTasksPerWorker = n })},
	{"WORKER_IDLE_TIMEOUT_MS", msVar(func(c *Config, d time.Duration) { c.Pool.IdleTimeout = d })},
	{"MAX_MEMORY_MB", intVar(func(c *Config, n int) { c.Pool.MaxMemoryBytes = uint64(n) << 20 })},
	{"DEFAULT_TIMEOUT_MS", msVar(func(c *Config, d time.Duration) { c.Pool.DefaultTimeout = d })},
	{"MAX_TIMEOUT_MS", msVar(func(c *Config, d time.Duration) { c.Pool.MaxTimeout = d })},

	{"CACHE_ENABLED", boolVar(func(c *Config, b bool) { c.Cache.Enabled = b })},
	{"CACHE_TTL_MS", msVar(func(c *Config, d time.Duration) { c.Cache.TTL = d })},
	{"CACHE_MAX_ENTRIES", intVar(func(c *Config, n int) { c.Cache.MaxEntries = n })},

	{"ALLOWED_OUTBOUND_DOMAINS", func(c *Config, v string) error {
		c.Sandbox.AllowedOutboundDomains = splitList(v)
		return nil
	}},
	{"PLUGINS_DIR", func(c *Config, v string) error { c.Sandbox.PluginsDir = v; return nil }},
	{"ISOLATION", func(c *Config, v string) error { c.Sandbox.Isolation = strings.ToLower(v); return nil }},

	{"QUOTA_BACKEND", func(c *Config, v string) error { c.Quota.Backend = strings.ToLower(v); return nil }},
	{"REDIS_ADDR", func(c *Config, v string) error { c.Quota.Redis.Addr = v; return nil }},
	{"REDIS_PASSWORD", func(c *Config, v string) error { c.Quota.Redis.Password = v; return nil }},

	{"AUDIT_DB_PATH", func(c *Config, v string) error { c.Audit.Path = v; return nil }},

	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = strings.ToLower(v); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.Logging.Format = strings.ToLower(v); return nil }},
}

// EnvVars returns the names of the supported environment variables.
func EnvVars() []string {
	names := make([]string, len(envVars))
	for i, v := range envVars {
		names[i] = v.name
	}
	return names
}

// ApplyEnv overrides c with every set environment variable. All malformed
// values are reported together.
func ApplyEnv(c *Config, lookup LookupFunc) error {
	var errs []error
	for _, ev := range envVars {
		value, ok := lookup(ev.name)
		if !ok {
			continue
		}
		if err := ev.apply(c, strings.TrimSpace(value)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ev.name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

func intVar(set func(*Config, int)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("expected an integer, got %q", v)
		}
		if n < 0 {
			return fmt.Errorf("must not be negative, got %d", n)
		}
		set(c, n)
		return nil
	}
}

func msVar(set func(*Config, time.Duration)) func(*Config, string) error {
	return intVar(func(c *Config, n int) {
		set(c, time.Duration(n)*time.Millisecond)
	})
}

func boolVar(set func(*Config, bool)) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("expected a boolean, got %q", v)
		}
		set(c, b)
		return nil
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
