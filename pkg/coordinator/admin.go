package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plugind/pkg/breaker"
	"github.com/openfroyo/plugind/pkg/cache"
	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/pool"
	"github.com/openfroyo/plugind/pkg/quota"
)

// Stats is a point-in-time view of the engine's shared state.
type Stats struct {
	Pool     pool.Stats            `json:"pool"`
	Cache    cache.Stats           `json:"cache"`
	Breakers map[breaker.State]int `json:"breakers"`
	Tenants  []quota.Record        `json:"tenants"`
}

// Stats returns pool, cache, breaker and quota snapshots.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	tenants, err := c.quotas.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list quota records: %w", err)
	}
	return Stats{
		Pool:     c.pool.Stats(),
		Cache:    c.cache.Stats(),
		Breakers: c.breakers.CountByState(),
		Tenants:  tenants,
	}, nil
}

// InvalidatePlugin drops every cached result of pluginID.
func (c *Coordinator) InvalidatePlugin(ctx context.Context, actorID, pluginID string) int {
	n := c.cache.Invalidate(pluginID)
	c.logger.Info().Str("plugin_id", pluginID).Int("removed", n).Msg("Cache invalidated for plugin")
	c.emit(ctx, &engine.AuditEvent{
		Type:     engine.AuditCacheInvalidated,
		ActorID:  actorID,
		TargetID: pluginID,
		Level:    engine.AuditLevelInfo,
		Message:  "cache invalidated for plugin",
		Metadata: map[string]interface{}{"removed": n},
	})
	return n
}

// ClearCache drops every cached result.
func (c *Coordinator) ClearCache(ctx context.Context, actorID string) int {
	n := c.cache.Clear()
	c.logger.Info().Int("removed", n).Msg("Cache cleared")
	c.emit(ctx, &engine.AuditEvent{
		Type:     engine.AuditCacheInvalidated,
		ActorID:  actorID,
		TargetID: "*",
		Level:    engine.AuditLevelInfo,
		Message:  "cache cleared",
		Metadata: map[string]interface{}{"removed": n},
	})
	return n
}

// ResetBreaker forces a plugin's breaker closed. The transition itself is
// reported by the registry's state change hook.
func (c *Coordinator) ResetBreaker(pluginID string) bool {
	changed := c.breakers.Reset(pluginID)
	if changed {
		c.logger.Info().Str("plugin_id", pluginID).Msg("Circuit breaker reset")
	}
	return changed
}

// OnPluginReload handles a reload reported by the plugin watcher: cached
// results of the plugin are dropped and replaced code is forgotten by the
// sandbox factory. It has the signature of sandbox.ReloadFunc.
func (c *Coordinator) OnPluginReload(pluginID string, replaced []*engine.ExecutableUnit, err error) {
	ctx := context.Background()
	if err != nil {
		c.logger.Error().Err(err).Str("plugin_id", pluginID).Msg("Plugin reload failed")
		c.emit(ctx, &engine.AuditEvent{
			Type:     engine.AuditPluginReloaded,
			ActorID:  SystemActor,
			TargetID: pluginID,
			Level:    engine.AuditLevelError,
			Message:  "plugin reload failed: " + err.Error(),
		})
		return
	}

	removed := c.cache.Invalidate(pluginID)
	versions := make([]string, 0, len(replaced))
	for _, unit := range replaced {
		versions = append(versions, unit.Version)
		if c.forgetter != nil && unit.Checksum != "" {
			c.forgetter.Forget(ctx, unit.Checksum)
		}
	}

	c.logger.Info().
		Str("plugin_id", pluginID).
		Strs("replaced_versions", versions).
		Int("cache_removed", removed).
		Msg("Plugin reloaded")
	c.emit(ctx, &engine.AuditEvent{
		Type:     engine.AuditPluginReloaded,
		ActorID:  SystemActor,
		TargetID: pluginID,
		Level:    engine.AuditLevelInfo,
		Message:  "plugin reloaded",
		Metadata: map[string]interface{}{
			"replacedVersions": versions,
			"cacheRemoved":     removed,
		},
	})
}

// TransitionRecorder receives breaker state changes. *telemetry.Metrics
// implements it.
type TransitionRecorder interface {
	RecordBreakerTransition(pluginID, to string)
}

// BreakerObserver returns a breaker.OnStateChange hook that records every
// transition as a metric and an audit event. Either sink may be nil.
func BreakerObserver(sink engine.AuditSink, recorder TransitionRecorder, logger zerolog.Logger) func(breaker.Transition) {
	logger = logger.With().Str("component", "breaker").Logger()
	return func(t breaker.Transition) {
		if recorder != nil {
			recorder.RecordBreakerTransition(t.PluginID, string(t.To))
		}

		level := engine.AuditLevelInfo
		if t.To == breaker.StateOpen {
			level = engine.AuditLevelWarning
		}
		logger.Info().
			Str("plugin_id", t.PluginID).
			Str("from", string(t.From)).
			Str("to", string(t.To)).
			Str("reason", t.Reason).
			Msg("Circuit breaker state changed")

		if sink == nil {
			return
		}
		at := t.At
		if at.IsZero() {
			at = time.Now()
		}
		err := sink.Record(context.Background(), &engine.AuditEvent{
			ID:        uuid.NewString(),
			Type:      engine.AuditCircuitChanged,
			ActorID:   SystemActor,
			TargetID:  t.PluginID,
			Timestamp: at.UTC(),
			Level:     level,
			Message:   fmt.Sprintf("circuit %s -> %s: %s", t.From, t.To, t.Reason),
			Metadata: map[string]interface{}{
				"from":   string(t.From),
				"to":     string(t.To),
				"reason": t.Reason,
			},
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to record circuit breaker audit event")
		}
	}
}
