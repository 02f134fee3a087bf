package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/plugind/pkg/breaker"
	"github.com/openfroyo/plugind/pkg/cache"
	"github.com/openfroyo/plugind/pkg/config"
	"github.com/openfroyo/plugind/pkg/coordinator"
	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/policy"
	"github.com/openfroyo/plugind/pkg/pool"
	"github.com/openfroyo/plugind/pkg/quota"
	"github.com/openfroyo/plugind/pkg/runner"
	"github.com/openfroyo/plugind/pkg/sandbox"
	"github.com/openfroyo/plugind/pkg/stores"
	"github.com/openfroyo/plugind/pkg/telemetry"
)

// app is the engine assembled from configuration.
type app struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	registry  *sandbox.Registry
	inProcess *sandbox.InProcessFactory
	pool      *pool.Pool
	cache     *cache.Cache
	quotas    *quota.Manager
	breakers  *breaker.Registry
	policy    *policy.Engine
	audit     *stores.SQLiteStore
	sink      engine.AuditSink
	coord     *coordinator.Coordinator
	closers   []func(context.Context) error
}

// loadConfig loads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp wires every engine component. The caller must Close it.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
		sink:   tel.Events,
	}
	log.Logger = a.logger
	a.closers = append(a.closers, tel.Shutdown)
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := a.openAudit(ctx); err != nil {
		return nil, err
	}
	if err := a.loadPlugins(); err != nil {
		return nil, err
	}

	factory, err := a.sandboxFactory(ctx)
	if err != nil {
		return nil, err
	}
	a.pool, err = pool.New(cfg.Pool, factory,
		pool.WithObserver(tel.Metrics),
		pool.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	a.closers = append(a.closers, a.pool.Shutdown)

	a.cache, err = cache.New(cfg.Cache, cache.WithRecorder(tel.Metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	store, err := a.quotaStore(ctx)
	if err != nil {
		return nil, err
	}
	a.quotas = quota.NewManager(store, cfg.Quota.ManagerConfig(), quota.WithRecorder(tel.Metrics))

	a.breakers = breaker.NewRegistry(cfg.Breaker,
		breaker.OnStateChange(coordinator.BreakerObserver(a.sink, tel.Metrics, a.logger)))

	opts := []coordinator.Option{
		coordinator.WithAuditSink(a.sink),
		coordinator.WithRecorder(tel.Metrics),
		coordinator.WithTracer(tel.Tracer),
		coordinator.WithLogger(a.logger),
	}
	if a.inProcess != nil {
		opts = append(opts, coordinator.WithForgetter(a.inProcess))
	}
	if cfg.Policy.Enabled {
		a.policy, err = policy.NewEngine(ctx, cfg.Policy.Limits(), cfg.Policy.Blocklist, policy.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := a.policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return nil, err
			}
		}
		opts = append(opts, coordinator.WithAdmitter(a.policy))
	}

	a.coord, err = coordinator.New(cfg.Retry, coordinator.Components{
		Loader:   a.registry,
		Pool:     a.pool,
		Cache:    a.cache,
		Quotas:   a.quotas,
		Breakers: a.breakers,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	return a, nil
}

// openAudit opens the audit store and subscribes it to published events.
func (a *app) openAudit(ctx context.Context) error {
	if !a.cfg.Audit.Enabled {
		return nil
	}
	store, err := stores.Open(ctx, stores.Config{Path: a.cfg.Audit.Path})
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	a.audit = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	if !a.cfg.Telemetry.Events.Enabled {
		a.sink = store
		return nil
	}
	a.tel.Events.Subscribe(func(event engine.AuditEvent) {
		if err := store.AppendAuditEvent(context.Background(), &event); err != nil {
			a.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to persist audit event")
		}
	})
	return nil
}

// pruneAudit drops events older than the retention period.
func (a *app) pruneAudit(ctx context.Context) {
	if a.audit == nil || a.cfg.Audit.Retention <= 0 {
		return
	}
	removed, err := a.audit.PruneAuditEvents(ctx, time.Now().Add(-a.cfg.Audit.Retention))
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to prune audit events")
		return
	}
	if removed > 0 {
		a.logger.Info().Int64("removed", removed).Msg("Pruned audit events")
	}
}

func (a *app) loadPlugins() error {
	a.registry = sandbox.NewRegistry(sandbox.WithRegistryLogger(a.logger))
	dir := a.cfg.Sandbox.PluginsDir
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		a.logger.Warn().Str("dir", dir).Msg("Plugin directory does not exist, starting with no plugins")
		return nil
	}
	loaded, err := a.registry.LoadDir(dir)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Some plugins failed to load")
	}
	a.logger.Info().Int("plugins", loaded).Str("dir", dir).Msg("Loaded plugins")
	return nil
}

func (a *app) sandboxFactory(ctx context.Context) (engine.SandboxFactory, error) {
	sc := a.cfg.Sandbox
	switch sc.Isolation {
	case config.IsolationProcess:
		rc := sc.Runner
		rc.Args = append(append([]string{}, rc.Args...), runnerArgs(a.cfg)...)
		f, err := runner.NewProcessFactory(rc, runner.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create runner factory: %w", err)
		}
		return f, nil
	default:
		f, err := sandbox.NewInProcessFactory(ctx, a.cfg.Pool.MaxMemoryBytes,
			sandbox.WithNetworkPolicy(sandbox.NewNetworkPolicy(sc.AllowedOutboundDomains, sc.NetworkOptions()...)),
			sandbox.WithRuntime(engine.RuntimeStarlark, sandbox.NewStarlarkRuntime(sc.MaxSteps)),
			sandbox.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox runtimes: %w", err)
		}
		a.inProcess = f
		a.closers = append(a.closers, f.Close)
		return f, nil
	}
}

// runnerArgs passes the sandbox limits to child runners, which start with
// an empty environment.
func runnerArgs(cfg *config.Config) []string {
	args := []string{
		fmt.Sprintf("--max-memory=%d", cfg.Pool.MaxMemoryBytes),
		fmt.Sprintf("--max-steps=%d", cfg.Sandbox.MaxSteps),
		fmt.Sprintf("--http-timeout=%s", cfg.Sandbox.HTTPTimeout),
		fmt.Sprintf("--max-response-bytes=%d", cfg.Sandbox.MaxResponseBytes),
		fmt.Sprintf("--log-level=%s", cfg.Telemetry.Logging.Level),
	}
	for _, d := range cfg.Sandbox.AllowedOutboundDomains {
		args = append(args, "--allowed-domain="+d)
	}
	return args
}

func (a *app) quotaStore(ctx context.Context) (quota.Store, error) {
	if a.cfg.Quota.Backend != config.QuotaBackendRedis {
		return quota.NewMemoryStore(), nil
	}
	store, err := quota.NewRedisStore(ctx, a.cfg.Quota.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect quota store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return store, nil
}

// Close stops components in reverse start order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
