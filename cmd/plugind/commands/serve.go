package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/plugind/pkg/api"
	"github.com/openfroyo/plugind/pkg/config"
	"github.com/openfroyo/plugind/pkg/sandbox"
)

const auditPruneInterval = 24 * time.Hour

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin execution service",
		Long: `Start the HTTP service. The service loads plugins from the configured
directory, reloads them on change, and serves execution and administration
routes until interrupted.`,
		Example: `  # Serve with defaults
  plugind serve

  # Serve with a config file on another address
  plugind serve -c plugind.yaml --listen :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen_address)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	gin.SetMode(gin.ReleaseMode)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	deps := api.Dependencies{
		Engine:   a.coord,
		Breakers: a.breakers,
		Quotas:   a.quotas,
		Cache:    a.cache,
	}
	if cfg.Telemetry.Metrics.Enabled {
		deps.Metrics = a.tel.Metrics.Handler()
	}
	if a.policy != nil {
		deps.Blocklist = a.policy
	}
	if a.audit != nil {
		deps.Audit = a.audit
	}
	server, err := api.New(cfg.Server, deps,
		api.WithLogger(a.logger),
		api.WithAuditSink(a.sink))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if cfg.Sandbox.WatchPlugins {
		watcher := sandbox.NewWatcher(cfg.Sandbox.PluginsDir, a.registry, a.coord.OnPluginReload,
			cfg.Sandbox.ReloadDelay, a.logger)
		g.Go(func() error {
			if err := watcher.Start(gctx); err != nil {
				return fmt.Errorf("plugin watcher: %w", err)
			}
			return nil
		})
	}
	if a.policy != nil && cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		g.Go(func() error {
			if err := a.policy.Watch(gctx, cfg.Policy.Paths); err != nil {
				return fmt.Errorf("policy watcher: %w", err)
			}
			return nil
		})
	}
	if a.audit != nil {
		g.Go(func() error {
			a.pruneAudit(gctx)
			ticker := time.NewTicker(auditPruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					a.pruneAudit(gctx)
				}
			}
		})
	}

	a.logger.Info().
		Str("listen_address", cfg.Server.ListenAddress).
		Str("isolation", cfg.Sandbox.Isolation).
		Msg("plugind started")

	err = g.Wait()
	a.logger.Info().Msg("plugind stopped")
	return err
}
