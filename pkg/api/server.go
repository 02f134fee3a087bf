package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plugind/pkg/breaker"
	"github.com/openfroyo/plugind/pkg/coordinator"
	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/quota"
	"github.com/openfroyo/plugind/pkg/stores"
)

// Config configures the HTTP server.
type Config struct {
	ListenAddress string `json:"listen_address" yaml:"listen_address" validate:"required"`

	// AdminToken is the bearer token required by the administrative
	// endpoints. Empty leaves them open.
	AdminToken string `json:"-" yaml:"admin_token"`

	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout" validate:"gte=0"`

	// WriteTimeout bounds a whole response. Zero disables it, which suits
	// long plugin timeouts.
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `json:"max_body_bytes" yaml:"max_body_bytes" validate:"gt=0"`

	// Host memory and CPU usage above these percentages report degraded
	// health.
	MemoryDegradedPercent float64 `json:"memory_degraded_percent" yaml:"memory_degraded_percent" validate:"gt=0,lte=100"`
	CPUDegradedPercent    float64 `json:"cpu_degraded_percent" yaml:"cpu_degraded_percent" validate:"gt=0,lte=100"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddress:         ":8080",
		ReadTimeout:           30 * time.Second,
		ShutdownTimeout:       30 * time.Second,
		MaxBodyBytes:          2 << 20,
		MemoryDegradedPercent: 90,
		CPUDegradedPercent:    95,
	}
}

// Engine is the execution surface served by the API. It is implemented by
// *coordinator.Coordinator.
type Engine interface {
	Execute(ctx context.Context, req *engine.ExecutionRequest) (*engine.ExecutionResult, error)
	Stats(ctx context.Context) (coordinator.Stats, error)
	InvalidatePlugin(ctx context.Context, actorID, pluginID string) int
	ClearCache(ctx context.Context, actorID string) int
	ResetBreaker(pluginID string) bool
}

// BreakerReader exposes circuit breaker state.
type BreakerReader interface {
	Snapshot() []breaker.Snapshot
	Lookup(pluginID string) (breaker.Snapshot, bool)
}

// QuotaReader exposes tenant quota records.
type QuotaReader interface {
	Snapshot(ctx context.Context, tenantID string) (quota.Record, bool, error)
}

// Prober reports whether a component responds.
type Prober interface {
	Probe(ctx context.Context) error
}

// Blocklist manages denied plugin IDs.
type Blocklist interface {
	Block(ctx context.Context, pluginID string) error
	Unblock(ctx context.Context, pluginID string) error
	Blocklist(ctx context.Context) ([]string, error)
}

// AuditStore reads the persistent audit log.
type AuditStore interface {
	ListAuditEvents(ctx context.Context, filter stores.AuditFilter) ([]*engine.AuditEvent, error)
	HealthCheck(ctx context.Context) error
}

// Dependencies are the components behind the routes. Engine, Breakers,
// Quotas and Cache are required.
type Dependencies struct {
	Engine   Engine
	Breakers BreakerReader
	Quotas   QuotaReader
	Cache    Prober

	// Blocklist enables the /policy/blocklist routes.
	Blocklist Blocklist

	// Audit enables GET /audit.
	Audit AuditStore

	// Metrics serves GET /metrics.
	Metrics http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With().Str("component", "api").Logger()
	}
}

// WithHostProbe replaces the host resource probe used by /health.
func WithHostProbe(p HostProbe) Option {
	return func(s *Server) {
		s.host = p
	}
}

// WithAuditSink records administrative actions.
func WithAuditSink(sink engine.AuditSink) Option {
	return func(s *Server) {
		s.sink = sink
	}
}

// Server is the plugind HTTP API.
type Server struct {
	config   Config
	deps     Dependencies
	logger   zerolog.Logger
	host     HostProbe
	sink     engine.AuditSink
	health   healthcheck.Handler
	router   *gin.Engine
	server   *http.Server
	draining atomic.Bool
}

// New builds the router. Nothing listens until Run.
func New(config Config, deps Dependencies, opts ...Option) (*Server, error) {
	if err := engine.Validator().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	switch {
	case deps.Engine == nil:
		return nil, errors.New("api: engine is required")
	case deps.Breakers == nil:
		return nil, errors.New("api: breaker reader is required")
	case deps.Quotas == nil:
		return nil, errors.New("api: quota reader is required")
	case deps.Cache == nil:
		return nil, errors.New("api: cache prober is required")
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: zerolog.Nop(),
		host:   SystemHost{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.health = s.newHealthChecks()
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(s.recovery(), requestID(), s.accessLog())

	router.GET("/health", s.handleHealth)
	router.GET("/live", gin.WrapF(s.health.LiveEndpoint))
	router.GET("/ready", gin.WrapF(s.health.ReadyEndpoint))
	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	router.POST("/execute", s.limitBody(), s.handleExecute)
	router.GET("/stats", s.handleStats)
	router.GET("/breakers", s.handleListBreakers)
	router.GET("/breakers/:pluginId", s.handleGetBreaker)

	admin := router.Group("", s.adminAuth())
	{
		admin.POST("/cache/clear", s.handleClearCache)
		admin.POST("/cache/invalidate/:pluginId", s.handleInvalidate)
		admin.POST("/breakers/:pluginId/reset", s.handleResetBreaker)
		admin.GET("/quota/:tenantId", s.handleQuota)

		if s.deps.Blocklist != nil {
			admin.GET("/policy/blocklist", s.handleListBlocklist)
			admin.POST("/policy/blocklist/:pluginId", s.handleBlock)
			admin.DELETE("/policy/blocklist/:pluginId", s.handleUnblock)
		}
		if s.deps.Audit != nil {
			admin.GET("/audit", s.handleAudit)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		writeError(c, engine.NewValidationError("no such route: "+c.Request.Method+" "+c.Request.URL.Path, nil).
			WithCode(ErrCodeNotFound), http.StatusNotFound)
	})
	return router
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetDraining makes /ready fail so load balancers stop routing new
// requests while in-flight ones finish.
func (s *Server) SetDraining(draining bool) {
	s.draining.Store(draining)
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", ln.Addr().String()).Msg("HTTP API listening")
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.SetDraining(true)
	s.logger.Info().Dur("timeout", s.config.ShutdownTimeout).Msg("Shutting down HTTP API")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
