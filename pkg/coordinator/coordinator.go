package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/plugind/pkg/breaker"
	"github.com/openfroyo/plugind/pkg/cache"
	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/policy"
	"github.com/openfroyo/plugind/pkg/pool"
	"github.com/openfroyo/plugind/pkg/quota"
	"github.com/openfroyo/plugind/pkg/telemetry"
)

// SystemActor is the actor recorded for events the engine causes itself.
const SystemActor = "system"

// Config configures retries.
type Config struct {
	// MaxAttempts is the total number of executions tried for one request.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=10"`

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" validate:"gte=0"`

	// BackoffMultiplier scales the delay after every retry.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier" validate:"gte=1"`

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff" validate:"gte=0"`
}

// DefaultConfig returns three attempts spaced 1s then 2s apart.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        4 * time.Second,
	}
}

// Admitter decides whether a request may run. *policy.Engine implements it.
type Admitter interface {
	Admit(ctx context.Context, input policy.Input) error
}

// Forgetter drops compiled code kept for a plugin checksum.
// *sandbox.InProcessFactory implements it.
type Forgetter interface {
	Forget(ctx context.Context, checksum string)
}

// Recorder receives execution metrics. *telemetry.Metrics implements it.
type Recorder interface {
	ExecutionStarted()
	RecordExecution(pluginID, action, status string, duration time.Duration, memoryBytes uint64, kind engine.ErrorKind)
	RecordRetry(pluginID string, kind engine.ErrorKind)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Components are the collaborators a Coordinator drives.
type Components struct {
	Loader   engine.PluginLoader
	Pool     *pool.Pool
	Cache    *cache.Cache
	Quotas   *quota.Manager
	Breakers *breaker.Registry
}

// Coordinator orchestrates execution requests.
type Coordinator struct {
	config   Config
	loader   engine.PluginLoader
	pool     *pool.Pool
	cache    *cache.Cache
	quotas   *quota.Manager
	breakers *breaker.Registry

	admitter  Admitter
	forgetter Forgetter
	audit     engine.AuditSink
	recorder  Recorder
	tracer    *telemetry.Tracer
	clock     engine.Clock
	sleep     SleepFunc
	logger    zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAdmitter sets the admission policy.
func WithAdmitter(a Admitter) Option {
	return func(c *Coordinator) {
		c.admitter = a
	}
}

// WithForgetter sets what is told to drop compiled code on plugin reload.
func WithForgetter(f Forgetter) Option {
	return func(c *Coordinator) {
		c.forgetter = f
	}
}

// WithAuditSink sets the audit log.
func WithAuditSink(sink engine.AuditSink) Option {
	return func(c *Coordinator) {
		c.audit = sink
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithClock overrides the time source.
func WithClock(clock engine.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithSleep overrides how the coordinator waits between attempts.
func WithSleep(sleep SleepFunc) Option {
	return func(c *Coordinator) {
		c.sleep = sleep
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger.With().Str("component", "coordinator").Logger()
	}
}

// New creates a coordinator. Every component is required.
func New(config Config, comps Components, opts ...Option) (*Coordinator, error) {
	if comps.Loader == nil || comps.Pool == nil || comps.Cache == nil || comps.Quotas == nil || comps.Breakers == nil {
		return nil, errors.New("coordinator requires a loader, pool, cache, quota manager and breaker registry")
	}
	if err := engine.Validator().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}

	c := &Coordinator{
		config:   config,
		loader:   comps.Loader,
		pool:     comps.Pool,
		cache:    comps.Cache,
		quotas:   comps.Quotas,
		breakers: comps.Breakers,
		recorder: nopRecorder{},
		clock:    engine.SystemClock{},
		sleep:    sleepContext,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		tracer, err := telemetry.NewTracer(telemetry.TracingConfig{}, "plugind", "", "")
		if err != nil {
			return nil, err
		}
		c.tracer = tracer
	}
	return c, nil
}

// execution is the per-request state.
type execution struct {
	req      engine.ExecutionRequest
	start    time.Time
	unit     *engine.ExecutableUnit
	attempts int
	memory   uint64
	cacheHit bool
}

// Execute runs req and returns its result. The result is never nil; on
// failure the returned error is the *engine.ExecError the result describes.
// Cancelling ctx does not stop an accepted request.
func (c *Coordinator) Execute(ctx context.Context, req *engine.ExecutionRequest) (*engine.ExecutionResult, error) {
	ctx = context.WithoutCancel(ctx)

	run := &execution{start: c.clock.Now()}
	if req != nil {
		run.req = *req
	}
	if run.req.RequestID == "" {
		run.req.RequestID = uuid.NewString()
	}
	if run.req.ReceivedAt.IsZero() {
		run.req.ReceivedAt = run.start
	}

	ctx, span := c.tracer.StartExecutionSpan(ctx, &run.req)
	defer span.End()

	c.recorder.ExecutionStarted()
	res, err := c.run(ctx, run)
	c.finish(ctx, run, res, err, span)
	return res, err
}

func (c *Coordinator) run(ctx context.Context, run *execution) (*engine.ExecutionResult, error) {
	req := &run.req
	if err := engine.ValidateRequest(req); err != nil {
		return c.failure(run, err)
	}

	timeout := c.pool.EffectiveTimeout(time.Duration(req.TimeoutMs) * time.Millisecond)

	if c.admitter != nil {
		if err := c.admitter.Admit(ctx, policy.InputFor(req, timeout, c.clock.Now())); err != nil {
			return c.failure(run, err)
		}
	}

	unit, err := c.loader.Load(ctx, req.PluginID, req.PluginVersion)
	if err != nil {
		var execErr *engine.ExecError
		if !errors.As(err, &execErr) {
			err = engine.NewInternalError("plugin loader failed", err).WithPlugin(req.PluginID)
		}
		return c.failure(run, err)
	}
	run.unit = unit
	if !unit.DeclaresAction(req.ActionName) {
		return c.failure(run, engine.NewValidationError(
			fmt.Sprintf("plugin %s@%s does not declare action %q", unit.PluginID, unit.Version, req.ActionName), nil).
			WithCode(engine.ErrCodeActionNotFound).
			WithPlugin(req.PluginID))
	}

	key, err := cache.DeriveKey(req.PluginID, req.ActionName, req.Params, unit.Version)
	if err != nil {
		return c.failure(run, engine.NewValidationError("params cannot be canonicalized", err).WithPlugin(req.PluginID))
	}
	if entry, ok := c.cache.Get(key); ok {
		res := entry.Value
		res.RequestID = req.RequestID
		res.CacheHit = true
		res.Attempt = 0
		res.ExecutionTimeMs = c.elapsed(run).Milliseconds()
		run.cacheHit = true
		return &res, nil
	}

	reservation, err := c.quotas.Reserve(ctx, req.TenantID, req.Tier)
	if err != nil {
		return c.failure(run, err)
	}
	defer func() {
		if err := reservation.Release(ctx); err != nil {
			c.logger.Error().Err(err).
				Str("tenant_id", req.TenantID).
				Str("request_id", req.RequestID).
				Msg("Failed to release quota reservation")
		}
	}()

	return c.executeWithRetry(ctx, run, key, timeout)
}

func (c *Coordinator) executeWithRetry(ctx context.Context, run *execution, key string, timeout time.Duration) (*engine.ExecutionResult, error) {
	req := &run.req
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     c.config.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          c.config.BackoffMultiplier,
		MaxInterval:         c.config.MaxBackoff,
	}
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		permit, err := c.breakers.Allow(req.PluginID)
		if err != nil {
			lastErr = err
			break
		}
		run.attempts = attempt

		res, err := c.attempt(ctx, run, permit, timeout)
		if err == nil {
			stored := *res
			stored.RequestID = ""
			c.cache.Put(key, req.PluginID, stored, 0)
			return res, nil
		}
		lastErr = err

		kind := engine.KindOf(err)
		c.emit(ctx, &engine.AuditEvent{
			Type:     engine.AuditAttemptFailed,
			ActorID:  req.ActorID,
			TargetID: req.PluginID,
			TenantID: req.TenantID,
			Level:    engine.AuditLevelWarning,
			Message:  fmt.Sprintf("attempt %d/%d failed: %s", attempt, c.config.MaxAttempts, kind),
			Metadata: map[string]interface{}{
				"requestId": req.RequestID,
				"attempt":   attempt,
				"errorKind": string(kind),
				"error":     engine.AsExecError(err).Message,
			},
		})

		if !engine.IsTransient(err) || attempt == c.config.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		c.recorder.RecordRetry(req.PluginID, kind)
		c.logger.Warn().
			Err(err).
			Str("request_id", req.RequestID).
			Str("plugin_id", req.PluginID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying after transient failure")

		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}

	return c.failure(run, lastErr)
}

// attempt runs one execution and settles permit.
func (c *Coordinator) attempt(ctx context.Context, run *execution, permit *breaker.Permit, timeout time.Duration) (*engine.ExecutionResult, error) {
	req := &run.req
	ctx, span := c.tracer.StartAttemptSpan(ctx, run.unit, run.attempts)
	defer span.End()

	sres, err := c.pool.Submit(ctx, &engine.Task{
		RequestID: req.RequestID,
		Unit:      run.unit,
		Action:    req.ActionName,
		Params:    req.Params,
		Secrets:   req.Secrets,
		Timeout:   timeout,
	})
	if err != nil {
		err = engine.AsExecError(err).WithAttempt(run.attempts)
		switch engine.KindOf(err) {
		case engine.KindOverloaded, engine.KindInternal, engine.KindValidation:
			permit.Abandon()
		default:
			permit.Failure()
		}
		telemetry.RecordError(span, err)
		return nil, err
	}

	permit.Success()
	telemetry.RecordSuccess(span)
	if sres.MemoryUsedBytes > run.memory {
		run.memory = sres.MemoryUsedBytes
	}
	return &engine.ExecutionResult{
		RequestID:       req.RequestID,
		Success:         true,
		Output:          sres.Output,
		ExecutionTimeMs: c.elapsed(run).Milliseconds(),
		MemoryUsedBytes: sres.MemoryUsedBytes,
		Attempt:         run.attempts,
		PluginVersion:   run.unit.Version,
	}, nil
}

// failure builds the result of a failed request.
func (c *Coordinator) failure(run *execution, err error) (*engine.ExecutionResult, error) {
	execErr := engine.AsExecError(err)
	res := &engine.ExecutionResult{
		RequestID:       run.req.RequestID,
		ErrorKind:       execErr.Kind,
		ErrorMessage:    execErr.Message,
		ExecutionTimeMs: c.elapsed(run).Milliseconds(),
		MemoryUsedBytes: run.memory,
		Attempt:         run.attempts,
		Retryable:       execErr.Kind.Retryable(),
	}
	if run.unit != nil {
		res.PluginVersion = run.unit.Version
	}
	if ra := execErr.RetryAfter; ra > 0 {
		res.RetryAfterMs = ra.Milliseconds()
		if res.RetryAfterMs == 0 {
			res.RetryAfterMs = 1
		}
	}
	return res, execErr
}

// finish records the terminal metrics, audit event and span status.
func (c *Coordinator) finish(ctx context.Context, run *execution, res *engine.ExecutionResult, err error, span trace.Span) {
	req := &run.req
	status := outcomeStatus(run, err)
	c.recorder.RecordExecution(req.PluginID, req.ActionName, status, c.elapsed(run), res.MemoryUsedBytes, res.ErrorKind)

	metadata := map[string]interface{}{
		"requestId":       req.RequestID,
		"actionName":      req.ActionName,
		"attempts":        run.attempts,
		"cacheHit":        run.cacheHit,
		"executionTimeMs": res.ExecutionTimeMs,
	}
	if res.PluginVersion != "" {
		metadata["pluginVersion"] = res.PluginVersion
	}

	event := &engine.AuditEvent{
		ActorID:  req.ActorID,
		TargetID: req.PluginID,
		TenantID: req.TenantID,
		Metadata: metadata,
	}

	log := telemetry.RequestLogger(ctx, c.logger, req)

	if err == nil {
		event.Type = engine.AuditExecutionCompleted
		event.Level = engine.AuditLevelInfo
		event.Message = "execution completed"
		log.Debug().Bool("cache_hit", run.cacheHit).Int("attempts", run.attempts).Msg("Execution completed")
	} else {
		execErr := engine.AsExecError(err)
		metadata["errorKind"] = string(execErr.Kind)
		metadata["retryable"] = res.Retryable
		if execErr.Code != "" {
			metadata["code"] = execErr.Code
		}
		event.Message = execErr.Message
		if status == telemetry.StatusRejected {
			event.Type = engine.AuditExecutionRejected
			event.Level = engine.AuditLevelWarning
			log.Info().Str("error_kind", string(execErr.Kind)).Msg("Execution rejected")
		} else {
			event.Type = engine.AuditExecutionFailed
			event.Level = engine.AuditLevelError
			log.Warn().Err(err).Int("attempts", run.attempts).Msg("Execution failed")
		}
	}
	telemetry.EndExecutionSpan(span, res, err)
	c.emit(ctx, event)
}

// outcomeStatus classifies a finished request for metrics and audit.
// Requests turned away before any execution attempt are rejections.
func outcomeStatus(run *execution, err error) string {
	switch {
	case err == nil && run.cacheHit:
		return telemetry.StatusCacheHit
	case err == nil:
		return telemetry.StatusSuccess
	case run.attempts == 0 && engine.KindOf(err) != engine.KindInternal:
		return telemetry.StatusRejected
	default:
		return telemetry.StatusFailure
	}
}

func (c *Coordinator) elapsed(run *execution) time.Duration {
	return c.clock.Now().Sub(run.start)
}

func (c *Coordinator) emit(ctx context.Context, event *engine.AuditEvent) {
	if c.audit == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = c.clock.Now().UTC()
	}
	if err := c.audit.Record(ctx, event); err != nil {
		c.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to record audit event")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopRecorder struct{}

func (nopRecorder) ExecutionStarted() {}

func (nopRecorder) RecordExecution(string, string, string, time.Duration, uint64, engine.ErrorKind) {}

func (nopRecorder) RecordRetry(string, engine.ErrorKind) {}
