package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// Telemetry is the observability stack of one plugind process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry validates cfg and builds every part of the stack. On error
// nothing is left running.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger.withService(cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		_ = events.Shutdown(context.Background())
		_ = logger.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Shutdown drains audit events, flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	err := errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
	if dropped := t.Events.Dropped(); dropped > 0 {
		t.Logger.zlog.Warn().Uint64("dropped", dropped).Msg("Audit events were dropped while the queue was full")
	}
	return errors.Join(err, t.Logger.Close())
}
