package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openfroyo/plugind/pkg/engine"
)

// Logger owns the process-wide zerolog logger and, when logging to a file,
// the rotating file behind it.
type Logger struct {
	zlog zerolog.Logger
	file io.Closer
}

// NewLogger builds a logger writing to cfg.Output. Any value other than
// stdout or stderr is a file path, rotated by size.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var (
		out  io.Writer
		file io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		rotating := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.Rotation.MaxSizeMB,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAgeDays,
			Compress:   cfg.Rotation.Compress,
		}
		out, file = rotating, rotating
	}
	l := NewLoggerWithWriter(out, cfg)
	l.file = file
	return l, nil
}

// NewLoggerWithWriter builds a logger writing to w. cfg.Output is ignored.
func NewLoggerWithWriter(w io.Writer, cfg LoggingConfig) *Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)

	zctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	// Warnings and errors are never sampled.
	if cfg.EnableSampling {
		burst := &zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		}
		zlog = zlog.Sample(zerolog.LevelSampler{
			TraceSampler: burst,
			DebugSampler: burst,
			InfoSampler:  burst,
		})
	}
	return &Logger{zlog: zlog}
}

func timeFieldFormat(name string) string {
	switch name {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	default:
		return time.RFC3339
	}
}

// ParseLevel maps a level name to a zerolog level. Unknown names mean info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return l
}

// Zerolog returns the configured logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// withService stamps every line with the service identity.
func (l *Logger) withService(name, version, environment string) {
	l.zlog = l.zlog.With().
		Str("service", name).
		Str("version", version).
		Str("env", environment).
		Logger()
}

// Close closes the log file, if there is one.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// RequestLogger returns base annotated with the identity of one execution
// request and, when ctx carries a sampled span, its trace ID.
func RequestLogger(ctx context.Context, base zerolog.Logger, req *engine.ExecutionRequest) zerolog.Logger {
	zctx := base.With().
		Str("request_id", req.RequestID).
		Str("plugin_id", req.PluginID).
		Str("action", req.ActionName).
		Str("tenant_id", req.TenantID).
		Str("actor_id", req.ActorID)
	if req.PluginVersion != "" {
		zctx = zctx.Str("plugin_version", req.PluginVersion)
	}
	if id := TraceID(ctx); id != "" {
		zctx = zctx.Str("trace_id", id)
	}
	return zctx.Logger()
}
