package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/plugind/pkg/engine"
)

// Config selects how plugind logs, traces, counts and audits executions.
type Config struct {
	ServiceName    string `json:"service_name" yaml:"service_name" validate:"required"`
	ServiceVersion string `json:"service_version" yaml:"service_version" validate:"required"`
	Environment    string `json:"environment" yaml:"environment"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Events  EventsConfig  `json:"events" yaml:"events"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `json:"format" yaml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format" validate:"omitempty,oneof=unix unixms rfc3339"`

	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// With sampling on, each second logs the first SamplingInitial
	// trace, debug and info lines and then every SamplingThereafter-th.
	EnableSampling     bool `json:"enable_sampling" yaml:"enable_sampling"`
	SamplingInitial    int  `json:"sampling_initial" yaml:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `json:"sampling_thereafter" yaml:"sampling_thereafter" validate:"gte=0"`

	// Rotation applies when Output is a file.
	Rotation RotationConfig `json:"rotation" yaml:"rotation"`
}

// RotationConfig bounds the size and age of log files.
type RotationConfig struct {
	MaxSizeMB  int  `json:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int  `json:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int  `json:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
	Compress   bool `json:"compress" yaml:"compress"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Exporter is otlp, stdout or none. With none, spans are sampled and
	// propagated but never leave the process.
	Exporter string `json:"exporter" yaml:"exporter"`

	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Insecure bool              `json:"insecure" yaml:"insecure"`

	SamplingRate       float64       `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int           `json:"max_export_batch_size" yaml:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration `json:"export_timeout" yaml:"export_timeout" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`

	// DefaultHistogramBuckets are the execution latency buckets in seconds.
	DefaultHistogramBuckets []float64 `json:"default_histogram_buckets,omitempty" yaml:"default_histogram_buckets,omitempty"`
}

// EventsConfig configures the audit event publisher.
type EventsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// BufferSize bounds the events queued for async delivery.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// EnableAsync delivers events from a background goroutine so a slow
	// subscriber never holds up an execution.
	EnableAsync bool `json:"enable_async" yaml:"enable_async"`
}

// DefaultConfig is the configuration used when nothing is set: console
// logs on stderr, metrics and async audit events on, tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "plugind",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			TimeFormat:         "rfc3339",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			Rotation: RotationConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 30,
			},
		},
		Tracing: TracingConfig{
			Exporter:           "otlp",
			Endpoint:           "localhost:4317",
			Insecure:           true,
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "plugind",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// ForEnvironment returns DefaultConfig tuned for env. "production" switches
// to sampled JSON logs and 10% trace sampling over TLS, "development" to
// debug logs with callers and spans printed to stdout.
func ForEnvironment(env string) *Config {
	cfg := DefaultConfig()
	cfg.Environment = env
	switch env {
	case "production":
		cfg.Logging.Format = "json"
		cfg.Logging.TimeFormat = "unixms"
		cfg.Logging.EnableSampling = true
		cfg.Tracing.Enabled = true
		cfg.Tracing.SamplingRate = 0.1
		cfg.Tracing.Insecure = false
	case "development":
		cfg.Logging.Level = "debug"
		cfg.Logging.EnableCaller = true
		cfg.Tracing.Exporter = "stdout"
	}
	return cfg
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if err := engine.Validator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fieldError(fe))
		}
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp":
			if c.Tracing.Endpoint == "" {
				errs = append(errs, errors.New("tracing.endpoint: required by the otlp exporter"))
			}
		case "stdout", "none":
		default:
			errs = append(errs, fmt.Errorf("tracing.exporter: unsupported exporter %q", c.Tracing.Exporter))
		}
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("events.buffer_size: must be positive, got %d", c.Events.BufferSize))
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s: required", path)
	case "oneof":
		return fmt.Errorf("%s: %q is not one of %s", path, fe.Value(), fe.Param())
	default:
		return fmt.Errorf("%s: failed %s=%s", path, fe.Tag(), fe.Param())
	}
}
