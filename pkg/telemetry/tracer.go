package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openfroyo/plugind/pkg/engine"
)

const instrumentationName = "github.com/openfroyo/plugind"

// Span names.
const (
	spanExecution = "plugind.execute"
	spanAttempt   = "plugind.attempt"
)

// Span attribute keys.
var (
	AttrRequestID     = attribute.Key("plugind.request_id")
	AttrPluginID      = attribute.Key("plugind.plugin.id")
	AttrPluginVersion = attribute.Key("plugind.plugin.version")
	AttrRuntime       = attribute.Key("plugind.plugin.runtime")
	AttrAction        = attribute.Key("plugind.action")
	AttrTenantID      = attribute.Key("plugind.tenant.id")
	AttrTier          = attribute.Key("plugind.tenant.tier")
	AttrAttempt       = attribute.Key("plugind.attempt")
	AttrCacheHit      = attribute.Key("plugind.cache_hit")
	AttrErrorKind     = attribute.Key("plugind.error.kind")
)

// Tracer opens the request and attempt spans of the execution path.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer. When tracing is disabled spans are still
// created, so callers never branch, but nothing is sampled.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return newTracer(sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))), nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		semconv.DeploymentEnvironmentKey.String(environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		var batch []sdktrace.BatchSpanProcessorOption
		if cfg.MaxExportBatchSize > 0 {
			batch = append(batch, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
		}
		if cfg.ExportTimeout > 0 {
			batch = append(batch, sdktrace.WithExportTimeout(cfg.ExportTimeout))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return newTracer(provider), nil
}

func newTracer(provider *sdktrace.TracerProvider) *Tracer {
	return &Tracer{provider: provider, tracer: provider.Tracer(instrumentationName)}
}

// newSpanExporter returns nil for the "none" exporter.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
}

// Start opens a span under ctx.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartExecutionSpan opens the span covering one request, from admission
// to the final result.
func (t *Tracer) StartExecutionSpan(ctx context.Context, req *engine.ExecutionRequest) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanExecution,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrRequestID.String(req.RequestID),
			AttrPluginID.String(req.PluginID),
			AttrAction.String(req.ActionName),
			AttrTenantID.String(req.TenantID),
			AttrTier.String(string(req.Tier)),
		))
}

// StartAttemptSpan opens the span covering one sandbox run of unit.
func (t *Tracer) StartAttemptSpan(ctx context.Context, unit *engine.ExecutableUnit, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanAttempt, trace.WithAttributes(
		AttrPluginID.String(unit.PluginID),
		AttrPluginVersion.String(unit.Version),
		AttrRuntime.String(string(unit.Runtime)),
		AttrAttempt.Int(attempt),
	))
}

// EndExecutionSpan records the outcome of a request on its span. It does
// not end the span.
func EndExecutionSpan(span trace.Span, res *engine.ExecutionResult, err error) {
	if res != nil {
		span.SetAttributes(
			AttrCacheHit.Bool(res.CacheHit),
			AttrAttempt.Int(res.Attempt),
		)
		if res.PluginVersion != "" {
			span.SetAttributes(AttrPluginVersion.String(res.PluginVersion))
		}
	}
	if err != nil {
		span.SetAttributes(AttrErrorKind.String(string(engine.KindOf(err))))
		RecordError(span, err)
		return
	}
	RecordSuccess(span)
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes buffered spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace ID of the sampled span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return ""
	}
	return sc.TraceID().String()
}
