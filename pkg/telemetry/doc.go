// Package telemetry is the observability stack of plugind: zerolog logging
// with file rotation, OpenTelemetry tracing, Prometheus metrics and the
// audit event publisher.
//
// # Logging
//
// NewTelemetry stamps every line with the service name, version and
// environment. RequestLogger adds the identity of one execution request and
// its trace ID, so a request can be followed from the API log line through
// the coordinator.
//
// # Metrics
//
// Metrics owns a private Prometheus registry. It implements the recorder
// interfaces of the result cache, the quota manager and the worker pool, so
// those components report into it without importing this package:
//
//	metrics, _ := telemetry.NewMetrics(cfg.Metrics)
//	c, _ := cache.New(cache.DefaultConfig(), cache.WithRecorder(metrics))
//	p, _ := pool.New(pool.DefaultConfig(), factory, pool.WithObserver(metrics))
//
// Executions are keyed by plugin, action and status. Snapshot gathers the
// registry into a JSON-friendly MetricsSnapshot for the stats endpoint, and
// Handler serves the Prometheus exposition format.
//
// # Audit events
//
// EventPublisher implements engine.AuditSink. Subscribers, such as the
// SQLite audit store, receive the events their filters accept in
// publication order:
//
//	events.Subscribe(func(ev engine.AuditEvent) {
//	    _ = store.AppendAuditEvent(ctx, &ev)
//	}, telemetry.FilterByLevel(engine.AuditLevelWarning))
//
// # Tracing
//
// Tracer exports spans over OTLP/gRPC or to stdout. The coordinator opens one
// span per request and one per execution attempt.
package telemetry
