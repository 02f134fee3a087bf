// Package api serves the plugind HTTP interface on gin.
//
// Execution:
//
//	POST /execute                       run one plugin action
//
// Observability:
//
//	GET  /health                        pool, cache, host memory and CPU
//	GET  /live, /ready                  liveness and readiness probes
//	GET  /metrics                       Prometheus exposition
//	GET  /stats                         pool, cache, breaker and quota snapshot
//	GET  /breakers[/:pluginId]          circuit breaker state
//
// Administration (bearer token when configured):
//
//	POST   /cache/clear
//	POST   /cache/invalidate/:pluginId
//	POST   /breakers/:pluginId/reset
//	GET    /quota/:tenantId
//	GET    /policy/blocklist
//	POST   /policy/blocklist/:pluginId
//	DELETE /policy/blocklist/:pluginId
//	GET    /audit
//
// Failed executions are answered with the status of their error kind:
// 400 validation, 403 policy, 429 quota or open circuit (with Retry-After),
// 503 overloaded and 500 otherwise. The body is always the execution result
// carrying errorKind and retryable.
package api
