// Package coordinator runs one execution request end to end.
//
// A request moves through validation, admission policy, plugin resolution,
// the result cache, tenant quota and the plugin's circuit breaker before it
// reaches the worker pool. Transient failures (timeouts, crashed workers and
// failed outbound calls) are retried with exponential backoff; each retry
// asks the breaker again but keeps the quota reservation taken for the
// request. Every request ends with exactly one ExecutionResult, one audit
// event and, when a reservation was taken, one quota release.
//
// Once accepted, a request runs detached from the caller's context. A caller
// that goes away loses the response, but the execution still completes and
// settles its quota, cache and breaker state.
package coordinator
