// Package engine provides the core types and interfaces shared by the plugin
// execution engine.
//
// # Overview
//
// A request to run a plugin action flows through the execution coordinator:
//
//  1. Validate - check the request shape (ValidateRequest)
//  2. Admit - evaluate admission policies
//  3. Cache - return a cached result for an identical request
//  4. Quota - reserve a tenant execution slot
//  5. Circuit - consult the plugin's circuit breaker
//  6. Execute - run the plugin in a pooled Sandbox, retrying transient failures
//
// # Core Domain Types
//
//   - ExecutionRequest: what the caller asked for
//   - ExecutionResult: what the caller gets back
//   - ExecutableUnit: a loaded, verified plugin version
//   - Task: a unit of work handed to the worker pool
//   - AuditEvent: an append-only audit record
//
// # Errors
//
// Every failure surfaced to a caller is an *ExecError carrying an ErrorKind.
// Kinds are classified as transient (retried inside the engine), throttled
// (the caller may retry later) or permanent:
//
//	if engine.IsTransient(err) {
//	    // Timeout, WorkerCrashed or Network: retry with backoff
//	}
//
// # Collaborators
//
// The Sandbox, PluginLoader and AuditSink interfaces are the seams through
// which the engine runs code, resolves plugins and records audit events.
package engine
