// Package policy admits execution requests with Open Policy Agent.
//
// Every request is evaluated against a set of Rego modules before any
// plugin is loaded or quota is charged. Each module defines a "deny" set in
// its own package; an element is either a message string or an object:
//
//	deny contains violation if {
//		input.request.tier == "free"
//		input.request.secret_names[_] == "prod_db"
//		violation := {"message": "free tier may not use prod_db", "severity": "error"}
//	}
//
// Violations with severity "error" or "critical" deny the request with a
// PolicyDeniedError; lower severities are reported as warnings.
//
// # Input
//
// Policies see the request as input.request (plugin_id, plugin_version,
// action, tenant_id, actor_id, tier, timeout_ms, params_bytes,
// secret_names) and evaluation context as input.context.
//
// # Data
//
// Operator data lives under data.plugind:
//
//   - data.plugind.limits.tier_timeouts_ms maps a tier to its timeout ceiling
//   - data.plugind.limits.max_params_bytes caps the encoded params size
//   - data.plugind.blocklist is a set of blocked plugin IDs
//
// The blocklist and limits can change at runtime through Block, Unblock and
// SetLimits without recompiling policies.
//
// # Built-in Policies
//
//   - plugin-blocklist: denies blocked plugins
//   - tier-timeouts: denies timeouts above the tier ceiling
//   - params-size: denies oversized params
//
// # Custom Policies
//
// Additional .rego files (and JSON policy definitions) are loaded with
// LoadPolicies and kept current with Watch, which uses fsnotify and
// debounces bursts of changes. A reload replaces all loaded policies
// atomically; built-ins cannot be overridden.
package policy
