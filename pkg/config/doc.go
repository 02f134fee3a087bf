// Package config loads the plugind service configuration.
//
// # Layers
//
// Configuration is assembled in three layers, each overriding the previous:
//
//  1. Built-in defaults (Default).
//  2. An optional file. YAML and JSON files are decoded directly; CUE files
//     are first unified with an embedded schema, so type and range errors
//     are reported with file positions before anything is decoded.
//  3. Environment variables such as MAX_WORKERS, CACHE_TTL_MS or
//     ALLOWED_OUTBOUND_DOMAINS (see EnvVars).
//
// The result is validated with struct tags and cross-field rules.
//
// # Example
//
//	# plugind.yaml
//	server:
//	  listen_address: ":9090"
//	pool:
//	  min_workers: 4
//	  max_workers: 32
//	  default_timeout: 10s
//	quota:
//	  tiers:
//	    free: {daily: 50, concurrent: 1}
//	sandbox:
//	  allowed_outbound_domains: ["api.example.com", "*.example.org"]
//
// The same file in CUE:
//
//	server: listen_address: ":9090"
//	pool: {
//		min_workers:     4
//		max_workers:     32
//		default_timeout: "10s"
//	}
//	quota: tiers: free: {daily: 50, concurrent: 1}
//	sandbox: allowed_outbound_domains: ["api.example.com", "*.example.org"]
//
// Durations are Go duration strings in files and milliseconds in the
// environment.
package config
