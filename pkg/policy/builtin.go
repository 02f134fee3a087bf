package policy

import (
	"time"
)

// BuiltinPolicies returns the admission policies shipped with the engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		pluginBlocklistPolicy(),
		tierTimeoutPolicy(),
		paramsSizePolicy(),
	}
}

// pluginBlocklistPolicy denies plugins an operator has blocked.
func pluginBlocklistPolicy() Policy {
	return Policy{
		Name:        "plugin-blocklist",
		Description: "Denies execution of plugins on the operator blocklist",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"plugins", "operations"},
		UpdatedAt:   time.Now(),
		Rego: `package plugind.admission.blocklist

import rego.v1

deny contains violation if {
	data.plugind.blocklist[input.request.plugin_id]
	violation := {
		"message": sprintf("plugin %s is blocked", [input.request.plugin_id]),
		"severity": "critical",
	}
}
`,
	}
}

// tierTimeoutPolicy caps requested timeouts per tier.
func tierTimeoutPolicy() Policy {
	return Policy{
		Name:        "tier-timeouts",
		Description: "Denies timeouts above the ceiling of the tenant's tier",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"quota", "tiers"},
		UpdatedAt:   time.Now(),
		Rego: `package plugind.admission.timeouts

import rego.v1

deny contains violation if {
	ceiling := data.plugind.limits.tier_timeouts_ms[input.request.tier]
	input.request.timeout_ms > ceiling
	violation := {
		"message": sprintf("timeout of %vms exceeds the %s tier ceiling of %vms", [input.request.timeout_ms, input.request.tier, ceiling]),
		"severity": "error",
		"details": {"tier": input.request.tier, "ceiling_ms": ceiling},
	}
}
`,
	}
}

// paramsSizePolicy caps the encoded size of request params.
func paramsSizePolicy() Policy {
	return Policy{
		Name:        "params-size",
		Description: "Denies requests whose params exceed the configured size",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"limits"},
		UpdatedAt:   time.Now(),
		Rego: `package plugind.admission.params

import rego.v1

deny contains violation if {
	limit := data.plugind.limits.max_params_bytes
	limit > 0
	input.request.params_bytes > limit
	violation := {
		"message": sprintf("params of %v bytes exceed the limit of %v bytes", [input.request.params_bytes, limit]),
		"severity": "error",
	}
}
`,
	}
}
