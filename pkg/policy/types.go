package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not deny admission.
	SeverityWarning Severity = "warning"

	// SeverityError denies admission.
	SeverityError Severity = "error"

	// SeverityCritical denies admission.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of severity s denies admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module must
// define a "deny" set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine. They survive reloads.
	Builtin bool `json:"builtin"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains additional violation details.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Decision is the outcome of admission.
type Decision struct {
	// Allowed indicates if the request may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations and evaluation failures that did not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as "input".
type Input struct {
	Request RequestInput `json:"request"`
	Context ContextInput `json:"context"`
}

// RequestInput describes the request under admission.
type RequestInput struct {
	PluginID      string   `json:"plugin_id"`
	PluginVersion string   `json:"plugin_version,omitempty"`
	Action        string   `json:"action"`
	TenantID      string   `json:"tenant_id"`
	ActorID       string   `json:"actor_id"`
	Tier          string   `json:"tier"`
	TimeoutMs     int64    `json:"timeout_ms"`
	ParamsBytes   int      `json:"params_bytes"`
	SecretNames   []string `json:"secret_names,omitempty"`
}

// ContextInput carries evaluation context.
type ContextInput struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// Limits is the data document the built-in policies read from
// data.plugind.limits.
type Limits struct {
	// TierTimeoutsMs caps the requested timeout per tier. A tier without an
	// entry is unbounded here; the coordinator still clamps to its maximum.
	TierTimeoutsMs map[string]int64 `json:"tier_timeouts_ms" yaml:"tier_timeouts_ms"`

	// MaxParamsBytes caps the encoded size of request params. Zero disables
	// the check.
	MaxParamsBytes int64 `json:"max_params_bytes" yaml:"max_params_bytes"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		TierTimeoutsMs: map[string]int64{
			"free":       10_000,
			"pro":        30_000,
			"enterprise": 60_000,
		},
		MaxParamsBytes: 1 << 20,
	}
}
