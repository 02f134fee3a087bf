package engine

import (
	"encoding/json"
	"time"
)

// Tier is a named quota profile bounding daily and concurrent executions.
type Tier string

const (
	// TierFree is the default tier.
	TierFree Tier = "free"

	// TierPro is the paid tier.
	TierPro Tier = "pro"

	// TierEnterprise has no daily limit.
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// ExecutionRequest is a request to run one plugin action. It is immutable
// once accepted by the coordinator.
type ExecutionRequest struct {
	// RequestID correlates logs, audit events and the response.
	RequestID string `json:"requestId,omitempty"`

	// PluginID identifies the plugin to run.
	PluginID string `json:"pluginId" validate:"required,max=128,identifier"`

	// ActionName is the entry point inside the plugin.
	ActionName string `json:"actionName" validate:"required,max=128,identifier"`

	// Params are the action inputs. They participate in the cache key.
	Params map[string]interface{} `json:"params,omitempty"`

	// Secrets are made available to plugin code on request. They are never
	// logged, cached or serialized.
	Secrets map[string]string `json:"-"`

	// TenantID is the tenant whose quota is charged.
	TenantID string `json:"tenantId" validate:"required,max=128,identifier"`

	// ActorID is the principal recorded in audit events.
	ActorID string `json:"actorId" validate:"required,max=256"`

	// Tier is the tenant's quota profile.
	Tier Tier `json:"tier" validate:"required,oneof=free pro enterprise"`

	// TimeoutMs is the requested wall-clock budget. Zero selects the default.
	TimeoutMs int64 `json:"timeoutMs,omitempty" validate:"gte=0"`

	// PluginVersion pins a version or constraint. Empty selects the latest.
	PluginVersion string `json:"pluginVersion,omitempty" validate:"max=64"`

	// ReceivedAt is when the request entered the engine.
	ReceivedAt time.Time `json:"receivedAt"`
}

// ExecutionResult is the outcome returned to the caller. The coordinator may
// produce several attempt-level results internally before returning one.
type ExecutionResult struct {
	// RequestID echoes the request.
	RequestID string `json:"requestId,omitempty"`

	// Success is true when Output holds the plugin's return value.
	Success bool `json:"success"`

	// Output is the plugin's JSON output.
	Output json.RawMessage `json:"output,omitempty"`

	// ErrorKind classifies the failure when Success is false.
	ErrorKind ErrorKind `json:"errorKind,omitempty"`

	// ErrorMessage describes the failure when Success is false.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// ExecutionTimeMs is the time spent on the request inside the engine.
	ExecutionTimeMs int64 `json:"executionTimeMs"`

	// MemoryUsedBytes is the peak memory reported by the sandbox.
	MemoryUsedBytes uint64 `json:"memoryUsedBytes,omitempty"`

	// CacheHit is true when the result came from the result cache.
	CacheHit bool `json:"cacheHit"`

	// Attempt is the number of execution attempts made.
	Attempt int `json:"attempt"`

	// PluginVersion is the concrete version that served the request.
	PluginVersion string `json:"pluginVersion,omitempty"`

	// Retryable tells callers whether a retry may succeed.
	Retryable bool `json:"retryable"`

	// RetryAfterMs is a retry hint for throttled failures.
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
}

// Runtime names the interpreter used for a plugin.
type Runtime string

const (
	// RuntimeStarlark runs Starlark scripts.
	RuntimeStarlark Runtime = "starlark"

	// RuntimeWASM runs WebAssembly modules.
	RuntimeWASM Runtime = "wasm"
)

// Capability is a permission granted to plugin code.
type Capability string

const (
	// CapabilityNetOutbound allows outbound HTTP to allowlisted domains.
	CapabilityNetOutbound Capability = "net:outbound"

	// CapabilitySecretsRead allows plugin code to read request secrets.
	CapabilitySecretsRead Capability = "secrets:read"
)

// ExecutableUnit is a loaded, verified plugin version ready to execute.
type ExecutableUnit struct {
	// PluginID identifies the plugin.
	PluginID string `json:"pluginId"`

	// Version is the concrete semantic version.
	Version string `json:"version"`

	// Runtime selects the interpreter.
	Runtime Runtime `json:"runtime"`

	// Code is the script source or module bytes.
	Code []byte `json:"code"`

	// Checksum is the hex sha256 of Code.
	Checksum string `json:"checksum"`

	// Capabilities are the permissions granted to the plugin.
	Capabilities []Capability `json:"capabilities,omitempty"`

	// AllowedDomains narrows the service-wide outbound allowlist.
	AllowedDomains []string `json:"allowedDomains,omitempty"`

	// Actions lists the declared entry points. Empty means any.
	Actions []string `json:"actions,omitempty"`
}

// HasCapability reports whether the unit was granted c.
func (u *ExecutableUnit) HasCapability(c Capability) bool {
	for _, granted := range u.Capabilities {
		if granted == c {
			return true
		}
	}
	return false
}

// DeclaresAction reports whether action is a declared entry point.
func (u *ExecutableUnit) DeclaresAction(action string) bool {
	if len(u.Actions) == 0 {
		return true
	}
	for _, a := range u.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Task is a unit of work submitted to the worker pool.
type Task struct {
	// RequestID correlates the task with its request.
	RequestID string `json:"requestId"`

	// Unit is the plugin to run.
	Unit *ExecutableUnit `json:"unit"`

	// Action is the entry point to call.
	Action string `json:"action"`

	// Params are the action inputs.
	Params map[string]interface{} `json:"params,omitempty"`

	// Secrets are readable by plugins holding secrets:read.
	Secrets map[string]string `json:"secrets,omitempty"`

	// Timeout is the wall-clock budget, measured from submission.
	Timeout time.Duration `json:"timeout"`

	// MaxMemoryBytes is the memory ceiling for the execution.
	MaxMemoryBytes uint64 `json:"maxMemoryBytes"`
}

// SandboxResult is what a sandbox returns for a successful execution.
type SandboxResult struct {
	// Output is the plugin's JSON output.
	Output json.RawMessage `json:"output"`

	// MemoryUsedBytes is the peak memory observed.
	MemoryUsedBytes uint64 `json:"memoryUsedBytes"`

	// Duration is the time spent inside the sandbox.
	Duration time.Duration `json:"duration"`
}

// AuditEventType names an audit event.
type AuditEventType string

const (
	AuditExecutionCompleted AuditEventType = "execution.completed"
	AuditExecutionFailed    AuditEventType = "execution.failed"
	AuditExecutionRejected  AuditEventType = "execution.rejected"
	AuditAttemptFailed      AuditEventType = "execution.attempt_failed"
	AuditCircuitChanged     AuditEventType = "circuit.state_changed"
	AuditCacheInvalidated   AuditEventType = "cache.invalidated"
	AuditPluginReloaded     AuditEventType = "plugin.reloaded"
	AuditPolicyChanged      AuditEventType = "policy.blocklist_changed"
)

// Audit event levels.
const (
	AuditLevelInfo    = "info"
	AuditLevelWarning = "warning"
	AuditLevelError   = "error"
)

// AuditEvent is one append-only audit log entry.
type AuditEvent struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type.
	Type AuditEventType `json:"type"`

	// ActorID is the principal that caused the event.
	ActorID string `json:"actorId"`

	// TargetID is the object acted upon, usually a plugin ID.
	TargetID string `json:"targetId"`

	// TenantID is the tenant involved, if any.
	TenantID string `json:"tenantId,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Level is the event severity: info, warning or error.
	Level string `json:"level,omitempty"`

	// Message is a human-readable summary.
	Message string `json:"message,omitempty"`

	// Metadata holds event-specific fields.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
