package engine

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind is the machine-readable failure category surfaced to callers.
type ErrorKind string

const (
	// KindValidation marks a malformed request. Never retried.
	KindValidation ErrorKind = "ValidationError"

	// KindPolicyDenied marks a request rejected by an admission policy.
	KindPolicyDenied ErrorKind = "PolicyDeniedError"

	// KindQuotaExceeded marks a tenant over its daily or concurrency limit.
	KindQuotaExceeded ErrorKind = "QuotaExceededError"

	// KindCircuitOpen marks a plugin whose circuit breaker is open.
	KindCircuitOpen ErrorKind = "CircuitOpenError"

	// KindOverloaded marks a request rejected because the worker queue is full.
	KindOverloaded ErrorKind = "OverloadedError"

	// KindTimeout marks an execution that exceeded its wall-clock budget.
	KindTimeout ErrorKind = "TimeoutError"

	// KindWorkerCrashed marks an execution whose worker died mid-task.
	KindWorkerCrashed ErrorKind = "WorkerCrashedError"

	// KindNetwork marks a failed outbound call made by plugin code.
	KindNetwork ErrorKind = "NetworkError"

	// KindResourceExceeded marks an execution that breached its memory ceiling.
	KindResourceExceeded ErrorKind = "ResourceExceededError"

	// KindExecution marks a logical error raised by plugin code.
	KindExecution ErrorKind = "ExecutionError"

	// KindInternal marks a failure inside the engine itself.
	KindInternal ErrorKind = "InternalError"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting, quota exhaustion or backpressure.
	// The caller may retry later; the engine does not.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Class returns the retry classification of the kind.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindTimeout, KindWorkerCrashed, KindNetwork:
		return ErrorClassTransient
	case KindQuotaExceeded, KindCircuitOpen, KindOverloaded:
		return ErrorClassThrottled
	default:
		return ErrorClassPermanent
	}
}

// Retryable reports whether a caller may reasonably retry a request that
// failed with this kind.
func (k ErrorKind) Retryable() bool {
	c := k.Class()
	return c == ErrorClassTransient || c == ErrorClassThrottled
}

// HTTPStatus maps the kind onto the status code returned by the API.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindPolicyDenied:
		return http.StatusForbidden
	case KindQuotaExceeded, KindCircuitOpen:
		return http.StatusTooManyRequests
	case KindOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ExecError represents a classified execution error with context.
type ExecError struct {
	// Kind is the failure category.
	Kind ErrorKind `json:"errorKind"`

	// Message is the human-readable error message.
	Message string `json:"errorMessage"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// PluginID is the plugin involved, if any.
	PluginID string `json:"pluginId,omitempty"`

	// Operation is the stage being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Attempt is the 1-based attempt number that produced the error.
	Attempt int `json:"attempt,omitempty"`

	// RetryAfter is a hint for throttled errors.
	RetryAfter time.Duration `json:"-"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.PluginID != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (plugin=%s, operation=%s)", msg, e.PluginID, e.Operation)
	} else if e.PluginID != "" {
		msg = fmt.Sprintf("%s (plugin=%s)", msg, e.PluginID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is matches another *ExecError with the same kind, and the same code when
// the target sets one.
func (e *ExecError) Is(target error) bool {
	t, ok := target.(*ExecError)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// Class returns the retry classification of the error.
func (e *ExecError) Class() ErrorClass {
	return e.Kind.Class()
}

// NewError creates a new error of the given kind.
func NewError(kind ErrorKind, message string, err error) *ExecError {
	return &ExecError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *ExecError {
	return NewError(KindValidation, message, err).WithCode(ErrCodeValidation)
}

// NewPolicyDeniedError creates a new admission policy error.
func NewPolicyDeniedError(message string) *ExecError {
	return NewError(KindPolicyDenied, message, nil).WithCode(ErrCodePolicyDenied)
}

// NewQuotaExceededError creates a new quota error carrying the time until
// the limit can be expected to clear.
func NewQuotaExceededError(message string, retryAfter time.Duration) *ExecError {
	return NewError(KindQuotaExceeded, message, nil).WithRetryAfter(retryAfter)
}

// NewCircuitOpenError creates a new circuit-open error.
func NewCircuitOpenError(pluginID string, retryAfter time.Duration) *ExecError {
	return NewError(KindCircuitOpen, "circuit breaker is open", nil).
		WithPlugin(pluginID).
		WithCode(ErrCodeCircuitOpen).
		WithRetryAfter(retryAfter)
}

// NewOverloadedError creates a new backpressure error.
func NewOverloadedError(message string) *ExecError {
	return NewError(KindOverloaded, message, nil).WithCode(ErrCodeOverloaded)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(timeout time.Duration) *ExecError {
	return NewError(KindTimeout, fmt.Sprintf("execution exceeded %s", timeout), nil).
		WithCode(ErrCodeTimeout).
		WithDetail("timeout_ms", timeout.Milliseconds())
}

// NewWorkerCrashedError creates a new worker crash error.
func NewWorkerCrashedError(message string, err error) *ExecError {
	return NewError(KindWorkerCrashed, message, err).WithCode(ErrCodeWorkerCrashed)
}

// NewNetworkError creates a new outbound network error.
func NewNetworkError(message string, err error) *ExecError {
	return NewError(KindNetwork, message, err).WithCode(ErrCodeNetwork)
}

// NewResourceExceededError creates a new resource ceiling error.
func NewResourceExceededError(message string, err error) *ExecError {
	return NewError(KindResourceExceeded, message, err).WithCode(ErrCodeResourceExceeded)
}

// NewExecutionError creates a new plugin logic error.
func NewExecutionError(message string, err error) *ExecError {
	return NewError(KindExecution, message, err).WithCode(ErrCodeExecution)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *ExecError {
	return NewError(KindInternal, message, err).WithCode(ErrCodeInternal)
}

// WithPlugin adds plugin context to an error.
func (e *ExecError) WithPlugin(pluginID string) *ExecError {
	e.PluginID = pluginID
	return e
}

// WithOperation adds operation context to an error.
func (e *ExecError) WithOperation(operation string) *ExecError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *ExecError) WithCode(code string) *ExecError {
	e.Code = code
	return e
}

// WithAttempt records the attempt number that produced the error.
func (e *ExecError) WithAttempt(attempt int) *ExecError {
	e.Attempt = attempt
	return e
}

// WithRetryAfter sets the retry hint.
func (e *ExecError) WithRetryAfter(d time.Duration) *ExecError {
	if d < 0 {
		d = 0
	}
	e.RetryAfter = d
	return e
}

// WithDetail adds a detail field to the error context.
func (e *ExecError) WithDetail(key string, value interface{}) *ExecError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsExecError returns err as an *ExecError. Unclassified errors are wrapped
// as internal errors. A nil error returns nil.
func AsExecError(err error) *ExecError {
	if err == nil {
		return nil
	}
	var e *ExecError
	if errors.As(err, &e) {
		return e
	}
	return NewInternalError("unclassified failure", err)
}

// KindOf returns the kind of err, or the empty kind for nil.
func KindOf(err error) ErrorKind {
	if e := AsExecError(err); e != nil {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return errors.Is(err, &ExecError{Kind: kind})
}

// IsTransient returns true if the error is classified as transient.
// Transient errors are retried inside the engine.
func IsTransient(err error) bool {
	var e *ExecError
	if errors.As(err, &e) {
		return e.Class() == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *ExecError
	if errors.As(err, &e) {
		return e.Class() == ErrorClassThrottled
	}
	return false
}

// IsRetryable returns true if a caller may retry the request.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *ExecError
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeQuotaDaily         = "QUOTA_DAILY_EXCEEDED"
	ErrCodeQuotaConcurrency   = "QUOTA_CONCURRENCY_EXCEEDED"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeOverloaded         = "OVERLOADED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeWorkerCrashed      = "WORKER_CRASHED"
	ErrCodeNetwork            = "NETWORK_ERROR"
	ErrCodeNetworkDenied      = "NETWORK_DENIED"
	ErrCodeResourceExceeded   = "RESOURCE_EXCEEDED"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodePluginNotFound     = "PLUGIN_NOT_FOUND"
	ErrCodeActionNotFound     = "ACTION_NOT_FOUND"
	ErrCodeChecksumMismatch   = "CHECKSUM_MISMATCH"
	ErrCodeCapabilityRequired = "CAPABILITY_REQUIRED"
)
