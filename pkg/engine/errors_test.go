package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		class     ErrorClass
		retryable bool
		status    int
	}{
		{KindValidation, ErrorClassPermanent, false, http.StatusBadRequest},
		{KindPolicyDenied, ErrorClassPermanent, false, http.StatusForbidden},
		{KindQuotaExceeded, ErrorClassThrottled, true, http.StatusTooManyRequests},
		{KindCircuitOpen, ErrorClassThrottled, true, http.StatusTooManyRequests},
		{KindOverloaded, ErrorClassThrottled, true, http.StatusServiceUnavailable},
		{KindTimeout, ErrorClassTransient, true, http.StatusInternalServerError},
		{KindWorkerCrashed, ErrorClassTransient, true, http.StatusInternalServerError},
		{KindNetwork, ErrorClassTransient, true, http.StatusInternalServerError},
		{KindResourceExceeded, ErrorClassPermanent, false, http.StatusInternalServerError},
		{KindExecution, ErrorClassPermanent, false, http.StatusInternalServerError},
		{KindInternal, ErrorClassPermanent, false, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Class(); got != tt.class {
				t.Errorf("Class() = %s, want %s", got, tt.class)
			}
			if got := tt.kind.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
			if got := tt.kind.HTTPStatus(); got != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	cause := errors.New("connection reset")

	if !IsTransient(NewNetworkError("fetch failed", cause)) {
		t.Error("network error should be transient")
	}
	if !IsTransient(fmt.Errorf("attempt 2: %w", NewTimeoutError(time.Second))) {
		t.Error("wrapped timeout should be transient")
	}
	if IsTransient(NewValidationError("bad", nil)) {
		t.Error("validation error should not be transient")
	}
	if IsTransient(NewResourceExceededError("oom", nil)) {
		t.Error("resource exceeded should not be transient")
	}
	if IsTransient(cause) {
		t.Error("plain error should not be transient")
	}
}

func TestExecErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewCircuitOpenError("p1", time.Minute))

	if !errors.Is(err, &ExecError{Kind: KindCircuitOpen}) {
		t.Error("expected kind match")
	}
	if !errors.Is(err, &ExecError{Kind: KindCircuitOpen, Code: ErrCodeCircuitOpen}) {
		t.Error("expected kind and code match")
	}
	if errors.Is(err, &ExecError{Kind: KindCircuitOpen, Code: ErrCodeTimeout}) {
		t.Error("code mismatch should not match")
	}
	if !IsKind(err, KindCircuitOpen) {
		t.Error("IsKind should match")
	}
	if got := RetryAfterOf(err); got != time.Minute {
		t.Errorf("RetryAfterOf() = %s, want 1m", got)
	}
}

func TestExecErrorMessage(t *testing.T) {
	err := NewExecutionError("plugin raised", errors.New("boom")).
		WithPlugin("p1").
		WithOperation("execute")

	msg := err.Error()
	for _, want := range []string{"ExecutionError", "plugin raised", "plugin=p1", "operation=execute", "boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestAsExecError(t *testing.T) {
	if AsExecError(nil) != nil {
		t.Error("nil should stay nil")
	}
	if KindOf(nil) != "" {
		t.Error("KindOf(nil) should be empty")
	}

	plain := errors.New("disk on fire")
	e := AsExecError(plain)
	if e.Kind != KindInternal {
		t.Errorf("Kind = %s, want InternalError", e.Kind)
	}
	if !errors.Is(e, plain) {
		t.Error("wrapped cause should be reachable")
	}

	orig := NewNetworkError("dns", nil)
	if AsExecError(fmt.Errorf("ctx: %w", orig)) != orig {
		t.Error("expected the original *ExecError")
	}
}

func TestWithRetryAfterClampsNegative(t *testing.T) {
	err := NewQuotaExceededError("daily", -time.Second)
	if err.RetryAfter != 0 {
		t.Errorf("RetryAfter = %s, want 0", err.RetryAfter)
	}
}
