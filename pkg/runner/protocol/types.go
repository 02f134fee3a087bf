// Package protocol defines the JSON-over-stdio protocol spoken between the
// engine and an isolated sandbox runner process.
//
// The runner announces itself with READY, then answers each EXEC with
// exactly one DONE or ERROR carrying the same ID. When its input closes it
// sends EXIT and terminates.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive tasks
	MessageTypeReady MessageType = "READY"
	// MessageTypeExec carries a task from the engine
	MessageTypeExec MessageType = "EXEC"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the task failed
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the runner is exiting
	MessageTypeExit MessageType = "EXIT"
)

// Message is one line on the wire. Data holds the type-specific payload.
type Message struct {
	Type      MessageType     `json:"type"`
	Seq       uint64          `json:"seq,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive tasks.
type ReadyMessage struct {
	Version  string   `json:"version"`
	PID      int      `json:"pid"`
	Runtimes []string `json:"runtimes"`
}

// ExecMessage carries one task.
type ExecMessage struct {
	ID   string       `json:"id"`
	Task *engine.Task `json:"task"`
}

// DoneMessage reports a successful task.
type DoneMessage struct {
	ID              string          `json:"id"`
	Output          json.RawMessage `json:"output"`
	MemoryUsedBytes uint64          `json:"memory_used_bytes"`
	DurationMs      int64           `json:"duration_ms"`
}

// ErrorMessage reports a failed task.
type ErrorMessage struct {
	ID           string           `json:"id,omitempty"`
	Kind         engine.ErrorKind `json:"kind"`
	Code         string           `json:"code,omitempty"`
	Message      string           `json:"message"`
	RetryAfterMs int64            `json:"retry_after_ms,omitempty"`
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason     string `json:"reason"`
	ExitCode   int    `json:"exit_code"`
	TasksTotal int    `json:"tasks_total"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeExec, MessageTypeDone,
		MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the exec message is valid.
func (m *ExecMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("exec ID is required")
	}
	if m.Task == nil || m.Task.Unit == nil {
		return fmt.Errorf("task with executable unit is required")
	}
	if m.Task.Action == "" {
		return fmt.Errorf("task action is required")
	}
	if m.Task.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// NewErrorMessage converts err into an ERROR payload for task id.
func NewErrorMessage(id string, err error) *ErrorMessage {
	e := engine.AsExecError(err)
	return &ErrorMessage{
		ID:           id,
		Kind:         e.Kind,
		Code:         e.Code,
		Message:      e.Message,
		RetryAfterMs: e.RetryAfter.Milliseconds(),
	}
}

// Err rebuilds the engine error carried by the message. Kinds a runner
// cannot legitimately produce are reported as internal errors.
func (m *ErrorMessage) Err() *engine.ExecError {
	switch m.Kind {
	case engine.KindValidation, engine.KindTimeout, engine.KindWorkerCrashed,
		engine.KindNetwork, engine.KindResourceExceeded, engine.KindExecution,
		engine.KindInternal:
	default:
		return engine.NewInternalError(fmt.Sprintf("runner reported unexpected kind %q: %s", m.Kind, m.Message), nil)
	}
	e := engine.NewError(m.Kind, m.Message, nil)
	if m.Code != "" {
		e.Code = m.Code
	}
	if m.RetryAfterMs > 0 {
		e.RetryAfter = time.Duration(m.RetryAfterMs) * time.Millisecond
	}
	return e
}
