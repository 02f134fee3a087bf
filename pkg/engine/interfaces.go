package engine

import (
	"context"
	"time"
)

// Sandbox executes plugin code under hard resource and time ceilings with no
// ambient access to the host.
type Sandbox interface {
	// Execute runs task.Action of task.Unit. The context carries the task
	// deadline; implementations must return promptly once it is done.
	Execute(ctx context.Context, task *Task) (*SandboxResult, error)

	// Close releases the sandbox. Closing while Execute is running must make
	// Execute return.
	Close() error
}

// SandboxFactory creates sandboxes for pool workers.
type SandboxFactory interface {
	NewSandbox(ctx context.Context) (Sandbox, error)
}

// SandboxFactoryFunc adapts a function to SandboxFactory.
type SandboxFactoryFunc func(ctx context.Context) (Sandbox, error)

// NewSandbox implements SandboxFactory.
func (f SandboxFactoryFunc) NewSandbox(ctx context.Context) (Sandbox, error) {
	return f(ctx)
}

// PluginLoader resolves a plugin ID and version (or constraint) to a
// verified executable unit.
type PluginLoader interface {
	Load(ctx context.Context, pluginID, version string) (*ExecutableUnit, error)
}

// AuditSink is an append-only audit log.
type AuditSink interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, event *AuditEvent) error

// Record implements AuditSink.
func (f AuditSinkFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Clock abstracts time for components with time-based state.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}
