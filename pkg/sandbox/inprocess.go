package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/plugind/pkg/engine"
)

var (
	_ engine.Sandbox        = (*InProcessSandbox)(nil)
	_ engine.SandboxFactory = (*InProcessFactory)(nil)
)

// Runtime executes one plugin runtime's code.
type Runtime interface {
	Execute(ctx context.Context, task *engine.Task, caps *CapabilityEnforcer) (*engine.SandboxResult, error)
}

// InProcessFactory creates sandboxes that interpret plugins inside the
// engine process. The interpreters expose no filesystem, environment or
// process access; the only host functionality is what CapabilityEnforcer
// grants.
type InProcessFactory struct {
	runtimes map[engine.Runtime]Runtime
	network  *NetworkPolicy
	wasm     *WASMRuntime
	logger   zerolog.Logger
}

// FactoryOption configures an InProcessFactory.
type FactoryOption func(*InProcessFactory)

// WithNetworkPolicy sets the outbound network policy.
func WithNetworkPolicy(p *NetworkPolicy) FactoryOption {
	return func(f *InProcessFactory) {
		f.network = p
	}
}

// WithRuntime registers or replaces the interpreter for a runtime.
func WithRuntime(name engine.Runtime, rt Runtime) FactoryOption {
	return func(f *InProcessFactory) {
		f.runtimes[name] = rt
	}
}

// WithLogger sets the factory logger.
func WithLogger(logger zerolog.Logger) FactoryOption {
	return func(f *InProcessFactory) {
		f.logger = logger.With().Str("component", "sandbox").Logger()
	}
}

// NewInProcessFactory creates a factory with Starlark and WASM runtimes.
// maxMemory bounds WASM linear memory.
func NewInProcessFactory(ctx context.Context, maxMemory uint64, opts ...FactoryOption) (*InProcessFactory, error) {
	wasm, err := NewWASMRuntime(ctx, maxMemory)
	if err != nil {
		return nil, err
	}
	f := &InProcessFactory{
		runtimes: map[engine.Runtime]Runtime{
			engine.RuntimeStarlark: NewStarlarkRuntime(0),
			engine.RuntimeWASM:     wasm,
		},
		wasm:   wasm,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.network == nil {
		f.network = NewNetworkPolicy(nil)
	}
	return f, nil
}

// NewSandbox implements engine.SandboxFactory.
func (f *InProcessFactory) NewSandbox(context.Context) (engine.Sandbox, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcessSandbox{
		factory: f,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Forget drops cached compilation state for a plugin version.
func (f *InProcessFactory) Forget(ctx context.Context, checksum string) {
	f.wasm.Forget(ctx, checksum)
}

// Close releases the shared runtimes.
func (f *InProcessFactory) Close(ctx context.Context) error {
	return f.wasm.Close(ctx)
}

// InProcessSandbox is one worker's view of the in-process runtimes.
type InProcessSandbox struct {
	factory *InProcessFactory
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// Execute implements engine.Sandbox.
func (s *InProcessSandbox) Execute(ctx context.Context, task *engine.Task) (result *engine.SandboxResult, err error) {
	if s.ctx.Err() != nil {
		return nil, engine.NewWorkerCrashedError("sandbox is closed", nil)
	}
	if task == nil || task.Unit == nil {
		return nil, engine.NewInternalError("task has no executable unit", nil)
	}
	unit := task.Unit

	rt, ok := s.factory.runtimes[unit.Runtime]
	if !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("unsupported runtime %q", unit.Runtime), nil).
			WithPlugin(unit.PluginID)
	}
	if !unit.DeclaresAction(task.Action) {
		return nil, engine.NewValidationError(fmt.Sprintf("plugin does not declare action %q", task.Action), nil).
			WithCode(engine.ErrCodeActionNotFound).
			WithPlugin(unit.PluginID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			s.factory.logger.Error().
				Str("plugin_id", unit.PluginID).
				Str("action", task.Action).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Sandbox panicked")
			result = nil
			err = engine.NewWorkerCrashedError(fmt.Sprintf("sandbox panic: %v", r), nil).WithPlugin(unit.PluginID)
		}
	}()

	start := time.Now()
	caps := NewCapabilityEnforcer(unit, s.factory.network, task.Secrets)
	result, err = rt.Execute(ctx, task, caps)
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

// contextError maps an interrupted execution: a passed deadline is a
// timeout, any other cancellation means the sandbox was closed under it.
func contextError(ctx context.Context, task *engine.Task) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return engine.NewTimeoutError(task.Timeout).WithPlugin(task.Unit.PluginID)
	case ctx.Err() != nil:
		return engine.NewWorkerCrashedError("sandbox closed during execution", ctx.Err()).WithPlugin(task.Unit.PluginID)
	}
	return nil
}

// Close implements engine.Sandbox. It interrupts a running Execute.
func (s *InProcessSandbox) Close() error {
	s.once.Do(s.cancel)
	return nil
}
