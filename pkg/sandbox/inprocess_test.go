package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
)

type panicRuntime struct{}

func (panicRuntime) Execute(context.Context, *engine.Task, *CapabilityEnforcer) (*engine.SandboxResult, error) {
	panic("interpreter bug")
}

func newFactory(t *testing.T, opts ...FactoryOption) *InProcessFactory {
	t.Helper()
	f, err := NewInProcessFactory(context.Background(), 1<<20, opts...)
	if err != nil {
		t.Fatalf("NewInProcessFactory failed: %v", err)
	}
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f
}

func newSandbox(t *testing.T, f *InProcessFactory) engine.Sandbox {
	t.Helper()
	sb, err := f.NewSandbox(context.Background())
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	t.Cleanup(func() { _ = sb.Close() })
	return sb
}

func TestInProcessSandboxDispatch(t *testing.T) {
	f := newFactory(t)
	sb := newSandbox(t, f)
	ctx := context.Background()

	t.Run("Starlark", func(t *testing.T) {
		result, err := sb.Execute(ctx, newTask(starlarkUnit(echoScript), "run",
			map[string]interface{}{"name": "x", "n": 1}))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if result.Duration <= 0 {
			t.Error("Expected duration to be recorded")
		}
	})

	t.Run("WASM", func(t *testing.T) {
		result, err := sb.Execute(ctx, newTask(wasmUnit(constModule(`{"ok":true,"output":"done"}`)), "run", nil))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if string(result.Output) != `"done"` {
			t.Errorf("Unexpected output %s", result.Output)
		}
	})

	t.Run("UnknownRuntime", func(t *testing.T) {
		unit := starlarkUnit(echoScript)
		unit.Runtime = "lua"
		_, err := sb.Execute(ctx, newTask(unit, "run", nil))
		if !engine.IsKind(err, engine.KindValidation) {
			t.Errorf("Expected ValidationError, got %v", err)
		}
	})

	t.Run("UndeclaredAction", func(t *testing.T) {
		unit := starlarkUnit(echoScript)
		unit.Actions = []string{"run"}
		_, err := sb.Execute(ctx, newTask(unit, "fails", nil))
		assertCode(t, err, engine.KindValidation, engine.ErrCodeActionNotFound)
	})
}

func TestInProcessSandboxPanic(t *testing.T) {
	f := newFactory(t, WithRuntime(engine.RuntimeStarlark, panicRuntime{}))
	sb := newSandbox(t, f)

	_, err := sb.Execute(context.Background(), newTask(starlarkUnit(echoScript), "run", nil))
	if !engine.IsKind(err, engine.KindWorkerCrashed) {
		t.Errorf("Expected WorkerCrashedError, got %v", err)
	}
}

func TestInProcessSandboxCloseInterrupts(t *testing.T) {
	f := newFactory(t, WithRuntime(engine.RuntimeStarlark, NewStarlarkRuntime(1<<62)))
	sb := newSandbox(t, f)

	errCh := make(chan error, 1)
	go func() {
		_, err := sb.Execute(context.Background(), newTask(starlarkUnit(echoScript), "spin", nil))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := sb.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !engine.IsKind(err, engine.KindWorkerCrashed) {
			t.Errorf("Expected WorkerCrashedError, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after Close")
	}

	_, err := sb.Execute(context.Background(), newTask(starlarkUnit(echoScript), "run", nil))
	if !engine.IsKind(err, engine.KindWorkerCrashed) {
		t.Errorf("Expected closed sandbox to refuse work, got %v", err)
	}
	if err := sb.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestInProcessSandboxTimeout(t *testing.T) {
	sb := newSandbox(t, newFactory(t, WithRuntime(engine.RuntimeStarlark, NewStarlarkRuntime(1<<62))))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sb.Execute(ctx, newTask(starlarkUnit(echoScript), "spin", nil))
	var execErr *engine.ExecError
	if !errors.As(err, &execErr) || execErr.Kind != engine.KindTimeout {
		t.Errorf("Expected TimeoutError, got %v", err)
	}
}
