package sandbox

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
)

const echoScript = `
def run(params, ctx):
    return {"greeting": "hello " + params["name"], "count": params["n"] + 1, "request": ctx.request_id}

def fails(params, ctx):
    fail("bad input")

def spin(params, ctx):
    total = 0
    for i in range(1000000000):
        total += i
    return total

def encode(params, ctx):
    return json.encode({"a": True, "b": [1, 2]})

def reveal(params, ctx):
    return ctx.secret("token")

def fetch(params, ctx):
    return ctx.http_get("https://api.example.com/x")
`

func runStarlark(t *testing.T, rt *StarlarkRuntime, ctx context.Context, unit *engine.ExecutableUnit, action string, params map[string]interface{}, secrets map[string]string) (*engine.SandboxResult, error) {
	t.Helper()
	task := newTask(unit, action, params)
	task.Secrets = secrets
	return rt.Execute(ctx, task, NewCapabilityEnforcer(unit, NewNetworkPolicy(nil), secrets))
}

func TestStarlarkRuntimeExecute(t *testing.T) {
	rt := NewStarlarkRuntime(0)
	unit := starlarkUnit(echoScript)

	result, err := runStarlark(t, rt, context.Background(), unit, "run",
		map[string]interface{}{"name": "froyo", "n": float64(41)}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(result.Output, &out); err != nil {
		t.Fatalf("Output is not JSON: %v", err)
	}
	if out["greeting"] != "hello froyo" {
		t.Errorf("Unexpected greeting %v", out["greeting"])
	}
	if out["count"] != float64(42) {
		t.Errorf("Expected count 42, got %v", out["count"])
	}
	if out["request"] != "req-1" {
		t.Errorf("Expected request id in ctx, got %v", out["request"])
	}
}

func TestStarlarkRuntimeJSONModule(t *testing.T) {
	result, err := runStarlark(t, NewStarlarkRuntime(0), context.Background(), starlarkUnit(echoScript), "encode", nil, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	var s string
	if err := json.Unmarshal(result.Output, &s); err != nil {
		t.Fatalf("Expected a JSON string, got %s", result.Output)
	}
	if s != `{"a":true,"b":[1,2]}` {
		t.Errorf("Unexpected encoding %s", s)
	}
}

func TestStarlarkRuntimeErrors(t *testing.T) {
	ctx := context.Background()
	unit := starlarkUnit(echoScript)

	t.Run("MissingAction", func(t *testing.T) {
		_, err := runStarlark(t, NewStarlarkRuntime(0), ctx, unit, "nope", nil, nil)
		assertCode(t, err, engine.KindExecution, engine.ErrCodeActionNotFound)
	})

	t.Run("Fail", func(t *testing.T) {
		_, err := runStarlark(t, NewStarlarkRuntime(0), ctx, unit, "fails", nil, nil)
		if !engine.IsKind(err, engine.KindExecution) {
			t.Fatalf("Expected ExecutionError, got %v", err)
		}
		if engine.IsRetryable(err) {
			t.Error("Plugin failures must not be retryable")
		}
	})

	t.Run("SyntaxError", func(t *testing.T) {
		_, err := runStarlark(t, NewStarlarkRuntime(0), ctx, starlarkUnit("def run(:\n"), "run", nil, nil)
		if !engine.IsKind(err, engine.KindExecution) {
			t.Errorf("Expected ExecutionError, got %v", err)
		}
	})

	t.Run("LoadForbidden", func(t *testing.T) {
		_, err := runStarlark(t, NewStarlarkRuntime(0), ctx, starlarkUnit(`load("os.star", "x")`), "run", nil, nil)
		if !engine.IsKind(err, engine.KindExecution) {
			t.Errorf("Expected ExecutionError, got %v", err)
		}
	})

	t.Run("StepLimit", func(t *testing.T) {
		_, err := runStarlark(t, NewStarlarkRuntime(10_000), ctx, unit, "spin", nil, nil)
		if !engine.IsKind(err, engine.KindResourceExceeded) {
			t.Errorf("Expected ResourceExceededError, got %v", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := runStarlark(t, NewStarlarkRuntime(1<<62), tctx, unit, "spin", nil, nil)
		if !engine.IsKind(err, engine.KindTimeout) {
			t.Errorf("Expected TimeoutError, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("Cancellation took %v", elapsed)
		}
	})
}

func TestStarlarkRuntimeCapabilities(t *testing.T) {
	ctx := context.Background()
	secrets := map[string]string{"token": "abc"}

	t.Run("SecretGranted", func(t *testing.T) {
		unit := starlarkUnit(echoScript, engine.CapabilitySecretsRead)
		result, err := runStarlark(t, NewStarlarkRuntime(0), ctx, unit, "reveal", nil, secrets)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if string(result.Output) != `"abc"` {
			t.Errorf("Unexpected output %s", result.Output)
		}
	})

	t.Run("SecretDenied", func(t *testing.T) {
		_, err := runStarlark(t, NewStarlarkRuntime(0), ctx, starlarkUnit(echoScript), "reveal", nil, secrets)
		assertCode(t, err, engine.KindExecution, engine.ErrCodeCapabilityRequired)
	})

	t.Run("NetworkDenied", func(t *testing.T) {
		unit := starlarkUnit(echoScript, engine.CapabilityNetOutbound)
		_, err := runStarlark(t, NewStarlarkRuntime(0), ctx, unit, "fetch", nil, nil)
		assertCode(t, err, engine.KindExecution, engine.ErrCodeNetworkDenied)
	})
}

func TestStarlarkValueConversion(t *testing.T) {
	in := map[string]interface{}{
		"int":    float64(3),
		"float":  2.5,
		"number": json.Number("7"),
		"list":   []interface{}{"a", true, nil},
		"nested": map[string]interface{}{"k": "v"},
	}

	v, err := toStarlarkValue(in)
	if err != nil {
		t.Fatalf("toStarlarkValue failed: %v", err)
	}
	out, err := fromStarlarkValue(v)
	if err != nil {
		t.Fatalf("fromStarlarkValue failed: %v", err)
	}

	got := out.(map[string]interface{})
	if got["int"] != int64(3) {
		t.Errorf("Expected whole float to become int, got %#v", got["int"])
	}
	if got["float"] != 2.5 {
		t.Errorf("Expected float to survive, got %#v", got["float"])
	}
	if got["number"] != int64(7) {
		t.Errorf("Expected json.Number to become int, got %#v", got["number"])
	}
	if list := got["list"].([]interface{}); len(list) != 3 || list[2] != nil {
		t.Errorf("Unexpected list %#v", got["list"])
	}

	if _, err := toStarlarkValue(struct{}{}); err == nil {
		t.Error("Expected unsupported type error")
	}
}

const allocScript = `
BLOCK = 8 * 1024 * 1024

def hold(params, ctx):
    data = "x" * BLOCK
    return len(data)

def hoard(params, ctx):
    parts = []
    for i in range(4):
        parts.append("x" * (64 * 1024 * 1024))
    total = 0
    for i in range(1000000000):
        total += len(parts)
    return total
`

func TestStarlarkRuntimeReportsHeapGrowth(t *testing.T) {
	runtime.GC()
	result, err := runStarlark(t, NewStarlarkRuntime(0), context.Background(), starlarkUnit(allocScript), "hold", nil, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(result.Output) != "8388608" {
		t.Errorf("Unexpected output %s", result.Output)
	}
	if result.MemoryUsedBytes < 4<<20 {
		t.Errorf("Expected heap growth of several MiB, got %d bytes", result.MemoryUsedBytes)
	}
}

func TestStarlarkRuntimeMemoryCeiling(t *testing.T) {
	runtime.GC()
	unit := starlarkUnit(allocScript)
	task := newTask(unit, "hoard", nil)
	task.MaxMemoryBytes = 1 << 20

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := NewStarlarkRuntime(1<<40).Execute(ctx, task, NewCapabilityEnforcer(unit, NewNetworkPolicy(nil), nil))
	if got := engine.KindOf(err); got != engine.KindResourceExceeded {
		t.Fatalf("Expected ResourceExceededError, got %v", err)
	}
	if !strings.Contains(err.Error(), "heap grew") {
		t.Errorf("Expected a heap growth message, got %q", err.Error())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected the action to be stopped early, ran for %s", elapsed)
	}
}
