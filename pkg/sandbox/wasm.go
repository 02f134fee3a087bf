package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/plugind/pkg/engine"
)

const wasmPageSize = 65536

// DefaultWASMMemoryBytes is the linear memory ceiling when none is given.
const DefaultWASMMemoryBytes = 128 << 20

// WASMRuntime runs WebAssembly plugins with wazero. A module must export
// "memory", "malloc(size i32) i32" and
// "execute(action_ptr, action_len, input_ptr, input_len i32) i64". The
// result packs (ptr << 32 | len) of a JSON envelope:
//
//	{"ok": true, "output": ...}
//	{"ok": false, "error": "message", "kind": "ExecutionError"}
//
// Modules may import "env.http_request" and "env.get_secret"; both return a
// packed pointer to a JSON document allocated with the guest's malloc, or 0
// when the capability check or the call failed.
type WASMRuntime struct {
	runtime     wazero.Runtime
	maxMemory   uint64
	mu          sync.Mutex
	compiled    map[string]wazero.CompiledModule
	closeOnce   sync.Once
	closeResult error
}

// NewWASMRuntime creates a runtime whose guests may use at most maxMemory
// bytes of linear memory. Zero selects DefaultWASMMemoryBytes.
func NewWASMRuntime(ctx context.Context, maxMemory uint64) (*WASMRuntime, error) {
	if maxMemory == 0 {
		maxMemory = DefaultWASMMemoryBytes
	}
	pages := maxMemory / wasmPageSize
	if pages == 0 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(pages)).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder("env")
	registerHostFunctions(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return &WASMRuntime{
		runtime:   runtime,
		maxMemory: pages * wasmPageSize,
		compiled:  make(map[string]wazero.CompiledModule),
	}, nil
}

// Close releases the runtime and every compiled module.
func (r *WASMRuntime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closeResult = r.runtime.Close(ctx)
	})
	return r.closeResult
}

// Forget drops the compiled module for checksum, if cached.
func (r *WASMRuntime) Forget(ctx context.Context, checksum string) {
	r.mu.Lock()
	compiled, ok := r.compiled[checksum]
	delete(r.compiled, checksum)
	r.mu.Unlock()
	if ok {
		compiled.Close(ctx)
	}
}

func (r *WASMRuntime) compile(ctx context.Context, unit *engine.ExecutableUnit) (wazero.CompiledModule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if compiled, ok := r.compiled[unit.Checksum]; ok {
		return compiled, nil
	}
	compiled, err := r.runtime.CompileModule(ctx, unit.Code)
	if err != nil {
		return nil, engine.NewExecutionError("failed to compile WASM module", err).WithPlugin(unit.PluginID)
	}
	if unit.Checksum != "" {
		r.compiled[unit.Checksum] = compiled
	}
	return compiled, nil
}

// wasmEnvelope is the JSON document returned by execute.
type wasmEnvelope struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
	Kind   string          `json:"kind"`
}

// Execute runs task.Action in a fresh module instance.
func (r *WASMRuntime) Execute(ctx context.Context, task *engine.Task, caps *CapabilityEnforcer) (*engine.SandboxResult, error) {
	unit := task.Unit

	compiled, err := r.compile(ctx, unit)
	if err != nil {
		return nil, err
	}

	state := &hostState{caps: caps}
	ctx = context.WithValue(ctx, hostStateKey{}, state)

	mod, err := r.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize"))
	if err != nil {
		if ctxErr := contextError(ctx, task); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, engine.NewExecutionError("failed to instantiate WASM module", err).WithPlugin(unit.PluginID)
	}
	defer mod.Close(context.WithoutCancel(ctx))

	execute := mod.ExportedFunction("execute")
	if execute == nil || mod.ExportedFunction("malloc") == nil || mod.Memory() == nil {
		return nil, engine.NewExecutionError("module must export memory, malloc and execute", nil).
			WithCode(engine.ErrCodeActionNotFound).
			WithPlugin(unit.PluginID)
	}

	input, err := json.Marshal(task.Params)
	if err != nil {
		return nil, engine.NewValidationError("params are not valid JSON", err).WithPlugin(unit.PluginID)
	}
	actionPtr, err := writeGuest(ctx, mod, []byte(task.Action))
	if err != nil {
		return nil, r.callError(ctx, mod, task, err)
	}
	inputPtr, err := writeGuest(ctx, mod, input)
	if err != nil {
		return nil, r.callError(ctx, mod, task, err)
	}

	results, err := execute.Call(ctx, uint64(actionPtr), uint64(len(task.Action)), uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, r.callError(ctx, mod, task, err)
	}
	if len(results) == 0 {
		return nil, engine.NewExecutionError("execute returned no results", nil).WithPlugin(unit.PluginID)
	}

	data, ok := readPacked(mod, results[0])
	if !ok {
		return nil, engine.NewExecutionError("execute returned an out of bounds result", nil).WithPlugin(unit.PluginID)
	}
	var envelope wasmEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, engine.NewExecutionError("execute returned malformed JSON", err).WithPlugin(unit.PluginID)
	}

	memoryUsed := uint64(mod.Memory().Size())
	if !envelope.OK {
		if state.err != nil {
			return nil, state.err
		}
		msg := envelope.Error
		if msg == "" {
			msg = "plugin reported failure"
		}
		return nil, guestError(envelope.Kind, msg).WithPlugin(unit.PluginID)
	}

	output := envelope.Output
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	return &engine.SandboxResult{
		Output:          output,
		MemoryUsedBytes: memoryUsed,
	}, nil
}

// guestError maps a kind reported by the guest. Guests may only report
// failures of their own code or of their outbound calls.
func guestError(kind, msg string) *engine.ExecError {
	if engine.ErrorKind(kind) == engine.KindNetwork {
		return engine.NewNetworkError(msg, nil)
	}
	return engine.NewExecutionError(msg, nil)
}

func (r *WASMRuntime) callError(ctx context.Context, mod api.Module, task *engine.Task, err error) error {
	unit := task.Unit
	if ctxErr := contextError(ctx, task); ctxErr != nil {
		return ctxErr
	}
	if mem := mod.Memory(); mem != nil && uint64(mem.Size())+wasmPageSize > r.maxMemory {
		return engine.NewResourceExceededError(
			fmt.Sprintf("linear memory limit of %d bytes reached", r.maxMemory), err).WithPlugin(unit.PluginID)
	}
	return engine.NewExecutionError("WASM trap", err).WithPlugin(unit.PluginID)
}

// writeGuest copies data into guest memory allocated with malloc.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	results, err := mod.ExportedFunction("malloc").Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, errors.New("malloc returned null pointer")
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("malloc returned out of bounds pointer %d", ptr)
	}
	return ptr, nil
}

func readPacked(mod api.Module, packed uint64) ([]byte, bool) {
	ptr := uint32(packed >> 32)
	size := uint32(packed)
	if size == 0 {
		return nil, false
	}
	data, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func pack(ptr uint32, size int) uint64 {
	return uint64(ptr)<<32 | uint64(uint32(size))
}

type hostStateKey struct{}

// hostState carries the per-execution capabilities into host functions and
// remembers the first capability failure so it can be surfaced precisely.
type hostState struct {
	caps *CapabilityEnforcer
	err  error
}

func (s *hostState) fail(err error) uint64 {
	if s.err == nil {
		s.err = err
	}
	return 0
}

func stateFrom(ctx context.Context) *hostState {
	if s, ok := ctx.Value(hostStateKey{}).(*hostState); ok {
		return s
	}
	return &hostState{caps: NewCapabilityEnforcer(&engine.ExecutableUnit{}, nil, nil)}
}

// registerHostFunctions exports the capability-gated host calls.
func registerHostFunctions(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, methodPtr, methodLen, urlPtr, urlLen, bodyPtr, bodyLen uint32) uint64 {
			state := stateFrom(ctx)
			method, ok1 := mod.Memory().Read(methodPtr, methodLen)
			url, ok2 := mod.Memory().Read(urlPtr, urlLen)
			if !ok1 || !ok2 {
				return state.fail(engine.NewExecutionError("http_request: arguments out of bounds", nil))
			}
			var body []byte
			if bodyLen > 0 {
				b, ok := mod.Memory().Read(bodyPtr, bodyLen)
				if !ok {
					return state.fail(engine.NewExecutionError("http_request: body out of bounds", nil))
				}
				body = append([]byte(nil), b...)
			}

			resp, err := state.caps.HTTPRequest(ctx, string(method), string(url), body)
			if err != nil {
				return state.fail(err)
			}
			data, err := json.Marshal(resp)
			if err != nil {
				return state.fail(engine.NewInternalError("http_request: encode response", err))
			}
			ptr, err := writeGuest(ctx, mod, data)
			if err != nil {
				return state.fail(engine.NewExecutionError("http_request: "+err.Error(), err))
			}
			return pack(ptr, len(data))
		}).
		Export("http_request")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint64 {
			state := stateFrom(ctx)
			name, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return state.fail(engine.NewExecutionError("get_secret: name out of bounds", nil))
			}
			value, err := state.caps.Secret(string(name))
			if err != nil {
				return state.fail(err)
			}
			ptr, err := writeGuest(ctx, mod, []byte(value))
			if err != nil {
				return state.fail(engine.NewExecutionError("get_secret: "+err.Error(), err))
			}
			return pack(ptr, len(value))
		}).
		Export("get_secret")
}
