package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/plugind/pkg/engine"
)

// DefaultMaxSteps bounds the computation a single Starlark action may do.
const DefaultMaxSteps = 50_000_000

// StarlarkRuntime runs Starlark plugins. A plugin is a script defining
// functions named after its actions, each called as action(params, ctx).
// The script has no load(), no print and no host access other than what
// ctx exposes.
type StarlarkRuntime struct {
	maxSteps uint64
}

// NewStarlarkRuntime creates a runtime bounding each call to maxSteps
// interpreter steps. Zero selects DefaultMaxSteps.
func NewStarlarkRuntime(maxSteps uint64) *StarlarkRuntime {
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	return &StarlarkRuntime{maxSteps: maxSteps}
}

// Execute runs task.Action. Cancelling ctx interrupts the interpreter.
func (r *StarlarkRuntime) Execute(ctx context.Context, task *engine.Task, caps *CapabilityEnforcer) (*engine.SandboxResult, error) {
	unit := task.Unit
	thread := &starlark.Thread{
		Name:  unit.PluginID + "/" + task.Action,
		Print: func(*starlark.Thread, string) {},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q) is not permitted", module)
		},
	}
	thread.SetMaxExecutionSteps(r.maxSteps)

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	heap := watchHeap(task.MaxMemoryBytes, func() {
		thread.Cancel("memory ceiling exceeded")
	})
	defer heap.stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starjson.Module,
	}

	globals, err := starlark.ExecFile(thread, unit.PluginID+".star", unit.Code, predeclared)
	if err != nil {
		return nil, r.mapError(ctx, thread, heap, task, err)
	}

	fn, ok := globals[task.Action].(starlark.Callable)
	if !ok {
		return nil, engine.NewExecutionError(fmt.Sprintf("action %q is not defined", task.Action), nil).
			WithCode(engine.ErrCodeActionNotFound).
			WithPlugin(unit.PluginID)
	}

	params, err := toStarlarkValue(task.Params)
	if err != nil {
		return nil, engine.NewValidationError("params cannot be passed to starlark", err).WithPlugin(unit.PluginID)
	}

	ret, err := starlark.Call(thread, fn, starlark.Tuple{params, newActionContext(ctx, task, caps)}, nil)
	if err != nil {
		return nil, r.mapError(ctx, thread, heap, task, err)
	}
	peak := heap.stop()
	if heap.Exceeded() {
		return nil, memoryExceeded(task, peak, nil)
	}

	value, err := fromStarlarkValue(ret)
	if err != nil {
		return nil, engine.NewExecutionError("action returned a value that is not JSON", err).WithPlugin(unit.PluginID)
	}
	output, err := json.Marshal(value)
	if err != nil {
		return nil, engine.NewExecutionError("failed to encode action output", err).WithPlugin(unit.PluginID)
	}

	return &engine.SandboxResult{
		Output:          output,
		MemoryUsedBytes: peak,
	}, nil
}

func (r *StarlarkRuntime) mapError(ctx context.Context, thread *starlark.Thread, heap *heapWatch, task *engine.Task, err error) error {
	unit := task.Unit
	if peak := heap.stop(); heap.Exceeded() {
		return memoryExceeded(task, peak, err)
	}
	if ctxErr := contextError(ctx, task); ctxErr != nil {
		return ctxErr
	}
	if thread.ExecutionSteps() >= r.maxSteps {
		return engine.NewResourceExceededError(
			fmt.Sprintf("execution exceeded %d steps", r.maxSteps), err).WithPlugin(unit.PluginID)
	}
	var execErr *engine.ExecError
	if errors.As(err, &execErr) {
		return execErr
	}
	return engine.NewExecutionError(evalMessage(err), err).WithPlugin(unit.PluginID)
}

func memoryExceeded(task *engine.Task, peak uint64, cause error) error {
	return engine.NewResourceExceededError(
		fmt.Sprintf("heap grew by %d bytes, limit is %d", peak, task.MaxMemoryBytes), cause).
		WithPlugin(task.Unit.PluginID)
}

func evalMessage(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Msg
	}
	return err.Error()
}

// newActionContext builds the ctx argument handed to actions.
func newActionContext(ctx context.Context, task *engine.Task, caps *CapabilityEnforcer) starlark.Value {
	secret := starlark.NewBuiltin("secret", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		v, err := caps.Secret(name)
		if err != nil {
			return nil, err
		}
		return starlark.String(v), nil
	})

	request := func(method string) *starlark.Builtin {
		return starlark.NewBuiltin("http_"+method, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var url string
			var body starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url, "body?", &body); err != nil {
				return nil, err
			}
			var payload []byte
			if body != starlark.None {
				s, ok := starlark.AsString(body)
				if !ok {
					return nil, fmt.Errorf("%s: body must be a string", b.Name())
				}
				payload = []byte(s)
			}
			resp, err := caps.HTTPRequest(ctx, method, url, payload)
			if err != nil {
				return nil, err
			}
			return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
				"status": starlark.MakeInt(resp.Status),
				"body":   starlark.String(resp.Body),
			}), nil
		})
	}

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"request_id": starlark.String(task.RequestID),
		"plugin_id":  starlark.String(task.Unit.PluginID),
		"version":    starlark.String(task.Unit.Version),
		"secret":     secret,
		"http_get":   request("get"),
		"http_post":  request("post"),
	})
}

// toStarlarkValue converts a decoded JSON value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a JSON-encodable Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromStarlarkSequence(val)
	case *starlark.List:
		return fromStarlarkSequence(val)
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkSequence(seq starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
