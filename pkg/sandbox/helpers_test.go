package sandbox

import (
	"net"
	"testing"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
)

func parseIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("invalid IP %q", s)
	}
	return ip
}

func assertCode(t *testing.T, err error, kind engine.ErrorKind, code string) {
	t.Helper()
	if !engine.IsKind(err, kind) {
		t.Fatalf("Expected %s, got %v", kind, err)
	}
	if got := engine.AsExecError(err).Code; got != code {
		t.Errorf("Expected code %s, got %s", code, got)
	}
}

func starlarkUnit(src string, caps ...engine.Capability) *engine.ExecutableUnit {
	return &engine.ExecutableUnit{
		PluginID:     "script",
		Version:      "1.0.0",
		Runtime:      engine.RuntimeStarlark,
		Code:         []byte(src),
		Checksum:     Checksum([]byte(src)),
		Capabilities: caps,
	}
}

func newTask(unit *engine.ExecutableUnit, action string, params map[string]interface{}) *engine.Task {
	return &engine.Task{
		RequestID: "req-1",
		Unit:      unit,
		Action:    action,
		Params:    params,
		Timeout:   5 * time.Second,
	}
}
