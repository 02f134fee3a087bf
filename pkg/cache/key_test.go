package cache

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	a := map[string]interface{}{
		"city":  "Oslo",
		"units": "metric",
		"opts":  map[string]interface{}{"z": 1, "a": []interface{}{"x", "y"}},
	}
	b := map[string]interface{}{
		"opts":  map[string]interface{}{"a": []interface{}{"x", "y"}, "z": 1},
		"units": "metric",
		"city":  "Oslo",
	}

	k1, err := DeriveKey("weather", "forecast", a, "1.0.0")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	k2, err := DeriveKey("weather", "forecast", b, "1.0.0")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if k1 != k2 {
		t.Errorf("key order changed the key: %s != %s", k1, k2)
	}
	if len(k1) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(k1))
	}
}

func TestDeriveKeyDistinguishesFields(t *testing.T) {
	params := map[string]interface{}{"q": "x"}
	base, _ := DeriveKey("p", "a", params, "1.0.0")

	tests := []struct {
		name                    string
		plugin, action, version string
		params                  map[string]interface{}
	}{
		{name: "plugin", plugin: "p2", action: "a", version: "1.0.0", params: params},
		{name: "action", plugin: "p", action: "b", version: "1.0.0", params: params},
		{name: "version", plugin: "p", action: "a", version: "1.0.1", params: params},
		{name: "params", plugin: "p", action: "a", version: "1.0.0", params: map[string]interface{}{"q": "y"}},
		{name: "field boundary", plugin: "pa", action: "", version: "1.0.0", params: params},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := DeriveKey(tt.plugin, tt.action, tt.params, tt.version)
			if err != nil {
				t.Fatalf("DeriveKey() error = %v", err)
			}
			if k == base {
				t.Error("expected a different key")
			}
		})
	}
}

func TestDeriveKeyEmptyParams(t *testing.T) {
	k1, _ := DeriveKey("p", "a", nil, "1")
	k2, _ := DeriveKey("p", "a", map[string]interface{}{}, "1")
	if k1 != k2 {
		t.Error("nil and empty params should share a key")
	}
}

func TestDeriveKeyRejectsUnencodable(t *testing.T) {
	_, err := DeriveKey("p", "a", map[string]interface{}{"ch": make(chan int)}, "1")
	if err == nil {
		t.Error("expected an error for unencodable params")
	}
}

func TestCanonicalizeNumbers(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{"b": int64(9007199254740993), "a": 1.5})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if string(out) != `{"a":1.5,"b":9007199254740993}` {
		t.Errorf("Canonicalize() = %s", out)
	}
}

func TestCanonicalizeEqualNumbersShareKey(t *testing.T) {
	tests := []struct {
		name string
		a, b interface{}
	}{
		{name: "int and float", a: 1, b: 1.0},
		{name: "integer and decimal literal", a: json.Number("1"), b: json.Number("1.0")},
		{name: "exponent literal", a: json.Number("1e0"), b: int64(1)},
		{name: "trailing zeros", a: json.Number("1.50"), b: 1.5},
		{name: "negative zero", a: json.Number("-0"), b: 0},
		{name: "nested", a: []interface{}{map[string]interface{}{"n": json.Number("2.0")}}, b: []interface{}{map[string]interface{}{"n": 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka, err := DeriveKey("p", "run", map[string]interface{}{"v": tt.a}, "1.0.0")
			if err != nil {
				t.Fatalf("DeriveKey() error = %v", err)
			}
			kb, err := DeriveKey("p", "run", map[string]interface{}{"v": tt.b}, "1.0.0")
			if err != nil {
				t.Fatalf("DeriveKey() error = %v", err)
			}
			if ka != kb {
				t.Errorf("keys differ for %v and %v", tt.a, tt.b)
			}
		})
	}

	k1, _ := DeriveKey("p", "run", map[string]interface{}{"v": 1}, "1.0.0")
	k2, _ := DeriveKey("p", "run", map[string]interface{}{"v": 1.25}, "1.0.0")
	if k1 == k2 {
		t.Error("different numbers share a key")
	}
}

func ExampleDeriveKey() {
	k1, _ := DeriveKey("weather", "forecast", map[string]interface{}{"city": "Oslo", "days": 3}, "1.2.0")
	k2, _ := DeriveKey("weather", "forecast", map[string]interface{}{"days": 3, "city": "Oslo"}, "1.2.0")
	fmt.Println(k1 == k2)
	// Output: true
}
