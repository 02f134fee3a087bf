package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// DeriveKey returns the content address of a request: a hex-encoded
// BLAKE2b-256 digest over the plugin ID, action name, canonical params and
// plugin version. Each field is length-prefixed so adjacent fields cannot
// run into each other.
func DeriveKey(pluginID, actionName string, params map[string]interface{}, pluginVersion string) (string, error) {
	canonical, err := Canonicalize(params)
	if err != nil {
		return "", err
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create hasher: %w", err)
	}
	for _, field := range [][]byte{[]byte(pluginID), []byte(actionName), canonical, []byte(pluginVersion)} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		_, _ = h.Write(n[:])
		_, _ = h.Write(field)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize renders params as JSON with object keys sorted at every
// level. Numbers are normalized by value: 1, 1.0 and 1e0 render the same,
// and integers survive beyond float64 precision.
func Canonicalize(params map[string]interface{}) ([]byte, error) {
	if len(params) == 0 {
		return []byte("{}"), nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("params are not JSON encodable: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to normalize params: %w", err)
	}

	normalized, err := normalizeNumbers(decoded)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return out, nil
}

func normalizeNumbers(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case map[string]interface{}:
		for k, item := range v {
			n, err := normalizeNumbers(item)
			if err != nil {
				return nil, err
			}
			v[k] = n
		}
		return v, nil
	case []interface{}:
		for i, item := range v {
			n, err := normalizeNumbers(item)
			if err != nil {
				return nil, err
			}
			v[i] = n
		}
		return v, nil
	case json.Number:
		return normalizeNumber(v)
	default:
		return v, nil
	}
}

func normalizeNumber(n json.Number) (json.Number, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10)), nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return json.Number(strconv.FormatUint(u, 10)), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("failed to normalize number %s: %w", s, err)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return json.Number(strconv.FormatInt(int64(f), 10)), nil
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}
