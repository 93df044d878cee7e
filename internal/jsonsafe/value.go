package jsonsafe

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"golang.org/x/text/unicode/norm"
)

type undefined struct{}

// Undefined marks a map entry that should be omitted from the normalized
// result, the same way an undefined property disappears from serialized JSON.
var Undefined any = undefined{}

// UnsupportedError reports a value that has no JSON representation.
type UnsupportedError struct {
	Path   string
	Reason string
}

func (e *UnsupportedError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("jsonsafe: %s", e.Reason)
	}
	return fmt.Sprintf("jsonsafe: %s at %s", e.Reason, e.Path)
}

// Normalize converts v into the JSON-safe subset.
// Map entries holding Undefined are dropped. Structs and other types that
// implement json.Marshaler are routed through encoding/json first.
func Normalize(v any) (any, error) {
	return normalize(v, "$", true)
}

// Coerce converts v into the JSON-safe subset without failing.
func Coerce(v any) any {
	out, _ := normalize(v, "$", false)
	if _, ok := out.(drop); ok {
		return nil
	}
	return out
}

// IsEmpty reports whether v is nil or an empty object.
func IsEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(val) == 0
	}
	return false
}

// drop is returned by normalize in lenient mode when a value must vanish.
type drop struct{}

func normalize(v any, path string, strict bool) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case undefined:
		if strict {
			return nil, &UnsupportedError{Path: path, Reason: "undefined value"}
		}
		return drop{}, nil
	case string:
		return norm.NFC.String(val), nil
	case bool:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint:
		return uintValue(uint64(val), path, strict)
	case uint64:
		return uintValue(val, path, strict)
	case float32:
		return floatValue(float64(val), path, strict)
	case float64:
		return floatValue(val, path, strict)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		f, err := val.Float64()
		if err != nil {
			return lenient(path, "invalid number "+val.String(), strict)
		}
		return floatValue(f, path, strict)
	case json.RawMessage:
		return decodeJSON(val, path, strict)
	case map[string]any:
		return normalizeMap(val, path, strict)
	case []any:
		return normalizeSlice(val, path, strict)
	case json.Marshaler:
		raw, err := val.MarshalJSON()
		if err != nil {
			return lenient(path, err.Error(), strict)
		}
		return decodeJSON(raw, path, strict)
	}
	return normalizeReflect(reflect.ValueOf(v), path, strict)
}

func normalizeMap(m map[string]any, path string, strict bool) (any, error) {
	out := make(map[string]any, len(m))
	for k, child := range m {
		if _, ok := child.(undefined); ok {
			continue
		}
		nv, err := normalize(child, path+"."+k, strict)
		if err != nil {
			return nil, err
		}
		if _, ok := nv.(drop); ok {
			continue
		}
		out[norm.NFC.String(k)] = nv
	}
	return out, nil
}

func normalizeSlice(s []any, path string, strict bool) (any, error) {
	out := make([]any, len(s))
	for i, child := range s {
		nv, err := normalize(child, fmt.Sprintf("%s[%d]", path, i), strict)
		if err != nil {
			return nil, err
		}
		if _, ok := nv.(drop); ok {
			nv = nil
		}
		out[i] = nv
	}
	return out, nil
}

func normalizeReflect(rv reflect.Value, path string, strict bool) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface(), path, strict)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return lenient(path, "non-string map key "+rv.Type().Key().String(), strict)
		}
		if rv.IsNil() {
			return nil, nil
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return normalizeMap(m, path, strict)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		s := make([]any, rv.Len())
		for i := range s {
			s[i] = rv.Index(i).Interface()
		}
		return normalizeSlice(s, path, strict)
	case reflect.String:
		return norm.NFC.String(rv.String()), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uintValue(rv.Uint(), path, strict)
	case reflect.Float32, reflect.Float64:
		return floatValue(rv.Float(), path, strict)
	case reflect.Struct:
		raw, err := json.Marshal(rv.Interface())
		if err != nil {
			return lenient(path, err.Error(), strict)
		}
		return decodeJSON(raw, path, strict)
	}
	return lenient(path, "unsupported type "+rv.Type().String(), strict)
}

func decodeJSON(raw []byte, path string, strict bool) (any, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return lenient(path, err.Error(), strict)
	}
	return normalize(decoded, path, strict)
}

func uintValue(u uint64, path string, strict bool) (any, error) {
	if u > math.MaxInt64 {
		return floatValue(float64(u), path, strict)
	}
	return int64(u), nil
}

func floatValue(f float64, path string, strict bool) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		if strict {
			return nil, &UnsupportedError{Path: path, Reason: "non-finite number"}
		}
		return nil, nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return f, nil
}

func lenient(path, reason string, strict bool) (any, error) {
	if strict {
		return nil, &UnsupportedError{Path: path, Reason: reason}
	}
	return drop{}, nil
}
