package remote

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/labrun/internal/jsonsafe"
)

// prepare resolves ServerTimestamp sentinels and normalizes value.
func prepare(value any, nowMillis int64) (any, error) {
	return jsonsafe.Normalize(resolveTimestamps(value, nowMillis))
}

func resolveTimestamps(v any, nowMillis int64) any {
	switch val := v.(type) {
	case serverTimestamp:
		return nowMillis
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = resolveTimestamps(child, nowMillis)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = resolveTimestamps(child, nowMillis)
		}
		return out
	}
	return v
}

// flatten writes every leaf of v into out keyed by its full path.
// Empty objects and nil contribute nothing.
func flatten(path string, v any, out map[string]json.RawMessage) error {
	m, ok := v.(map[string]any)
	if !ok {
		if v == nil {
			return nil
		}
		if path == "" {
			return &PathError{Path: path, Reason: "root must be an object"}
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %q: %w", path, err)
		}
		out[path] = raw
		return nil
	}
	for k, child := range m {
		if k == "" || strings.ContainsAny(k, ReservedKeyChars) {
			return &PathError{Path: path + "/" + k, Reason: "key contains one of / . # $ [ ]"}
		}
		childPath := k
		if path != "" {
			childPath = path + "/" + k
		}
		if err := flatten(childPath, child, out); err != nil {
			return err
		}
	}
	return nil
}

// assemble rebuilds the value at path from leaves keyed by full path.
func assemble(path string, leaves map[string]json.RawMessage) (any, bool, error) {
	if raw, ok := leaves[path]; ok {
		v, err := decodeLeaf(raw)
		return v, true, err
	}
	if len(leaves) == 0 {
		return nil, false, nil
	}
	root := map[string]any{}
	for full, raw := range leaves {
		rel := full
		if path != "" {
			rel = strings.TrimPrefix(full, path+"/")
		}
		v, err := decodeLeaf(raw)
		if err != nil {
			return nil, false, fmt.Errorf("decode %q: %w", full, err)
		}
		segs := strings.Split(rel, "/")
		node := root
		for _, seg := range segs[:len(segs)-1] {
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[seg] = child
			}
			node = child
		}
		node[segs[len(segs)-1]] = v
	}
	return root, true, nil
}

func decodeLeaf(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return jsonsafe.Normalize(v)
}

// ancestors lists every proper ancestor of path, nearest last.
func ancestors(path string) []string {
	var out []string
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}

// within reports whether full is path itself or lies beneath it.
func within(full, path string) bool {
	return path == "" || full == path || strings.HasPrefix(full, path+"/")
}
