package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store is a path-addressed JSON document store.
type Store interface {
	// Get returns the value at path and whether it exists.
	Get(ctx context.Context, path string) (any, bool, error)

	// Set replaces the subtree at path with value.
	Set(ctx context.Context, path string, value any) error

	// Update applies every path/value pair as one atomic batch.
	Update(ctx context.Context, values map[string]any) error

	// Subscribe calls fn with the current value at path and again after every
	// write that touches it. The returned function cancels the subscription.
	Subscribe(ctx context.Context, path string, fn func(value any, exists bool)) (func(), error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

type serverTimestamp struct{}

// ServerTimestamp is replaced by the store's write time when written.
var ServerTimestamp any = serverTimestamp{}

// ErrNotConnected is returned when the store cannot be reached in time.
var ErrNotConnected = errors.New("remote store not connected")

// AssertConnected pings the store and fails closed after timeout.
func AssertConnected(ctx context.Context, s Store, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Ping(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
	}
}

// PathError reports a malformed store path.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// ReservedKeyChars may not appear in object keys or path segments.
const ReservedKeyChars = "/.#$[]"

// SanitizeKeys returns v with every reserved character in object keys
// replaced by '_', and whether anything was replaced. Empty keys become
// "_". Keys inside arrays are stored verbatim and left alone.
func SanitizeKeys(v any) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, false
	}
	changed := false
	out := make(map[string]any, len(m))
	for k, child := range m {
		nk := sanitizeKey(k)
		nc, c := SanitizeKeys(child)
		if nk != k || c {
			changed = true
		}
		out[nk] = nc
	}
	if !changed {
		return m, false
	}
	return out, true
}

func sanitizeKey(k string) string {
	if k == "" {
		return "_"
	}
	if !strings.ContainsAny(k, ReservedKeyChars) {
		return k
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(ReservedKeyChars, r) {
			return '_'
		}
		return r
	}, k)
}

// Validate reports whether value can be written at path.
func Validate(path string, value any) error {
	_, err := buildBatch(map[string]any{path: value}, 0)
	return err
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// CleanPath validates path and strips leading/trailing slashes.
// The empty path addresses the root.
func CleanPath(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return "", &PathError{Path: path, Reason: "empty segment"}
		}
		if strings.ContainsAny(seg, ".#$[]") {
			return "", &PathError{Path: path, Reason: "segment contains one of . # $ [ ]"}
		}
	}
	return p, nil
}

// related reports whether a and b are the same path or one contains the other.
func related(a, b string) bool {
	return a == "" || b == "" || a == b ||
		strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
