// Package jsonsafe converts arbitrary Go values into the JSON-safe subset
// the remote store accepts.
//
// The JSON-safe subset is:
//   - map[string]any with JSON-safe values
//   - []any with JSON-safe elements
//   - string (NFC normalized)
//   - int64 and finite float64
//   - bool and nil
//
// Normalize is strict and reports the first offending value. Coerce is the
// best-effort fallback used when a caller must enqueue something anyway: it
// follows JSON.stringify semantics (non-finite numbers become null, values
// that cannot be represented are dropped from objects and nulled in arrays).
//
// MarshalCanonical produces deterministic JSON with object keys sorted by
// UTF-16 code units, used for persisted fixtures and golden files.
package jsonsafe
