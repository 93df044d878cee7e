// Package remote provides the path-addressed document store that session
// data is flushed to.
//
// The store is a JSON tree addressed by slash-separated paths:
//
//	{mode}/meta/{sessionId}          session metadata (flat object)
//	{mode}/events/{sessionId}/{key}  compressed log events
//	{mode}/other/{sessionId}         unstructured data
//
// # Semantics
//
//   - Set replaces the whole subtree at a path.
//   - Update applies several Sets atomically (one batch, one transaction).
//   - Empty objects and nil are indistinguishable from absence; writing one
//     deletes the subtree. Callers that need an "empty" marker must encode it
//     (the event log stores false).
//   - ServerTimestamp anywhere in a written value is replaced by the store's
//     clock at write time, in Unix milliseconds.
//   - Arrays are stored as leaves.
//   - Integral numbers read back as int64, everything else as float64.
//
// Two implementations exist: SQLiteStore persists leaves in a single SQLite
// table, MemoryStore keeps them in a map for dry runs and tests.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package remote
