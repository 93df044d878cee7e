// Package session owns the identity and metadata of one participant run.
//
// A Session is created once at startup from URL parameters (or a
// timestamp-based fallback id) and lives for the rest of the process.
// Its metadata is only changed through typed setters; each setter bumps
// lastUpdateTime and forwards exactly the fields it changed to a MetaSink
// (the data writer), which queues them for the remote store one field at a
// time so independent fields coalesce without clobbering each other.
//
// Invariants:
//   - sessionId and startTime never change after New.
//   - assignment is written at most once.
//   - each condition key is written at most once.
//   - lastUpdateTime never decreases.
//
// The package also holds the pure helpers that derive from metadata:
// completion codes, session status, storage paths, bonus accounting, and
// named counters.
package session
