// Package writer batches session writes to the remote store.
//
// Every write is queued under a path relative to the session
// ("meta/bonus", "events/<key>") and the queue is flushed as one
// multi-path update. Writes to the same path coalesce, so the last value
// queued for a path always wins. Flushes are debounced: one second after
// the last write, and never more than five seconds after the first
// unflushed write.
//
// LIFECYCLE:
//
// Before InitializeSession the writer has no session to write under.
// Writes queue up and flushes are skipped. On initialization the queue is
// rooted at {mode}/{kind}/{sessionId}, and in live mode it is mirrored to
// the local store so that a reload does not lose unflushed writes.
//
// A flush clears only the entries it actually delivered. Entries that were
// rewritten while the update was in flight stay queued, and a failed flush
// keeps everything for the next attempt.
//
// WithDisabled switches all of this off for the duration of a call.
// Deep-link replay uses it so that re-walking the experiment produces no
// durable writes.
package writer
