// Package eventlog records what happens during a session.
//
// Every event carries a wall-clock timestamp, a process-wide strictly
// increasing index, a short random uid, an arbitrary JSON-safe data map,
// and the id of the epoch that was active when it was emitted. The index
// is the authoritative order; timestamps only help humans.
//
// Events flow two ways:
//   - to a Sink (the data writer), compressed into the storage key format,
//     unless the type lives in the "debug." namespace
//   - to the in-memory Bus, where live observers read them from a Feed
//
// # Storage format
//
// Compress turns an event into one key/value pair:
//
//	key   = timestamp—index—eventType(dots as colons)—uid
//	value = data, or false when data is empty
//
// The em-dash separator cannot collide with the hyphens used in epoch ids.
// The current epoch id is dropped; Decompress rebuilds it from the
// epoch.* events that precede each event in (timestamp, index) order.
package eventlog
