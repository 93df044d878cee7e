// Package clock provides the time sources used across labrun.
//
// Two kinds of time exist in the system:
//
//   - Wall time (Clock): timestamps on log events and session metadata, and
//     the timers behind the write-back debounce. Injected so tests can drive
//     time manually (see internal/testutil.FakeClock).
//   - Logical time (Sequence): the process-wide event index. Events are
//     ordered by (timestamp, index); the index alone is a total order within
//     one process, independent of flush timing.
package clock

import "time"

// Clock is the wall-clock abstraction.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer that callers rely on.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Real is the production Clock backed by package time.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// UnixMilli returns the clock's current time in milliseconds since the epoch.
func UnixMilli(c Clock) int64 {
	return c.Now().UnixMilli()
}
