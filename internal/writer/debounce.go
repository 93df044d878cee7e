package writer

import (
	"sync"
	"time"

	"github.com/roach88/labrun/internal/clock"
)

// debouncer runs fn once calls to Trigger pause for delay, and no later
// than maxWait after the first call of a burst.
type debouncer struct {
	clock   clock.Clock
	delay   time.Duration
	maxWait time.Duration
	fn      func()

	mu    sync.Mutex
	timer clock.Timer
	since time.Time
	gen   uint64
}

func newDebouncer(c clock.Clock, delay, maxWait time.Duration, fn func()) *debouncer {
	return &debouncer{clock: c, delay: delay, maxWait: maxWait, fn: fn}
}

// Trigger (re)arms the timer.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if d.timer == nil {
		d.since = now
	} else {
		d.timer.Stop()
	}
	deadline := now.Add(d.delay)
	if limit := d.since.Add(d.maxWait); d.maxWait > 0 && limit.Before(deadline) {
		deadline = limit
	}

	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(deadline.Sub(now), func() { d.fire(gen) })
}

// Retry arms the timer to run after the given delay unless a run is
// already scheduled.
func (d *debouncer) Retry(after time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		return
	}
	d.since = d.clock.Now()
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(after, func() { d.fire(gen) })
}

func (d *debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}

// Cancel drops a pending run.
func (d *debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

// Pending reports whether a run is scheduled.
func (d *debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
