package eventlog

import (
	"context"
	"sync"
)

// Bus fans published events out to every open Feed.
//
// Thread-safety: safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	feeds  map[*Feed]struct{}
	closed bool
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{feeds: make(map[*Feed]struct{})}
}

// Subscribe opens a feed that receives every event published from now on.
// A feed opened on a closed bus is already closed.
func (b *Bus) Subscribe() *Feed {
	f := newFeed(b)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		f.close()
		return f
	}
	b.feeds[f] = struct{}{}
	return f
}

// Publish delivers a copy of e to every open feed. Never blocks.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	feeds := make([]*Feed, 0, len(b.feeds))
	for f := range b.feeds {
		feeds = append(feeds, f)
	}
	b.mu.Unlock()

	for _, f := range feeds {
		f.enqueue(e.Clone())
	}
}

// Close closes every feed and rejects new subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	feeds := b.feeds
	b.feeds = map[*Feed]struct{}{}
	b.closed = true
	b.mu.Unlock()

	for f := range feeds {
		f.close()
	}
}

func (b *Bus) remove(f *Feed) {
	b.mu.Lock()
	delete(b.feeds, f)
	b.mu.Unlock()
}

// Feed is one subscriber's unbounded FIFO of events.
//
// The feed is unbounded so a slow observer never stalls the logger. It
// uses a channel for signaling to enable context-aware waiting.
type Feed struct {
	bus    *Bus
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newFeed(b *Bus) *Feed {
	return &Feed{
		bus:    b,
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

func (f *Feed) enqueue(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events = append(f.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// TryNext removes and returns the oldest event without blocking.
func (f *Feed) TryNext() (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.events) == 0 {
		return Event{}, false
	}
	e := f.events[0]
	// Release the data map for GC.
	f.events[0] = Event{}
	if len(f.events) == 1 {
		f.events = f.events[:0]
	} else {
		f.events = f.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-feed.Wait():
//	    // Try TryNext
//	}
func (f *Feed) Wait() <-chan struct{} {
	return f.signal
}

// Next blocks until an event is available, the feed closes, or ctx ends.
// Returns ok=false once the feed is closed and drained.
func (f *Feed) Next(ctx context.Context) (Event, bool, error) {
	for {
		if e, ok := f.TryNext(); ok {
			return e, true, nil
		}
		f.mu.Lock()
		done := f.closed && len(f.events) == 0
		f.mu.Unlock()
		if done {
			return Event{}, false, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		case <-f.signal:
		}
	}
}

// Len returns the number of buffered events.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// Close unsubscribes the feed. Buffered events can still be drained.
func (f *Feed) Close() {
	f.bus.remove(f)
	f.close()
}

func (f *Feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.signal) // wakes all waiters
}
