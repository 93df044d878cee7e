package session

import (
	"sync"
	"sync/atomic"
)

// Counter is a named integer counter.
type Counter struct {
	value atomic.Int64
}

// Get returns the current value.
func (c *Counter) Get() int64 { return c.value.Load() }

// Inc increments and returns the new value.
func (c *Counter) Inc() int64 { return c.value.Add(1) }

// Dec decrements and returns the new value.
func (c *Counter) Dec() int64 { return c.value.Add(-1) }

// Reset sets the counter to zero.
func (c *Counter) Reset() int64 {
	c.value.Store(0)
	return 0
}

// Counters memoizes counters by name.
type Counters struct {
	mu sync.Mutex
	m  map[string]*Counter
}

// NewCounters creates an empty registry.
func NewCounters() *Counters {
	return &Counters{m: make(map[string]*Counter)}
}

// Get returns the counter for name, creating it at zero.
func (c *Counters) Get(name string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.m[name]
	if !ok {
		ctr = &Counter{}
		c.m[name] = ctr
	}
	return ctr
}
