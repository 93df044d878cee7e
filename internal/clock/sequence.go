package clock

import "sync/atomic"

// Sequence is a monotonic logical counter for event ordering.
//
// Every emitted log event is stamped with a strictly increasing index from
// this sequence. Wall-clock timestamps may collide (several events in the
// same millisecond); the index never does, so sorting by (timestamp, index)
// reproduces emission order.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence whose first Next() returns 0.
func NewSequence() *Sequence {
	s := &Sequence{}
	s.seq.Store(-1)
	return s
}

// NewSequenceAt creates a sequence whose first Next() returns start.
// Used when resuming a session whose log already holds indices below start.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start - 1)
	return s
}

// Next returns the next index. Each call returns a unique, increasing value.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the most recently issued index, or start-1 if none.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
