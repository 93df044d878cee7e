// Package rng provides seeded, platform-independent random streams.
//
// A Stream is a 128-bit xorshift generator over four uint32 words. Seeding
// folds each UTF-16 code unit of the seed string into the first word and
// discards len(seed)+64 outputs, so identical seeds produce bit-identical
// sequences everywhere. A stream's seed is its name followed by the session
// id, giving every session its own randomness unless the stream opts out.
package rng

import (
	"context"
	"log/slog"
	"sync"
	"unicode/utf16"
)

// warmup is the number of outputs discarded after folding in the seed.
const warmup = 64

// StateStore persists stream state between runs.
type StateStore interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	PutJSON(ctx context.Context, key string, v any) error
}

// State is the generator's four words.
type State [4]uint32

// Stream is a deterministic random sequence.
//
// Thread-safety: safe for concurrent use; concurrent callers interleave
// draws from the same sequence.
type Stream struct {
	seed  string
	store StateStore
	key   string

	mu    sync.Mutex
	state State
}

// New creates an unpersisted stream for seed.
func New(seed string) *Stream {
	s := &Stream{seed: seed}
	s.Reset()
	return s
}

// Seed returns the seed string.
func (s *Stream) Seed() string {
	return s.seed
}

// Reset restarts the sequence from its seed.
func (s *Stream) Reset() {
	s.mu.Lock()
	s.state = State{}
	units := utf16.Encode([]rune(s.seed))
	for i := 0; i < len(units)+warmup; i++ {
		if i < len(units) {
			s.state[0] ^= uint32(units[i])
		}
		s.step()
	}
	st := s.state
	s.mu.Unlock()
	s.persist(st)
}

// step advances the xorshift recurrence and returns the new last word.
// Caller must hold s.mu.
func (s *Stream) step() uint32 {
	x := s.state[0]
	t := x ^ (x << 11)
	s.state[0] = s.state[1]
	s.state[1] = s.state[2]
	s.state[2] = s.state[3]
	w := s.state[3]
	s.state[3] = w ^ ((w >> 19) ^ t ^ (t >> 8))
	return s.state[3]
}

// Uint32 returns the next raw 32-bit output.
func (s *Stream) Uint32() uint32 {
	s.mu.Lock()
	v := s.step()
	st := s.state
	s.mu.Unlock()
	s.persist(st)
	return v
}

// Float returns the next value in [0, 1).
func (s *Stream) Float() float64 {
	return float64(s.Uint32()) / (1 << 32)
}

// Intn returns an integer in [0, n). Panics if n <= 0.
func (s *Stream) Intn(n int) int {
	if n <= 0 {
		panic("rng: Intn argument must be positive")
	}
	return int(s.Float() * float64(n))
}

// State returns a copy of the generator state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) persist(st State) {
	if s.store == nil {
		return
	}
	if err := s.store.PutJSON(context.Background(), s.key, st); err != nil {
		slog.Warn("failed to persist random state", "seed", s.seed, "error", err)
	}
}

// restore loads persisted state. Returns false when none was stored.
func (s *Stream) restore(ctx context.Context) bool {
	var st State
	ok, err := s.store.GetJSON(ctx, s.key, &st)
	if err != nil {
		slog.Warn("failed to load random state; reseeding", "seed", s.seed, "error", err)
		return false
	}
	if !ok || st == (State{}) {
		return false
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return true
}
