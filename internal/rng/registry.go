package rng

import (
	"context"
	"sync"
)

// StreamOption configures a stream created through a Registry.
type StreamOption func(*streamConfig)

type streamConfig struct {
	storeState      bool
	ignoreSessionID bool
}

// StoreState persists the stream so it resumes where it left off after a
// restart instead of replaying from the seed.
func StoreState() StreamOption {
	return func(c *streamConfig) { c.storeState = true }
}

// IgnoreSessionID seeds the stream with its name only, so every session
// draws the same sequence.
func IgnoreSessionID() StreamOption {
	return func(c *streamConfig) { c.ignoreSessionID = true }
}

// Registry memoizes streams by name for one session.
type Registry struct {
	sessionID string
	store     StateStore

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewRegistry creates a registry for sessionID. store may be nil, in which
// case StoreState has no effect.
func NewRegistry(sessionID string, store StateStore) *Registry {
	return &Registry{
		sessionID: sessionID,
		store:     store,
		streams:   make(map[string]*Stream),
	}
}

// Get returns the stream called name, creating it on first use. Options
// only apply on creation; later calls return the existing stream.
func (r *Registry) Get(ctx context.Context, name string, opts ...StreamOption) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[name]; ok {
		return s
	}

	var cfg streamConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	seed := name
	if !cfg.ignoreSessionID {
		seed += r.sessionID
	}

	s := &Stream{seed: seed}
	if cfg.storeState && r.store != nil {
		s.store = r.store
		s.key = "rng-" + seed
		if !s.restore(ctx) {
			s.Reset()
		}
	} else {
		s.Reset()
	}
	r.streams[name] = s
	return s
}
