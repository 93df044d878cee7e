package remote

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/roach88/labrun/internal/clock"
)

// MemoryStore is an in-process Store. Nothing survives the process.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	leaves map[string]json.RawMessage
	clock  clock.Clock
	hub    hub
}

// NewMemoryStore returns an empty store stamping ServerTimestamp with c.
// A nil clock uses wall time.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryStore{leaves: make(map[string]json.RawMessage), clock: c}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, path string) (any, bool, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	sub := make(map[string]json.RawMessage)
	for full, raw := range m.leaves {
		if within(full, p) {
			sub[full] = raw
		}
	}
	m.mu.RUnlock()
	return assemble(p, sub)
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, path string, value any) error {
	return m.Update(ctx, map[string]any{path: value})
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch, err := buildBatch(values, clock.UnixMilli(m.clock))
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, w := range batch {
		m.clearLocked(w.path)
		for full, raw := range w.leaves {
			m.leaves[full] = raw
		}
	}
	m.mu.Unlock()

	m.hub.notify(ctx, batchPaths(batch), m.Get)
	return nil
}

func (m *MemoryStore) clearLocked(path string) {
	for full := range m.leaves {
		if within(full, path) {
			delete(m.leaves, full)
		}
	}
	for _, anc := range ancestors(path) {
		delete(m.leaves, anc)
	}
}

// Subscribe implements Store.
func (m *MemoryStore) Subscribe(ctx context.Context, path string, fn func(any, bool)) (func(), error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	_, cancel := m.hub.add(p, fn)
	v, ok, err := m.Get(ctx, p)
	if err != nil {
		cancel()
		return nil, err
	}
	fn(v, ok)
	return cancel, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Paths lists every stored leaf path in sorted order.
func (m *MemoryStore) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.leaves))
	for p := range m.leaves {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// write is one prepared path replacement within a batch.
type write struct {
	path   string
	leaves map[string]json.RawMessage
}

// buildBatch validates and flattens values. Shallower paths are applied
// first so a deeper write in the same batch wins.
func buildBatch(values map[string]any, nowMillis int64) ([]write, error) {
	batch := make([]write, 0, len(values))
	for path, value := range values {
		p, err := CleanPath(path)
		if err != nil {
			return nil, err
		}
		if p == "" {
			return nil, &PathError{Path: path, Reason: "cannot write the root"}
		}
		nv, err := prepare(value, nowMillis)
		if err != nil {
			return nil, err
		}
		leaves := make(map[string]json.RawMessage)
		if err := flatten(p, nv, leaves); err != nil {
			return nil, err
		}
		batch = append(batch, write{path: p, leaves: leaves})
	}
	slices.SortFunc(batch, func(a, b write) int {
		if d := len(a.path) - len(b.path); d != 0 {
			return d
		}
		return cmp.Compare(a.path, b.path)
	})
	return batch, nil
}

func batchPaths(batch []write) []string {
	out := make([]string, len(batch))
	for i, w := range batch {
		out[i] = w.path
	}
	return out
}
