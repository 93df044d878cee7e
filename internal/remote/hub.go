package remote

import (
	"context"
	"log/slog"
	"sync"
)

type subscription struct {
	id   uint64
	path string
	fn   func(value any, exists bool)
}

// hub fans write notifications out to subscribers.
type hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
}

func (h *hub) add(path string, fn func(any, bool)) (*subscription, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[uint64]*subscription)
	}
	h.nextID++
	sub := &subscription{id: h.nextID, path: path, fn: fn}
	h.subs[sub.id] = sub
	return sub, func() {
		h.mu.Lock()
		delete(h.subs, sub.id)
		h.mu.Unlock()
	}
}

// notify re-reads every subscribed path touched by changed and invokes its
// callback. Callbacks run without the hub lock held.
func (h *hub) notify(ctx context.Context, changed []string, get func(context.Context, string) (any, bool, error)) {
	h.mu.Lock()
	var hit []*subscription
	for _, sub := range h.subs {
		for _, p := range changed {
			if related(sub.path, p) {
				hit = append(hit, sub)
				break
			}
		}
	}
	h.mu.Unlock()

	for _, sub := range hit {
		v, ok, err := get(ctx, sub.path)
		if err != nil {
			slog.Warn("subscription read failed", "path", sub.path, "error", err)
			continue
		}
		sub.fn(v, ok)
	}
}
