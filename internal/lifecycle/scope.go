// Package lifecycle ties asynchronous work to the lifetime of an owner,
// such as a mounted epoch.
//
// When a Scope closes, every operation still waiting through it returns
// ErrTornDown and every teardown hook runs once. Callers distinguish the
// sentinel from real failures with IsTornDown and usually just return.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/labrun/internal/clock"
)

// ErrTornDown is returned by operations abandoned because their scope closed.
var ErrTornDown = errors.New("scope torn down")

// IsTornDown reports whether err stems from a closed scope.
func IsTornDown(err error) bool {
	return errors.Is(err, ErrTornDown)
}

// Scope is a cancellable owner of in-flight work and teardown hooks.
//
// Thread-safety: safe for concurrent use.
type Scope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	clock  clock.Clock

	mu     sync.Mutex
	hooks  []func()
	closed bool
	wg     sync.WaitGroup
}

// NewScope creates a scope that also closes when parent is done.
func NewScope(parent context.Context, c clock.Clock) *Scope {
	if c == nil {
		c = clock.Real{}
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Scope{ctx: ctx, cancel: cancel, clock: c}
}

// Context returns the scope's context. It is cancelled with ErrTornDown as
// its cause when the scope closes.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// OnClose registers fn to run when the scope closes. Hooks run in reverse
// registration order. On a closed scope fn runs immediately.
func (s *Scope) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Track runs fn with the scope's context and waits for it. If the scope
// closes first, Track returns ErrTornDown without waiting for fn.
func (s *Scope) Track(fn func(ctx context.Context) error) error {
	if s.IsClosed() {
		return ErrTornDown
	}
	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done <- fn(s.ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-s.ctx.Done():
		return s.cause()
	}
}

// Go runs fn in a goroutine bound to the scope. Torn-down results are
// dropped silently; other errors are logged.
func (s *Scope) Go(fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil && !IsTornDown(err) && !errors.Is(err, context.Canceled) {
			slog.Warn("scoped task failed", "error", err)
		}
	}()
}

// Sleep waits for d on the scope's clock.
func (s *Scope) Sleep(d time.Duration) error {
	return Sleep(s.ctx, s.clock, d)
}

// Close cancels the scope and runs its hooks. Safe to call more than once.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	s.cancel(ErrTornDown)
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// Wait blocks until every goroutine started through the scope has returned.
func (s *Scope) Wait() {
	s.wg.Wait()
}

// IsClosed reports whether Close has been called.
func (s *Scope) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scope) cause() error {
	if err := context.Cause(s.ctx); err != nil {
		return err
	}
	return ErrTornDown
}

// Sleep waits for d on c, returning early with the context's cause when ctx
// is done.
func Sleep(ctx context.Context, c clock.Clock, d time.Duration) error {
	fired := make(chan struct{})
	t := c.AfterFunc(d, func() { close(fired) })
	defer t.Stop()
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
