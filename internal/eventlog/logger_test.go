package eventlog

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/labrun/internal/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) PushEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventType
	}
	return out
}

type staticEpoch string

func (s staticEpoch) CurrentID() string { return string(s) }

func newTestLogger(sink Sink, uids ...string) *Logger {
	return NewLogger(
		WithClock(testutil.NewFakeClock(time.UnixMilli(1_700_000_000_000))),
		WithUIDs(NewFixedUIDs(uids...)),
		WithSink(sink),
	)
}

func TestLogStampsEvents(t *testing.T) {
	sink := &recordingSink{}
	l := newTestLogger(sink, "u0", "u1")
	l.SetEpochSource(staticEpoch("intro-consent"))

	e0 := l.Log("trial.start", map[string]any{"n": 1})
	e1 := l.Log("trial.end", nil)

	assert.Equal(t, Event{
		EventType:      "trial.start",
		Timestamp:      1_700_000_000_000,
		Index:          0,
		UID:            "u0",
		Data:           map[string]any{"n": 1},
		CurrentEpochID: "intro-consent",
	}, e0)
	assert.Equal(t, int64(1), e1.Index)
	assert.Equal(t, map[string]any{}, e1.Data)
	assert.Equal(t, []string{"trial.start", "trial.end"}, sink.types())
}

func TestDebugEventsAreNotPersisted(t *testing.T) {
	sink := &recordingSink{}
	l := newTestLogger(sink, "u0", "u1")
	feed := l.Bus().Subscribe()
	defer feed.Close()

	l.Log("debug.render", nil)
	l.Log("app.ready", nil)

	assert.Equal(t, []string{"app.ready"}, sink.types())
	assert.Equal(t, 2, feed.Len(), "debug events still reach the bus")
}

func TestIllegalCharactersReplaced(t *testing.T) {
	sink := &recordingSink{}
	l := newTestLogger(sink, "u0", "u1")

	e := l.Log("trial:bad—type#[1]$", nil)
	assert.Equal(t, "trial_bad_type__1__", e.EventType)
	assert.False(t, HasIllegalChars(e.EventType))

	// Debug events never reach storage, so they are left alone.
	d := l.Log("debug.a:b", nil)
	assert.Equal(t, "debug.a:b", d.EventType)
}

func TestIndicesUniqueUnderConcurrency(t *testing.T) {
	l := NewLogger()
	const n = 200

	var wg sync.WaitGroup
	indices := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			indices <- l.Log("tick", nil).Index
		}()
	}
	wg.Wait()
	close(indices)

	seen := map[int64]bool{}
	for idx := range indices {
		require.False(t, seen[idx], "duplicate index %d", idx)
		seen[idx] = true
	}
	assert.Len(t, seen, n)
}

func TestErrorEvents(t *testing.T) {
	sink := &recordingSink{}
	l := newTestLogger(sink, "u0", "u1", "u2")

	base := errors.New("socket closed")
	e := l.Error(fmt.Errorf("flush failed: %w", base), map[string]any{"attempt": 2})
	assert.Equal(t, ErrorType, e.EventType)
	assert.Equal(t, map[string]any{
		"message": "flush failed: socket closed",
		"info":    map[string]any{"attempt": int64(2)},
		"cause":   "socket closed",
	}, e.Data)
	assert.True(t, e.IsError())

	e = l.ErrorMessage("queueUpdate: value is not JSON-safe", map[string]any{"path": "other/x"})
	assert.Equal(t, map[string]any{
		"message": "queueUpdate: value is not JSON-safe",
		"info":    map[string]any{"path": "other/x"},
	}, e.Data)

	e = l.ErrorMessage("app.error", base)
	assert.Equal(t, "socket closed", e.Data["cause"])
}

func TestRecover(t *testing.T) {
	sink := &recordingSink{}
	l := newTestLogger(sink, "u0")

	func() {
		defer l.Recover("app.panic")
		panic("boom")
	}()

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.Equal(t, "app.panic", e.Data["message"])
	assert.Equal(t, "boom", e.Data["cause"])
	assert.Contains(t, e.Data["stack"], "TestRecover")
}

func TestEpochID(t *testing.T) {
	id, ok := Event{EventType: "epoch.start.B", Data: map[string]any{"id": "A-B[2]"}}.EpochID()
	assert.True(t, ok)
	assert.Equal(t, "A-B[2]", id)

	_, ok = Event{EventType: "trial.start", Data: map[string]any{"id": "x"}}.EpochID()
	assert.False(t, ok)
}

func TestRandomUID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		uid := RandomUID{}.Generate()
		require.Len(t, uid, UIDLength)
		require.Regexp(t, `^[0-9a-z]+$`, uid)
		seen[uid] = true
	}
	assert.Greater(t, len(seen), 990)
}

func TestFixedUIDsPanicsWhenExhausted(t *testing.T) {
	g := NewFixedUIDs("only")
	assert.Equal(t, "only", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestLogCopiesData(t *testing.T) {
	sink := &recordingSink{}
	l := newTestLogger(sink, "u0")
	f1 := l.Bus().Subscribe()
	f2 := l.Bus().Subscribe()

	data := map[string]any{"rt": 432, "pos": map[string]any{"x": 1}}
	e := l.Log("trial.response", data)
	data["rt"] = 0

	a, ok := f1.TryNext()
	require.True(t, ok)
	b, ok := f2.TryNext()
	require.True(t, ok)
	a.Data["pos"].(map[string]any)["x"] = 99

	assert.Equal(t, 432, e.Data["rt"], "caller changes do not leak into the event")
	assert.Equal(t, 432, sink.events[0].Data["rt"])
	assert.Equal(t, 1, b.Data["pos"].(map[string]any)["x"], "subscribers get separate copies")
	assert.Equal(t, 1, sink.events[0].Data["pos"].(map[string]any)["x"])
}
