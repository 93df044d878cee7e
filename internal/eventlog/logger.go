package eventlog

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/roach88/labrun/internal/clock"
	"github.com/roach88/labrun/internal/jsonsafe"
)

// Sink receives events that must be persisted.
type Sink interface {
	PushEvent(e Event)
}

// EpochSource reports the id of the active epoch.
type EpochSource interface {
	CurrentID() string
}

// Logger stamps and routes events.
//
// Thread-safety: safe for concurrent use. Index assignment is atomic, so
// concurrent callers always receive distinct, increasing indices.
type Logger struct {
	clock clock.Clock
	seq   *clock.Sequence
	uids  UIDGenerator
	bus   *Bus

	mu    sync.RWMutex
	sink  Sink
	epoch EpochSource
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock sets the timestamp source.
func WithClock(c clock.Clock) Option {
	return func(l *Logger) { l.clock = c }
}

// WithSequence sets the index counter.
func WithSequence(s *clock.Sequence) Option {
	return func(l *Logger) { l.seq = s }
}

// WithUIDs sets the uid generator.
func WithUIDs(g UIDGenerator) Option {
	return func(l *Logger) { l.uids = g }
}

// WithSink sets where persisted events go.
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sink = s }
}

// WithBus sets the bus events are published on.
func WithBus(b *Bus) Option {
	return func(l *Logger) { l.bus = b }
}

// NewLogger creates a logger. Without options it uses wall time, a fresh
// sequence starting at 0, random uids, and a private bus.
func NewLogger(opts ...Option) *Logger {
	l := &Logger{
		clock: clock.Real{},
		seq:   clock.NewSequence(),
		uids:  RandomUID{},
		bus:   NewBus(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetEpochSource wires the navigator after construction; the navigator
// itself logs through this logger.
func (l *Logger) SetEpochSource(src EpochSource) {
	l.mu.Lock()
	l.epoch = src
	l.mu.Unlock()
}

// SetSink replaces the persistence target.
func (l *Logger) SetSink(s Sink) {
	l.mu.Lock()
	l.sink = s
	l.mu.Unlock()
}

// Bus returns the bus events are published on.
func (l *Logger) Bus() *Bus {
	return l.bus
}

// Log records an event. data may be nil and is copied, so the caller may
// reuse it. Events in the debug namespace are published but not persisted.
// Reserved characters in eventType are replaced with "_" and a warning is
// logged.
func (l *Logger) Log(eventType string, data map[string]any) Event {
	persist := !IsDebug(eventType)
	if persist && HasIllegalChars(eventType) {
		slog.Warn("event type contains reserved characters; replacing with \"_\"",
			"event_type", eventType)
		eventType = SanitizeType(eventType)
	}

	l.mu.RLock()
	sink, epoch := l.sink, l.epoch
	l.mu.RUnlock()

	e := Event{
		EventType: eventType,
		Timestamp: clock.UnixMilli(l.clock),
		Index:     l.seq.Next(),
		UID:       l.uids.Generate(),
		Data:      map[string]any{},
	}
	if data != nil {
		e.Data = cloneValue(data).(map[string]any)
	}
	if epoch != nil {
		e.CurrentEpochID = epoch.CurrentID()
	}

	if persist && sink != nil {
		sink.PushEvent(e)
	}
	l.bus.Publish(e)
	return e
}

// Emit implements the navigator's emitter.
func (l *Logger) Emit(eventType string, data map[string]any) {
	l.Log(eventType, data)
}

// Error records err as an error event. info is optional context.
func (l *Logger) Error(err error, info any) Event {
	data := map[string]any{"message": err.Error()}
	if info != nil {
		data["info"] = info
	}
	if cause := errors.Unwrap(err); cause != nil {
		data["cause"] = cause.Error()
	}
	return l.logError(data, "error", err)
}

// ErrorMessage records message as an error event. info may itself be an
// error, in which case it is reported as the cause.
func (l *Logger) ErrorMessage(message string, info any) Event {
	data := map[string]any{"message": message}
	if err, ok := info.(error); ok {
		data["cause"] = err.Error()
	} else if info != nil {
		data["info"] = info
	}
	return l.logError(data, "message", message)
}

func (l *Logger) logError(data map[string]any, attrs ...any) Event {
	// Coercion keeps the event storable whatever info contained.
	safe, _ := jsonsafe.Coerce(data).(map[string]any)
	slog.Error("logged error", append(attrs, "data", safe)...)
	return l.Log(ErrorType, safe)
}

// Recover logs a recovered panic as an error event. Call it deferred at the
// top of goroutines whose failures must not crash the session:
//
//	go func() {
//	    defer logger.Recover("app.panic")
//	    ...
//	}()
func (l *Logger) Recover(message string) {
	r := recover()
	if r == nil {
		return
	}
	l.Log(ErrorType, map[string]any{
		"message": message,
		"cause":   fmt.Sprint(r),
		"stack":   string(debug.Stack()),
	})
	slog.Error("recovered panic", "message", message, "panic", r)
}
