package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/roach88/labrun/internal/clock"
	"github.com/roach88/labrun/internal/eventlog"
	"github.com/roach88/labrun/internal/jsonsafe"
	"github.com/roach88/labrun/internal/remote"
	"github.com/roach88/labrun/internal/session"
)

const (
	// DefaultDelay is the quiet period before a scheduled flush.
	DefaultDelay = time.Second

	// DefaultMaxWait bounds how long a write can stay queued under
	// continuous churn.
	DefaultMaxWait = 5 * time.Second

	// DefaultFlushTimeout bounds a scheduled flush.
	DefaultFlushTimeout = 10 * time.Second

	// maxRetryShift caps the retry backoff at delay<<maxRetryShift when
	// there is no max-wait ceiling.
	maxRetryShift = 6
)

// ErrNotInitialized is returned by Flush before InitializeSession.
var ErrNotInitialized = errors.New("writer: session not initialized")

// QueueStore persists the pending queue. *localstore.Store implements it.
type QueueStore interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	PutJSON(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// ErrorReporter records problems as log events. *eventlog.Logger
// implements it.
type ErrorReporter interface {
	ErrorMessage(message string, info any) eventlog.Event
}

// SessionSource is the live session metadata. *session.Session
// implements it.
type SessionSource interface {
	Snapshot() session.Meta
	SetSink(sink session.MetaSink)
}

// QueueKey returns the local store key of a session's pending queue.
func QueueKey(sessionID string) string {
	return "dataWriter-" + sessionID
}

// Writer is the write-back cache in front of the remote store.
//
// Thread-safety: safe for concurrent use. Flushes are serialized.
type Writer struct {
	store        remote.Store
	local        QueueStore
	reporter     ErrorReporter
	clock        clock.Clock
	delay        time.Duration
	maxWait      time.Duration
	flushTimeout time.Duration
	debounce     *debouncer

	flushMu sync.Mutex

	mu        sync.Mutex
	source    SessionSource
	mode      session.Mode
	sessionID string
	queue     map[string]any
	versions  map[string]uint64
	version   uint64
	disabled  bool
	offline   bool
	closed    bool
	failures  int
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the clock behind the debounce timers.
func WithClock(c clock.Clock) Option {
	return func(w *Writer) { w.clock = c }
}

// WithDelay sets the debounce delay and max-wait ceiling.
func WithDelay(delay, maxWait time.Duration) Option {
	return func(w *Writer) {
		w.delay = delay
		w.maxWait = maxWait
	}
}

// WithFlushTimeout bounds scheduled flushes.
func WithFlushTimeout(d time.Duration) Option {
	return func(w *Writer) { w.flushTimeout = d }
}

// WithQueueStore mirrors the live-mode queue to local.
func WithQueueStore(local QueueStore) Option {
	return func(w *Writer) { w.local = local }
}

// WithErrorReporter records normalization failures through r.
func WithErrorReporter(r ErrorReporter) Option {
	return func(w *Writer) { w.reporter = r }
}

// New creates a writer for store.
func New(store remote.Store, opts ...Option) *Writer {
	w := &Writer{
		store:        store,
		clock:        clock.Real{},
		delay:        DefaultDelay,
		maxWait:      DefaultMaxWait,
		flushTimeout: DefaultFlushTimeout,
		queue:        make(map[string]any),
		versions:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.debounce = newDebouncer(w.clock, w.delay, w.maxWait, w.scheduledFlush)
	return w
}

// Initialized reports whether InitializeSession has completed.
func (w *Writer) Initialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode != ""
}

// SessionID returns the session being written, or "" before
// initialization.
func (w *Writer) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// InitializeSession binds the writer to src. In live mode, writes queued
// so far are merged into the session's persisted queue. If the remote
// store already holds metadata for this session a warning is logged and
// the record is left as is; otherwise the full metadata is written. From
// then on every metadata change reported by src is queued.
func (w *Writer) InitializeSession(ctx context.Context, src SessionSource) error {
	meta := src.Snapshot()

	w.mu.Lock()
	if w.disabled {
		w.mu.Unlock()
		slog.Warn("initialize session called while writer disabled; ignoring", "session_id", meta.SessionID)
		return nil
	}
	if w.mode != "" {
		w.mu.Unlock()
		return fmt.Errorf("writer already initialized for session %s", w.sessionID)
	}
	if n := len(w.queue); n > 0 {
		slog.Info("initialize session: found queued updates", "count", n)
	}
	w.source = src
	w.mode = meta.Mode
	w.sessionID = meta.SessionID
	if w.mode == session.ModeLive {
		w.restoreLocked(ctx)
		w.persistLocked(ctx)
	}
	w.mu.Unlock()

	metaPath := session.Path(meta.Mode, session.KindMeta, meta.SessionID, "")
	_, exists, err := w.store.Get(ctx, metaPath)
	if err != nil {
		return fmt.Errorf("check existing session: %w", err)
	}
	if exists {
		slog.Warn("repeat session", "session_id", meta.SessionID, "mode", meta.Mode)
	} else {
		meta.LastUpdateTime = clock.UnixMilli(w.clock)
		if err := w.store.Set(ctx, metaPath, meta.Fields()); err != nil {
			return fmt.Errorf("write session meta: %w", err)
		}
	}

	src.SetSink(w)
	if w.HasPendingUpdates() {
		w.debounce.Trigger()
	}
	slog.Info("session initialized",
		"session_id", meta.SessionID,
		"mode", meta.Mode,
		"repeat", exists)
	return nil
}

// restoreLocked merges a queue persisted by an earlier run under the
// current entries.
func (w *Writer) restoreLocked(ctx context.Context) {
	if w.local == nil {
		return
	}
	var saved map[string]any
	found, err := w.local.GetJSON(ctx, QueueKey(w.sessionID), &saved)
	if err != nil {
		slog.Error("load persisted queue failed", "session_id", w.sessionID, "error", err)
		return
	}
	if !found {
		return
	}
	for rel, v := range saved {
		if _, ok := w.queue[rel]; ok {
			continue
		}
		w.queue[rel], _ = remote.SanitizeKeys(jsonsafe.Coerce(v))
		w.version++
		w.versions[rel] = w.version
	}
	slog.Info("restored persisted queue", "session_id", w.sessionID, "count", len(saved))
}

func (w *Writer) persistLocked(ctx context.Context) {
	if w.local == nil || w.mode != session.ModeLive {
		return
	}
	key := QueueKey(w.sessionID)
	var err error
	if len(w.queue) == 0 {
		err = w.local.Delete(ctx, key)
	} else {
		err = w.local.PutJSON(ctx, key, w.queue)
	}
	if err != nil {
		slog.Error("persist queue failed", "key", key, "error", err)
	}
}

// PushEvent queues e under the session's events.
func (w *Writer) PushEvent(e eventlog.Event) {
	key, value := eventlog.Compress(e)
	w.QueueUpdate(session.KindEvents, key, value)
}

// UpdateMeta queues each field separately so that independent fields
// never overwrite each other. It implements session.MetaSink.
func (w *Writer) UpdateMeta(fields map[string]any) {
	for _, k := range jsonsafe.SortedKeys(fields) {
		w.QueueUpdate(session.KindMeta, k, fields[k])
	}
}

// QueueUpdate queues value at {kind}/{key} of the session, replacing any
// value already queued there. Values that are not JSON-safe are reported
// and coerced; nothing is returned to the caller. Ignored while disabled.
func (w *Writer) QueueUpdate(kind session.Kind, key string, value any) {
	rel := string(kind)
	if key != "" {
		rel += "/" + key
	}

	if w.isDisabled() {
		return
	}

	v, err := jsonsafe.Normalize(value)
	if err != nil {
		normalizeFailures.Inc()
		w.report("non JSON-compatible value passed to queueUpdate", map[string]any{
			"path":  rel,
			"error": err.Error(),
		})
		v = jsonsafe.Coerce(value)
	}
	if sv, changed := remote.SanitizeKeys(v); changed {
		sanitizedTotal.Inc()
		w.report("reserved characters in keys passed to queueUpdate", map[string]any{
			"path":     rel,
			"replaced": remote.ReservedKeyChars,
		})
		v = sv
	}

	w.mu.Lock()
	w.queue[rel] = v
	w.version++
	w.versions[rel] = w.version
	w.persistLocked(context.Background())
	w.mu.Unlock()

	queuedTotal.WithLabelValues(string(kind)).Inc()
	slog.Debug("queue update", "path", rel)
	w.debounce.Trigger()
}

// report records a problem through the error reporter, or logs it when
// there is none. It must be called without w.mu held.
func (w *Writer) report(message string, info map[string]any) {
	if w.reporter != nil {
		w.reporter.ErrorMessage(message, info)
		return
	}
	args := make([]any, 0, 2*len(info))
	for _, k := range jsonsafe.SortedKeys(info) {
		args = append(args, k, info[k])
	}
	slog.Error(message, args...)
}

// WithDisabled runs fn with writes and flushes switched off, restoring
// the previous state afterwards even if fn panics.
func (w *Writer) WithDisabled(fn func() error) error {
	w.mu.Lock()
	prev := w.disabled
	w.disabled = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.disabled = prev
		w.mu.Unlock()
	}()
	return fn()
}

// Disable switches the writer off permanently.
func (w *Writer) Disable() {
	w.mu.Lock()
	w.disabled = true
	w.mu.Unlock()
	w.debounce.Cancel()
}

func (w *Writer) isDisabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disabled
}

// SetOnline records connectivity. Coming back online schedules a flush.
func (w *Writer) SetOnline(online bool) {
	w.mu.Lock()
	was := !w.offline
	w.offline = !online
	w.mu.Unlock()

	if online && !was {
		slog.Info("writer back online")
		w.debounce.Trigger()
	}
}

// HasPendingUpdates reports whether anything is queued.
func (w *Writer) HasPendingUpdates() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) > 0
}

// Pending returns a copy of the queue keyed by session-relative path.
func (w *Writer) Pending() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.queue)
}

// ClearQueue drops everything queued.
func (w *Writer) ClearQueue() {
	w.mu.Lock()
	clear(w.queue)
	clear(w.versions)
	w.persistLocked(context.Background())
	w.mu.Unlock()
	w.debounce.Cancel()
}

// Flush writes the full session metadata, then the queue. It is a no-op
// while disabled.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	disabled, src := w.disabled, w.source
	w.mu.Unlock()

	if disabled {
		slog.Warn("flush called while writer disabled")
		return nil
	}
	if src == nil {
		return ErrNotInitialized
	}

	w.debounce.Cancel()
	meta := src.Snapshot()
	metaPath := session.Path(meta.Mode, session.KindMeta, meta.SessionID, "")
	if err := w.store.Set(ctx, metaPath, meta.Fields()); err != nil {
		w.scheduleRetry()
		return fmt.Errorf("write session meta: %w", err)
	}
	return w.flushQueue(ctx)
}

// Close cancels any scheduled flush and stops retries.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.debounce.Cancel()
}

func (w *Writer) scheduledFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), w.flushTimeout)
	defer cancel()
	if err := w.flushQueue(ctx); err != nil {
		slog.Error("flush failed", "error", err)
	}
}

// flushQueue sends the queue as one update. Entries are removed only
// after the store accepts them, and only if they were not rewritten in
// the meantime.
func (w *Writer) flushQueue(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	switch {
	case w.offline:
		w.mu.Unlock()
		flushesTotal.WithLabelValues("skipped").Inc()
		return nil
	case w.disabled:
		w.mu.Unlock()
		flushesTotal.WithLabelValues("skipped").Inc()
		return nil
	case w.mode == "":
		w.mu.Unlock()
		slog.Debug("flush called before initialized, holding updates in queue")
		flushesTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	updates := make(map[string]any, len(w.queue)+1)
	var dropped []map[string]any
	for rel, v := range w.queue {
		full := w.fullPathLocked(rel)
		if err := remote.Validate(full, v); err != nil {
			delete(w.queue, rel)
			delete(w.versions, rel)
			dropped = append(dropped, map[string]any{"path": rel, "error": err.Error()})
			continue
		}
		updates[full] = v
	}
	if len(dropped) > 0 {
		w.persistLocked(ctx)
	}
	if len(w.queue) == 0 {
		w.mu.Unlock()
		w.reportDropped(dropped)
		return nil
	}
	sent := maps.Clone(w.versions)
	updates[session.Path(w.mode, session.KindMeta, w.sessionID, session.FieldLastUpdateTime)] = remote.ServerTimestamp
	w.mu.Unlock()
	w.reportDropped(dropped)

	start := time.Now()
	err := w.store.Update(ctx, updates)
	flushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		flushesTotal.WithLabelValues("error").Inc()
		slog.Error("failed to flush updates", "paths", len(updates), "error", err)
		w.scheduleRetry()
		return fmt.Errorf("flush %d paths: %w", len(updates), err)
	}
	flushesTotal.WithLabelValues("ok").Inc()
	flushSize.Observe(float64(len(updates)))

	w.mu.Lock()
	w.failures = 0
	kept := 0
	for rel, v := range sent {
		if w.versions[rel] == v {
			delete(w.queue, rel)
			delete(w.versions, rel)
		} else {
			kept++
		}
	}
	w.persistLocked(ctx)
	w.mu.Unlock()

	slog.Debug("flushed updates", "paths", len(updates), "rewritten", kept)
	return nil
}

// reportDropped records queued values the store could never accept. They
// are removed from the queue so they cannot block later flushes.
func (w *Writer) reportDropped(dropped []map[string]any) {
	for _, info := range dropped {
		droppedTotal.Inc()
		w.report("unwritable value dropped from write queue", info)
	}
}

// scheduleRetry re-arms the flush after a failure. The delay doubles with
// each consecutive failure up to the max-wait ceiling.
func (w *Writer) scheduleRetry() {
	w.mu.Lock()
	if w.closed || w.disabled || len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	w.failures++
	backoff := w.delay << min(w.failures-1, maxRetryShift)
	if w.maxWait > 0 && backoff > w.maxWait {
		backoff = w.maxWait
	}
	if backoff <= 0 {
		backoff = DefaultDelay
	}
	failures := w.failures
	w.mu.Unlock()

	slog.Warn("flush retry scheduled", "in", backoff, "failures", failures)
	w.debounce.Retry(backoff)
}

// fullPathLocked roots a session-relative path.
func (w *Writer) fullPathLocked(rel string) string {
	kind, key, _ := strings.Cut(rel, "/")
	return session.Path(w.mode, session.Kind(kind), w.sessionID, key)
}
