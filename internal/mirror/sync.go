package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/labrun/internal/clock"
	"github.com/roach88/labrun/internal/eventlog"
	"github.com/roach88/labrun/internal/remote"
	"github.com/roach88/labrun/internal/session"
)

// DefaultConcurrency bounds parallel session downloads.
const DefaultConcurrency = 8

// SessionData is everything recorded for one session.
type SessionData struct {
	Meta   session.Meta     `json:"meta"`
	Events []eventlog.Event `json:"events"`
	Other  map[string]any   `json:"other,omitempty"`
}

// StoredSession is a session as written to the mirror.
type StoredSession struct {
	SessionData
	DownloadTime int64 `json:"_downloadTime"`
}

// StoredMeta is one entry of a mode's _meta.json index.
type StoredMeta struct {
	session.Meta
	DownloadTime int64 `json:"_downloadTime"`
}

// SessionFile returns the mirror path of a session's data.
func SessionFile(mode session.Mode, sessionID string) string {
	return fmt.Sprintf("raw/%s/%s.json", mode, sessionID)
}

// IndexFile returns the mirror path of a mode's metadata index.
func IndexFile(mode session.Mode) string {
	return fmt.Sprintf("raw/%s/_meta.json", mode)
}

// FetchSession reads a session from the remote store. It reports false if
// the session has no metadata.
func FetchSession(ctx context.Context, store remote.Store, mode session.Mode, sessionID string) (SessionData, bool, error) {
	rawMeta, ok, err := store.Get(ctx, session.Path(mode, session.KindMeta, sessionID, ""))
	if err != nil {
		return SessionData{}, false, fmt.Errorf("fetch meta %s: %w", sessionID, err)
	}
	if !ok {
		return SessionData{}, false, nil
	}
	meta, err := session.MetaFromValue(rawMeta)
	if err != nil {
		return SessionData{}, false, fmt.Errorf("session %s: %w", sessionID, err)
	}

	rawEvents, _, err := store.Get(ctx, session.Path(mode, session.KindEvents, sessionID, ""))
	if err != nil {
		return SessionData{}, false, fmt.Errorf("fetch events %s: %w", sessionID, err)
	}
	record, _ := rawEvents.(map[string]any)
	events, err := eventlog.Decompress(record)
	if err != nil {
		return SessionData{}, false, fmt.Errorf("session %s: %w", sessionID, err)
	}

	rawOther, _, err := store.Get(ctx, session.Path(mode, session.KindOther, sessionID, ""))
	if err != nil {
		return SessionData{}, false, fmt.Errorf("fetch other %s: %w", sessionID, err)
	}
	other, _ := rawOther.(map[string]any)

	return SessionData{Meta: meta, Events: events, Other: other}, true, nil
}

// ReadLocalSession reads a mirrored session. It reports false if the
// session was never downloaded.
func ReadLocalSession(files *FileStore, mode session.Mode, sessionID string) (StoredSession, bool, error) {
	var s StoredSession
	ok, err := files.GetJSON(SessionFile(mode, sessionID), &s)
	return s, ok, err
}

// RemoteMeta reads every session's metadata for mode, keyed by session id.
func RemoteMeta(ctx context.Context, store remote.Store, mode session.Mode) (map[string]session.Meta, error) {
	raw, _, err := store.Get(ctx, fmt.Sprintf("%s/%s", mode, session.KindMeta))
	if err != nil {
		return nil, fmt.Errorf("fetch %s metadata: %w", mode, err)
	}
	all, _ := raw.(map[string]any)
	out := make(map[string]session.Meta, len(all))
	for sid, v := range all {
		m, err := session.MetaFromValue(v)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", sid, err)
		}
		out[sid] = m
	}
	return out, nil
}

// LocalMeta reads a mode's mirror index, which is empty before the first
// sync.
func LocalMeta(files *FileStore, mode session.Mode) (map[string]StoredMeta, error) {
	index := map[string]StoredMeta{}
	if _, err := files.GetJSON(IndexFile(mode), &index); err != nil {
		return nil, err
	}
	return index, nil
}

// SyncStatus compares the mirror against the remote store.
type SyncStatus string

const (
	SyncLoading SyncStatus = "loading"
	SyncStale   SyncStatus = "stale"
	SyncSynced  SyncStatus = "synced"
)

// Status reports SyncStale when any remote update is newer than the latest
// download. Without data on either side it reports SyncLoading.
func Status(remoteMeta map[string]session.Meta, local map[string]StoredMeta) SyncStatus {
	if remoteMeta == nil || local == nil {
		return SyncLoading
	}
	var lastSync, lastUpdate int64
	for _, m := range local {
		lastSync = max(lastSync, m.DownloadTime)
	}
	for _, m := range remoteMeta {
		lastUpdate = max(lastUpdate, m.LastUpdateTime)
	}
	if lastSync < lastUpdate {
		return SyncStale
	}
	return SyncSynced
}

// SyncResult summarizes one Sync call.
type SyncResult struct {
	Downloaded []string
	Missing    []string
	Skipped    int
}

// Syncer downloads remote sessions into the mirror.
type Syncer struct {
	store       remote.Store
	files       *FileStore
	clock       clock.Clock
	concurrency int

	// serializes Sync calls per syncer
	mu sync.Mutex
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithSyncClock sets the clock used for download stamps.
func WithSyncClock(c clock.Clock) SyncerOption {
	return func(s *Syncer) { s.clock = c }
}

// WithConcurrency bounds parallel session downloads.
func WithConcurrency(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewSyncer creates a syncer from store into files.
func NewSyncer(store remote.Store, files *FileStore, opts ...SyncerOption) *Syncer {
	s := &Syncer{store: store, files: files, clock: clock.Real{}, concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync downloads every session of mode whose remote lastUpdateTime is newer
// than its local download time, then rewrites the index if anything
// changed. All downloads in one call share a single download time.
func (s *Syncer) Sync(ctx context.Context, mode session.Mode) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remoteMeta, err := RemoteMeta(ctx, s.store, mode)
	if err != nil {
		return SyncResult{}, err
	}
	local, err := LocalMeta(s.files, mode)
	if err != nil {
		return SyncResult{}, err
	}

	now := s.clock.Now().UnixMilli()
	var (
		res SyncResult
		mu  sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, sid := range sortedIDs(remoteMeta) {
		if local[sid].DownloadTime >= remoteMeta[sid].LastUpdateTime {
			res.Skipped++
			continue
		}
		g.Go(func() error {
			data, ok, err := FetchSession(gctx, s.store, mode, sid)
			if err != nil {
				return err
			}
			if !ok {
				slog.Error("session data not found", "session", sid, "mode", mode)
				mu.Lock()
				res.Missing = append(res.Missing, sid)
				mu.Unlock()
				return nil
			}
			stored := StoredSession{SessionData: data, DownloadTime: now}
			if err := s.files.Put(SessionFile(mode, sid), stored); err != nil {
				return fmt.Errorf("write session %s: %w", sid, err)
			}
			mu.Lock()
			local[sid] = StoredMeta{Meta: remoteMeta[sid], DownloadTime: now}
			res.Downloaded = append(res.Downloaded, sid)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	// Persist whatever landed even when a download failed.
	if len(res.Downloaded) > 0 {
		if perr := s.files.Put(IndexFile(mode), local); perr != nil && err == nil {
			err = fmt.Errorf("write index: %w", perr)
		}
	}
	if err != nil {
		return res, err
	}
	sortStrings(res.Downloaded)
	sortStrings(res.Missing)
	if len(res.Downloaded) > 0 {
		slog.Info("synced local data", "mode", mode, "downloaded", len(res.Downloaded), "skipped", res.Skipped)
	} else {
		slog.Info("no changes to local data", "mode", mode)
	}
	return res, nil
}
