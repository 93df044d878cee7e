package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/labrun/internal/eventlog"
	"github.com/roach88/labrun/internal/remote"
	"github.com/roach88/labrun/internal/session"
	"github.com/roach88/labrun/internal/testutil"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func seedSession(t *testing.T, store remote.Store, sid string, start, updated int64, events ...eventlog.Event) {
	t.Helper()
	meta := session.Meta{
		SessionID:      sid,
		ParticipantID:  "p-" + sid,
		StudyID:        "study",
		Version:        "v1",
		Mode:           session.ModeLive,
		StartTime:      start,
		LastUpdateTime: updated,
	}
	record := map[string]any{}
	for _, e := range events {
		k, v := eventlog.Compress(e)
		record[k] = v
	}
	values := map[string]any{
		session.Path(session.ModeLive, session.KindMeta, sid, ""):  meta.Fields(),
		session.Path(session.ModeLive, session.KindOther, sid, ""): map[string]any{"survey": "done"},
	}
	if len(record) > 0 {
		values[session.Path(session.ModeLive, session.KindEvents, sid, "")] = record
	}
	require.NoError(t, store.Update(context.Background(), values))
}

func TestSyncDownloadsStaleSessions(t *testing.T) {
	ctx := context.Background()
	c := testutil.NewFakeClock(t0)
	store := remote.NewMemoryStore(c)
	files, _ := memFiles(t)

	seedSession(t, store, "s1", 1000, 2000,
		eventlog.Event{EventType: "epoch.start.intro", Timestamp: 1500, Index: 0, UID: "u1", Data: map[string]any{"id": "intro"}},
		eventlog.Event{EventType: "trial.response", Timestamp: 1600, Index: 1, UID: "u2", Data: map[string]any{"rt": 300}},
	)
	seedSession(t, store, "s2", 3000, 4000)

	remoteMeta, err := RemoteMeta(ctx, store, session.ModeLive)
	require.NoError(t, err)
	local, err := LocalMeta(files, session.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, SyncStale, Status(remoteMeta, local))
	assert.Equal(t, SyncLoading, Status(nil, local))

	syncer := NewSyncer(store, files, WithSyncClock(c), WithConcurrency(2))
	res, err := syncer.Sync(ctx, session.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, res.Downloaded)
	assert.Zero(t, res.Skipped)

	stored, ok, err := ReadLocalSession(files, session.ModeLive, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.UnixMilli(), stored.DownloadTime)
	assert.Equal(t, "p-s1", stored.Meta.ParticipantID)
	assert.Equal(t, map[string]any{"survey": "done"}, stored.Other)
	require.Len(t, stored.Events, 2)
	assert.Equal(t, "intro", stored.Events[1].CurrentEpochID)

	local, err = LocalMeta(files, session.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, SyncSynced, Status(remoteMeta, local))
	assert.Equal(t, int64(4000), local["s2"].LastUpdateTime)

	// Only s2 changes remotely.
	c.Advance(time.Minute)
	seedSession(t, store, "s2", 3000, t0.Add(30*time.Second).UnixMilli())
	res, err = syncer.Sync(ctx, session.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, res.Downloaded)
	assert.Equal(t, 1, res.Skipped)

	local, err = LocalMeta(files, session.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, t0.UnixMilli(), local["s1"].DownloadTime)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), local["s2"].DownloadTime)

	res, err = syncer.Sync(ctx, session.ModeLive)
	require.NoError(t, err)
	assert.Empty(t, res.Downloaded)
	assert.Equal(t, 2, res.Skipped)
}

func TestFetchSessionMissing(t *testing.T) {
	store := remote.NewMemoryStore(testutil.NewFakeClock(t0))
	_, ok, err := FetchSession(context.Background(), store, session.ModeDebug, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadLocalSessionMissing(t *testing.T) {
	files, _ := memFiles(t)
	_, ok, err := ReadLocalSession(files, session.ModeLive, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExportHelpers(t *testing.T) {
	now := t0
	done := now.Add(-time.Hour).UnixMilli()
	metas := []session.Meta{
		{SessionID: "old", Version: "v1", StartTime: 100, LastUpdateTime: now.Add(-2 * time.Hour).UnixMilli()},
		{SessionID: "new", Version: "v1", StartTime: 300, LastUpdateTime: now.Add(-10 * time.Second).UnixMilli()},
		{SessionID: "mid", Version: "v2", StartTime: 200, LastUpdateTime: now.Add(-5 * time.Minute).UnixMilli(), CompletionTime: &done},
	}

	rows := SessionList(metas, now)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{rows[0].SessionID, rows[1].SessionID, rows[2].SessionID})
	assert.Equal(t, session.StatusActive, rows[0].Status)
	assert.Equal(t, session.StatusCompleted, rows[1].Status)
	assert.Equal(t, session.StatusQuit, rows[2].Status)

	info := MakeVersionInfo(metas, now)
	assert.Equal(t, map[session.Status]int{
		session.StatusCompleted: 1,
		session.StatusActive:    1,
		session.StatusIdle:      0,
		session.StatusQuit:      1,
	}, info.Counts)
	assert.Equal(t, int64(100), info.EarliestStartTime)
	assert.Equal(t, int64(300), info.LatestStartTime)
	assert.Equal(t, now.Add(-10*time.Second).UnixMilli(), info.LatestUpdateTime)

	groups := ByVersion(metas)
	assert.Len(t, groups["v1"], 2)
	assert.Len(t, groups["v2"], 1)

	empty := MakeVersionInfo(nil, now)
	assert.Zero(t, empty.EarliestStartTime)
	assert.Len(t, empty.Counts, 4)
}

func TestEventRows(t *testing.T) {
	data := SessionData{
		Meta: session.Meta{SessionID: "s1", Mode: session.ModeDebug},
		Events: []eventlog.Event{
			{EventType: "session.start", Timestamp: 1},
			{EventType: "epoch.start.A", Timestamp: 2, Data: map[string]any{"id": "A"}},
			{EventType: "trial.response", Timestamp: 3, Data: map[string]any{"rt": 1}},
			{EventType: "epoch.start.B", Timestamp: 4, Data: map[string]any{"id": "A-B[0]"}},
			{EventType: "epoch.start.bad", Timestamp: 5, Data: map[string]any{"id": 7}},
		},
	}
	rows := EventRows(data)
	require.Len(t, rows, 5)
	assert.Equal(t, "", rows[0].Epoch)
	assert.Equal(t, map[string]any{}, rows[0].Data)
	assert.Equal(t, "A", rows[1].Epoch)
	assert.Equal(t, map[string]any{}, rows[1].Data, "epoch start rows drop their payload")
	assert.Equal(t, "A", rows[2].Epoch)
	assert.Equal(t, map[string]any{"rt": 1}, rows[2].Data)
	assert.Equal(t, "A-B[0]", rows[3].Epoch)
	assert.Equal(t, "A-B[0]", rows[4].Epoch, "non-string id keeps the current epoch")
	assert.Equal(t, session.ModeDebug, rows[4].Mode)

	records := Records(rows)
	assert.Equal(t, "debug", records[0]["mode"])
	assert.Equal(t, int64(3), records[2]["time"])
}
