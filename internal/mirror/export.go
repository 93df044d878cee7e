package mirror

import (
	"cmp"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/roach88/labrun/internal/eventlog"
	"github.com/roach88/labrun/internal/session"
)

// SessionRow is one line of a session overview.
type SessionRow struct {
	SessionID      string         `json:"sessionId"`
	Version        string         `json:"version"`
	Status         session.Status `json:"status"`
	StartTime      int64          `json:"startTime"`
	LastUpdateTime int64          `json:"lastUpdateTime"`
	ParticipantID  string         `json:"participantId"`
	StudyID        string         `json:"studyId"`
}

// SessionList summarizes sessions, newest start first.
func SessionList(metas []session.Meta, now time.Time) []SessionRow {
	sorted := slices.Clone(metas)
	slices.SortStableFunc(sorted, func(a, b session.Meta) int {
		if c := cmp.Compare(b.StartTime, a.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	rows := make([]SessionRow, len(sorted))
	for i, m := range sorted {
		rows[i] = SessionRow{
			SessionID:      m.SessionID,
			Version:        m.Version,
			Status:         session.StatusOf(m, now),
			StartTime:      m.StartTime,
			LastUpdateTime: m.LastUpdateTime,
			ParticipantID:  m.ParticipantID,
			StudyID:        m.StudyID,
		}
	}
	return rows
}

// Metas returns the values of a metadata map.
func Metas[M ~map[string]session.Meta](all M) []session.Meta {
	return slices.Collect(maps.Values(all))
}

// EventRow is one event flattened for analysis.
type EventRow struct {
	SessionID string         `json:"sessionId"`
	Mode      session.Mode   `json:"mode"`
	Time      int64          `json:"time"`
	Epoch     string         `json:"epoch"`
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data"`
}

// EventRows flattens a session's events, tagging each with the epoch that
// was current when it happened. Epoch start rows carry empty data.
func EventRows(s SessionData) []EventRow {
	rows := make([]EventRow, 0, len(s.Events))
	current := ""
	for _, e := range s.Events {
		data := e.Data
		if data == nil {
			data = map[string]any{}
		}
		if strings.HasPrefix(e.EventType, eventlog.EpochPrefix+"start") {
			if id, ok := data["id"].(string); ok {
				current = id
			}
			data = map[string]any{}
		}
		rows = append(rows, EventRow{
			SessionID: s.Meta.SessionID,
			Mode:      s.Meta.Mode,
			Time:      e.Timestamp,
			Epoch:     current,
			EventType: e.EventType,
			Data:      data,
		})
	}
	return rows
}

// Records converts rows to CSV-ready objects.
func Records(rows []EventRow) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any{
			"sessionId": r.SessionID,
			"mode":      string(r.Mode),
			"time":      r.Time,
			"epoch":     r.Epoch,
			"eventType": r.EventType,
			"data":      r.Data,
		}
	}
	return out
}

// VersionInfo aggregates the sessions of one experiment version.
type VersionInfo struct {
	Counts            map[session.Status]int `json:"counts"`
	EarliestStartTime int64                  `json:"earliestStartTime"`
	LatestStartTime   int64                  `json:"latestStartTime"`
	LatestUpdateTime  int64                  `json:"latestUpdateTime"`
}

// StatusCounts counts sessions per status. Every status is present.
func StatusCounts(metas []session.Meta, now time.Time) map[session.Status]int {
	counts := make(map[session.Status]int, len(session.Statuses))
	for _, s := range session.Statuses {
		counts[s] = 0
	}
	for _, m := range metas {
		counts[session.StatusOf(m, now)]++
	}
	return counts
}

// MakeVersionInfo summarizes metas. Time bounds are zero when metas is
// empty.
func MakeVersionInfo(metas []session.Meta, now time.Time) VersionInfo {
	info := VersionInfo{Counts: StatusCounts(metas, now)}
	for i, m := range metas {
		if i == 0 {
			info.EarliestStartTime = m.StartTime
			info.LatestStartTime = m.StartTime
			info.LatestUpdateTime = m.LastUpdateTime
			continue
		}
		info.EarliestStartTime = min(info.EarliestStartTime, m.StartTime)
		info.LatestStartTime = max(info.LatestStartTime, m.StartTime)
		info.LatestUpdateTime = max(info.LatestUpdateTime, m.LastUpdateTime)
	}
	return info
}

// ByVersion groups metas by experiment version.
func ByVersion(metas []session.Meta) map[string][]session.Meta {
	out := map[string][]session.Meta{}
	for _, m := range metas {
		out[m.Version] = append(out[m.Version], m)
	}
	return out
}

func sortedIDs[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func sortStrings(s []string) {
	slices.Sort(s)
}
