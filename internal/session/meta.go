package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/roach88/labrun/internal/jsonsafe"
)

// Meta is the flat metadata record stored at {mode}/meta/{sessionId}.
type Meta struct {
	SessionID      string         `json:"sessionId"`
	ParticipantID  string         `json:"participantId"`
	StudyID        string         `json:"studyId"`
	Version        string         `json:"version"`
	Mode           Mode           `json:"mode"`
	StartTime      int64          `json:"startTime"`
	CompletionTime *int64         `json:"completionTime,omitempty"`
	LastUpdateTime int64          `json:"lastUpdateTime"`
	Bonus          float64        `json:"bonus"`
	Assignment     *int           `json:"assignment,omitempty"`
	Conditions     map[string]any `json:"conditions,omitempty"`
}

// Metadata field names as stored.
const (
	FieldSessionID      = "sessionId"
	FieldParticipantID  = "participantId"
	FieldStudyID        = "studyId"
	FieldVersion        = "version"
	FieldMode           = "mode"
	FieldStartTime      = "startTime"
	FieldCompletionTime = "completionTime"
	FieldLastUpdateTime = "lastUpdateTime"
	FieldBonus          = "bonus"
	FieldAssignment     = "assignment"
	FieldConditions     = "conditions"
)

// Fields returns m as a JSON-safe field map. Values that are not JSON-safe
// are logged and coerced.
func (m Meta) Fields() map[string]any {
	fields := map[string]any{
		FieldSessionID:      m.SessionID,
		FieldParticipantID:  m.ParticipantID,
		FieldStudyID:        m.StudyID,
		FieldVersion:        m.Version,
		FieldMode:           string(m.Mode),
		FieldStartTime:      m.StartTime,
		FieldLastUpdateTime: m.LastUpdateTime,
		FieldBonus:          m.Bonus,
	}
	if m.CompletionTime != nil {
		fields[FieldCompletionTime] = *m.CompletionTime
	}
	if m.Assignment != nil {
		fields[FieldAssignment] = *m.Assignment
	}
	if len(m.Conditions) > 0 {
		fields[FieldConditions] = m.Conditions
	}

	v, err := jsonsafe.Normalize(fields)
	if err != nil {
		slog.Error("session meta is not JSON-safe; coercing", "session_id", m.SessionID, "error", err)
		v = jsonsafe.Coerce(fields)
	}
	return v.(map[string]any)
}

// Clone returns a deep copy of m.
func (m Meta) Clone() Meta {
	out := m
	if m.CompletionTime != nil {
		t := *m.CompletionTime
		out.CompletionTime = &t
	}
	if m.Assignment != nil {
		a := *m.Assignment
		out.Assignment = &a
	}
	out.Conditions = maps.Clone(m.Conditions)
	return out
}

// MetaFromValue decodes metadata read back from the remote store.
func MetaFromValue(v any) (Meta, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Meta{}, fmt.Errorf("encode meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, fmt.Errorf("decode meta: %w", err)
	}
	return m, nil
}

// Kind is the second-level partition of the remote store.
type Kind string

const (
	KindMeta   Kind = "meta"
	KindEvents Kind = "events"
	KindOther  Kind = "other"
)

// Path returns the remote path {mode}/{kind}/{sessionId}/{key}.
// An empty key addresses the session's whole record of that kind.
func Path(mode Mode, kind Kind, sessionID, key string) string {
	parts := []string{string(mode), string(kind), sessionID}
	if key != "" {
		parts = append(parts, key)
	}
	return strings.Join(parts, "/")
}
