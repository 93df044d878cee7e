package session

import (
	"log/slog"
	"math"
	"reflect"
	"sync"

	"github.com/roach88/labrun/internal/clock"
	"github.com/roach88/labrun/internal/jsonsafe"
)

// MetaSink receives changed metadata fields, keyed by field name.
type MetaSink interface {
	UpdateMeta(fields map[string]any)
}

// Session is the live metadata of the current run.
//
// Thread-safety: safe for concurrent use. Sink callbacks run without the
// session lock held.
type Session struct {
	clock clock.Clock

	mu   sync.Mutex
	meta Meta
	sink MetaSink
}

// FallbackIDFormat is the time layout of generated session ids.
const FallbackIDFormat = "UNKNOWN-20060102-150405"

// New creates the session for p. Missing identities become Unknown, a
// missing session id is generated from the local time, and a missing mode
// is inferred: live when either the study or participant is known.
func New(p Params, version string, c clock.Clock) *Session {
	if c == nil {
		c = clock.Real{}
	}
	now := c.Now()

	m := Meta{
		SessionID:      p.SessionID,
		ParticipantID:  p.ParticipantID,
		StudyID:        p.StudyID,
		Version:        version,
		Mode:           p.Mode,
		StartTime:      now.UnixMilli(),
		LastUpdateTime: now.UnixMilli(),
	}
	if m.SessionID == "" {
		m.SessionID = now.Format(FallbackIDFormat)
	}
	if m.ParticipantID == "" {
		m.ParticipantID = Unknown
	}
	if m.StudyID == "" {
		m.StudyID = Unknown
	}
	if m.Mode == "" {
		m.Mode = ModeDebug
		if m.StudyID != Unknown || m.ParticipantID != Unknown {
			m.Mode = ModeLive
		}
		slog.Info("inferred session mode",
			"mode", m.Mode,
			"study_id", m.StudyID,
			"participant_id", m.ParticipantID)
	}
	if p.Assignment != nil {
		a := *p.Assignment
		m.Assignment = &a
	}
	return &Session{clock: c, meta: m}
}

// SetSink routes future field changes to sink.
func (s *Session) SetSink(sink MetaSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// ID returns the immutable session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.SessionID
}

// Mode returns the session's storage mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Mode
}

// Snapshot returns a copy of the current metadata.
func (s *Session) Snapshot() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Clone()
}

// Assignment returns the assignment seed if one has been set.
func (s *Session) Assignment() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.Assignment == nil {
		return 0, false
	}
	return *s.meta.Assignment, true
}

// SetAssignment stores the assignment seed unless one already exists.
// Returns the effective assignment.
func (s *Session) SetAssignment(n int) int {
	var effective int
	s.mutate(func(m *Meta) map[string]any {
		if m.Assignment != nil {
			effective = *m.Assignment
			if effective != n {
				slog.Warn("assignment already set; ignoring new value",
					"assignment", effective, "ignored", n)
			}
			return nil
		}
		effective = n
		m.Assignment = &effective
		return map[string]any{FieldAssignment: n}
	})
	return effective
}

// Condition returns the recorded value for a condition key.
func (s *Session) Condition(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meta.Conditions[key]
	return v, ok
}

// SetCondition records a condition value unless the key already has one.
// Returns false if an existing different value was kept.
func (s *Session) SetCondition(key string, value any) bool {
	nv := jsonsafe.Coerce(value)
	kept := true
	s.mutate(func(m *Meta) map[string]any {
		if old, ok := m.Conditions[key]; ok {
			if !reflect.DeepEqual(old, nv) {
				slog.Warn("condition already recorded; keeping first value", "key", key)
				kept = false
			}
			return nil
		}
		if m.Conditions == nil {
			m.Conditions = map[string]any{}
		}
		m.Conditions[key] = nv
		return map[string]any{FieldConditions: jsonsafe.Coerce(m.Conditions)}
	})
	return kept
}

// SetBonus records the participant's bonus in dollars. Non-finite amounts
// are logged and ignored.
func (s *Session) SetBonus(dollars float64) {
	if math.IsNaN(dollars) || math.IsInf(dollars, 0) {
		slog.Error("ignoring non-finite bonus", "session_id", s.ID(), "bonus", dollars)
		return
	}
	s.mutate(func(m *Meta) map[string]any {
		if m.Bonus == dollars {
			return nil
		}
		m.Bonus = dollars
		return map[string]any{FieldBonus: dollars}
	})
}

// MarkCompleted stamps completionTime. Later calls keep the first stamp.
func (s *Session) MarkCompleted() {
	s.mutate(func(m *Meta) map[string]any {
		if m.CompletionTime != nil {
			return nil
		}
		t := clock.UnixMilli(s.clock)
		m.CompletionTime = &t
		return map[string]any{FieldCompletionTime: t}
	})
}

// Touch bumps lastUpdateTime without changing anything else.
func (s *Session) Touch() {
	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()
}

func (s *Session) touchLocked() {
	if now := clock.UnixMilli(s.clock); now > s.meta.LastUpdateTime {
		s.meta.LastUpdateTime = now
	}
}

// mutate applies fn under the lock. When fn reports changed fields,
// lastUpdateTime is bumped and the fields are forwarded to the sink.
func (s *Session) mutate(fn func(m *Meta) map[string]any) {
	s.mu.Lock()
	changed := fn(&s.meta)
	if len(changed) > 0 {
		s.touchLocked()
	}
	sink := s.sink
	s.mu.Unlock()

	if len(changed) > 0 && sink != nil {
		sink.UpdateMeta(changed)
	}
}
