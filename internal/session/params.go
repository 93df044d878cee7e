package session

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Mode selects the top-level partition of the remote store.
type Mode string

const (
	ModeLive  Mode = "live"
	ModeDebug Mode = "debug"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLive, ModeDebug:
		return Mode(s), nil
	}
	return "", fmt.Errorf("mode must be %q or %q, got %q", ModeDebug, ModeLive, s)
}

// Unknown is the placeholder for identities that were not supplied.
const Unknown = "UNKNOWN"

// ProlificSessionPlaceholder is the literal the recruitment platform leaves
// in the URL when it failed to substitute a session id.
const ProlificSessionPlaceholder = "{{%SESSION_ID%}}"

// Params are the identity parameters read from the launch URL.
// Empty strings and a nil Assignment mean "not supplied".
type Params struct {
	SessionID     string
	ParticipantID string
	StudyID       string
	Mode          Mode
	Assignment    *int
}

// ParamError is a fatal problem with a launch parameter.
type ParamError struct {
	Param  string
	Value  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("url parameter %s=%q: %s", e.Param, e.Value, e.Reason)
}

// ParseParams reads identity parameters from a launch URL query.
//
// Accepted names:
//
//	session_id | SESSION_ID
//	participant_id | PROLIFIC_PID
//	study_id | STUDY_ID
//	mode (debug or live)
//	assignment | condition (non-negative integer)
func ParseParams(q url.Values) (Params, error) {
	var p Params

	p.SessionID = first(q, "session_id", "SESSION_ID")
	if err := ValidateSessionID(p.SessionID); err != nil {
		return Params{}, err
	}

	p.ParticipantID = first(q, "participant_id", "PROLIFIC_PID")
	p.StudyID = first(q, "study_id", "STUDY_ID")

	if raw := q.Get("mode"); raw != "" {
		m, err := ParseMode(raw)
		if err != nil {
			return Params{}, &ParamError{Param: "mode", Value: raw, Reason: `must be "debug" or "live"`}
		}
		p.Mode = m
	}

	for _, name := range []string{"assignment", "condition"} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Params{}, &ParamError{Param: name, Value: raw, Reason: "must be a non-negative integer"}
		}
		p.Assignment = &n
		break
	}
	return p, nil
}

// ValidateSessionID rejects reserved and unaddressable session ids.
// The empty id is valid and means "generate one".
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return nil
	case id == "_meta":
		return &ParamError{Param: "session_id", Value: id, Reason: "reserved"}
	case id == ProlificSessionPlaceholder:
		return &ParamError{Param: "session_id", Value: id, Reason: "unsubstituted recruitment placeholder"}
	case strings.ContainsAny(id, ".#$[]/"):
		return &ParamError{Param: "session_id", Value: id, Reason: "contains illegal characters ( .#$[]/ )"}
	}
	return nil
}

func first(q url.Values, names ...string) string {
	for _, n := range names {
		if v := q.Get(n); v != "" {
			return v
		}
	}
	return ""
}
