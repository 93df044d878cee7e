package eventlog

import (
	"regexp"
	"strings"
)

// Event is an immutable record of something that happened.
type Event struct {
	EventType      string         `json:"eventType"`
	Timestamp      int64          `json:"timestamp"`
	Index          int64          `json:"index"`
	UID            string         `json:"uid"`
	Data           map[string]any `json:"data"`
	CurrentEpochID string         `json:"currentEpochId"`
}

// Clone returns a copy of e whose Data shares no maps or slices with e.
func (e Event) Clone() Event {
	if e.Data != nil {
		e.Data = cloneValue(e.Data).(map[string]any)
	}
	return e
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = cloneValue(child)
		}
		return out
	}
	return v
}

// Namespaces with special handling.
const (
	// DebugPrefix events are published on the bus but never persisted.
	DebugPrefix = "debug."

	// EpochPrefix events carry the id of the epoch they describe in data.id.
	EpochPrefix = "epoch."

	// ErrorType is the event type written by LogError.
	ErrorType = "error"
)

// illegalTypeChars are reserved by the storage key encoding.
var illegalTypeChars = regexp.MustCompile(`[:—#$\[\]]`)

// HasIllegalChars reports whether eventType contains a reserved character.
func HasIllegalChars(eventType string) bool {
	return illegalTypeChars.MatchString(eventType)
}

// SanitizeType replaces reserved characters with "_".
func SanitizeType(eventType string) string {
	return illegalTypeChars.ReplaceAllString(eventType, "_")
}

// IsDebug reports whether events of this type stay out of storage.
func IsDebug(eventType string) bool {
	return strings.HasPrefix(eventType, DebugPrefix)
}

// EpochID returns the epoch id carried by an epoch.* event.
func (e Event) EpochID() (string, bool) {
	if !strings.HasPrefix(e.EventType, EpochPrefix) {
		return "", false
	}
	id, ok := e.Data["id"].(string)
	return id, ok
}

// IsError reports whether e was produced by LogError.
func (e Event) IsError() bool {
	_, ok := e.Data["message"]
	return ok && strings.HasPrefix(e.EventType, ErrorType)
}
