package eventlog

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// KeySeparator separates the fields of a storage key.
const KeySeparator = "—"

// Compress encodes e as its storage key and value. The value is e.Data, or
// false when the data map is empty.
func Compress(e Event) (string, any) {
	key := strings.Join([]string{
		strconv.FormatInt(e.Timestamp, 10),
		strconv.FormatInt(e.Index, 10),
		strings.ReplaceAll(e.EventType, ".", ":"),
		e.UID,
	}, KeySeparator)
	if len(e.Data) == 0 {
		return key, false
	}
	return key, e.Data
}

// KeyError reports a storage key or value that cannot be decoded.
type KeyError struct {
	Key    string
	Reason string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("event key %q: %s", e.Key, e.Reason)
}

// ParseKey decodes a storage key into an event without data.
func ParseKey(key string) (Event, error) {
	parts := strings.Split(key, KeySeparator)
	if len(parts) != 4 {
		return Event{}, &KeyError{Key: key, Reason: fmt.Sprintf("expected 4 fields, got %d", len(parts))}
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Event{}, &KeyError{Key: key, Reason: "timestamp is not an integer"}
	}
	idx, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Event{}, &KeyError{Key: key, Reason: "index is not an integer"}
	}
	return Event{
		Timestamp: ts,
		Index:     idx,
		EventType: strings.ReplaceAll(parts[2], ":", "."),
		UID:       parts[3],
	}, nil
}

// Decompress decodes a session's stored events.
//
// Storage order is not meaningful, so events are returned sorted by
// (timestamp, index). CurrentEpochID is rebuilt in that order from the id
// carried by each epoch.* event; an epoch event is attributed to the epoch
// it announces.
func Decompress(record map[string]any) ([]Event, error) {
	events := make([]Event, 0, len(record))
	for key, value := range record {
		e, err := ParseKey(key)
		if err != nil {
			return nil, err
		}
		switch v := value.(type) {
		case bool:
			if v {
				return nil, &KeyError{Key: key, Reason: "data must be an object or false"}
			}
			e.Data = map[string]any{}
		case map[string]any:
			e.Data = v
		case nil:
			e.Data = map[string]any{}
		default:
			return nil, &KeyError{Key: key, Reason: fmt.Sprintf("data must be an object or false, got %T", value)}
		}
		events = append(events, e)
	}

	slices.SortFunc(events, func(a, b Event) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})

	current := ""
	for i := range events {
		if strings.HasPrefix(events[i].EventType, EpochPrefix) {
			id, ok := events[i].Data["id"].(string)
			if !ok {
				return nil, &KeyError{Key: events[i].EventType, Reason: "epoch event without string id"}
			}
			current = id
		}
		events[i].CurrentEpochID = current
	}
	return events, nil
}
