package prolific

import (
	"errors"
	"fmt"
)

// Error is a failed call to the recruitment platform.
type Error struct {
	Method string
	Path   string
	// Status is the HTTP status, or 0 when no response was received.
	Status int
	// Body is the decoded response body, if any.
	Body    any
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("prolific: %s", e.Message)
	}
	return fmt.Sprintf("prolific: API error: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// ValidationError reports a value the platform must never receive.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "prolific: " + e.Reason
	}
	return fmt.Sprintf("prolific: %s: %s", e.Field, e.Reason)
}

// ErrStatus is returned by Request when the client is not in the OK status.
var ErrStatus = errors.New("prolific: invalid status")

// ErrWatchExhausted is returned when a watch used its calls before the
// condition held.
var ErrWatchExhausted = errors.New("prolific: watch exhausted before condition held")

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}
