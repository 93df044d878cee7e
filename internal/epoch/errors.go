package epoch

import (
	"errors"
	"fmt"
)

// JumpError represents a failed deep-link replay.
type JumpError struct {
	// Code identifies the error category.
	Code JumpErrorCode

	// Target is the id that was requested.
	Target string

	// Message is a human-readable description.
	Message string

	// Iterations is the number of navigation steps taken before failing.
	Iterations int
}

// JumpErrorCode categorizes jump failures.
type JumpErrorCode string

const (
	// ErrCodeNotFound indicates navigation ran off the top of the tree
	// without ever reaching the target.
	ErrCodeNotFound JumpErrorCode = "NOT_FOUND"

	// ErrCodeIterationLimit indicates the replay loop exceeded
	// MaxJumpIterations.
	ErrCodeIterationLimit JumpErrorCode = "ITERATION_LIMIT"

	// ErrCodeMalformedTarget indicates the target id could not be parsed.
	ErrCodeMalformedTarget JumpErrorCode = "MALFORMED_TARGET"
)

// Error implements the error interface.
func (e *JumpError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("jump to %q: %s: %s", e.Target, e.Code, e.Message)
	}
	return fmt.Sprintf("jump to %q: %s", e.Target, e.Code)
}

// IsNotFound reports whether err is a jump that never found its target.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsIterationLimit reports whether err is a jump that hit the iteration cap.
func IsIterationLimit(err error) bool {
	return hasCode(err, ErrCodeIterationLimit)
}

// IsMalformed reports whether err is a jump with an unparseable target.
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformedTarget)
}

func hasCode(err error, code JumpErrorCode) bool {
	var je *JumpError
	if errors.As(err, &je) {
		return je.Code == code
	}
	return false
}

// ErrNotIndexable is returned by Prev and GoTo on epochs that are not
// Indexable.
var ErrNotIndexable = errors.New("epoch is not indexable")
