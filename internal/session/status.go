package session

import "time"

// Status summarizes where a session stands.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusIdle      Status = "idle"
	StatusQuit      Status = "quit"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusCompleted, StatusActive, StatusIdle, StatusQuit}

// Activity thresholds measured from lastUpdateTime.
const (
	ActiveWindow = time.Minute
	IdleWindow   = 30 * time.Minute
)

// StatusOf classifies m at time now: completed once completionTime is set,
// otherwise active within ActiveWindow of the last update, idle within
// IdleWindow, and quit after that.
func StatusOf(m Meta, now time.Time) Status {
	if m.CompletionTime != nil && *m.CompletionTime != 0 {
		return StatusCompleted
	}
	since := now.Sub(time.UnixMilli(m.LastUpdateTime))
	switch {
	case since < ActiveWindow:
		return StatusActive
	case since < IdleWindow:
		return StatusIdle
	}
	return StatusQuit
}
