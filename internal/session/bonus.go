package session

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Emitter records a log event.
type Emitter interface {
	Emit(eventType string, data map[string]any)
}

// BonusUpdateEvent is logged on every change to the point total.
const BonusUpdateEvent = "bonus.update"

// Bonus tracks points earned during the run and mirrors their dollar value
// into the session's bonus field.
type Bonus struct {
	session       *Session
	emitter       Emitter
	centsPerPoint float64

	mu     sync.Mutex
	points float64
}

// NewBonus creates a bonus tracker worth centsPerPoint cents per point.
func NewBonus(s *Session, emitter Emitter, centsPerPoint float64) *Bonus {
	return &Bonus{session: s, emitter: emitter, centsPerPoint: centsPerPoint}
}

// Points returns the current point total.
func (b *Bonus) Points() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.points
}

// AddPoints adds n (possibly negative) points. Non-finite amounts are
// logged and ignored.
func (b *Bonus) AddPoints(n float64) {
	if !finite("points", n) {
		return
	}
	b.mu.Lock()
	b.points += n
	total := b.points
	b.mu.Unlock()
	b.changed(n, total)
}

// SetPoints replaces the point total. Non-finite totals are logged and
// ignored.
func (b *Bonus) SetPoints(total float64) {
	if !finite("points", total) {
		return
	}
	b.mu.Lock()
	change := total - b.points
	b.points = total
	b.mu.Unlock()
	if change != 0 {
		b.changed(change, total)
	}
}

func finite(what string, f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		slog.Error("ignoring non-finite bonus "+what, "value", f)
		return false
	}
	return true
}

func (b *Bonus) changed(change, total float64) {
	if b.emitter != nil {
		b.emitter.Emit(BonusUpdateEvent, map[string]any{"change": change, "total": total})
	}
	b.session.SetBonus(b.ToDollars(total, false))
}

// Dollars returns the current bonus in dollars, never negative.
func (b *Bonus) Dollars() float64 {
	return b.ToDollars(b.Points(), false)
}

// ToCents converts points to cents.
func (b *Bonus) ToCents(points float64) float64 {
	return points * b.centsPerPoint
}

// ToDollars converts points to dollars, rounded to whole cents.
// Negative amounts clamp to zero unless allowNegative is set.
func (b *Bonus) ToDollars(points float64, allowNegative bool) float64 {
	raw := math.Floor(points*b.centsPerPoint+0.5) / 100
	if allowNegative {
		return raw
	}
	return math.Max(0, raw)
}

// Report renders the bonus for participants.
func (b *Bonus) Report() string {
	return fmt.Sprintf("Your current bonus is $%.2f", b.Dollars())
}
