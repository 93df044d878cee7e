package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AdvanceFiresInOrder(t *testing.T) {
	c := NewFakeClock(epoch0)

	var got []string
	c.AfterFunc(300*time.Millisecond, func() { got = append(got, "b") })
	c.AfterFunc(100*time.Millisecond, func() { got = append(got, "a") })
	c.AfterFunc(2*time.Second, func() { got = append(got, "late") })

	c.Advance(time.Second)

	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, epoch0.Add(time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestFakeClock_NowDuringCallbackIsDeadline(t *testing.T) {
	c := NewFakeClock(epoch0)
	var at time.Time
	c.AfterFunc(250*time.Millisecond, func() { at = c.Now() })

	c.Advance(time.Second)
	assert.Equal(t, epoch0.Add(250*time.Millisecond), at)
}

func TestFakeClock_Stop(t *testing.T) {
	c := NewFakeClock(epoch0)
	fired := false
	timer := c.AfterFunc(time.Millisecond, func() { fired = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	c.Advance(time.Second)
	assert.False(t, fired)
}

func TestFakeClock_CallbackCanReschedule(t *testing.T) {
	c := NewFakeClock(epoch0)
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(100*time.Millisecond, tick)
	}
	c.AfterFunc(100*time.Millisecond, tick)

	c.Advance(550 * time.Millisecond)
	assert.Equal(t, 5, count)
}
