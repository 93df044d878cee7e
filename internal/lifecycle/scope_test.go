package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/labrun/internal/testutil"
)

func TestTrackReturnsResult(t *testing.T) {
	s := NewScope(context.Background(), nil)
	defer s.Close()

	err := s.Track(func(ctx context.Context) error { return nil })
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = s.Track(func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestCloseRejectsInFlightTrack(t *testing.T) {
	s := NewScope(context.Background(), nil)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	result := make(chan error, 1)
	go func() {
		result <- s.Track(func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	s.Close()

	err := <-result
	assert.True(t, IsTornDown(err))
	assert.True(t, IsTornDown(s.Track(func(context.Context) error { return nil })))
}

func TestHooksRunOnceInReverse(t *testing.T) {
	s := NewScope(context.Background(), nil)
	var order []int
	s.OnClose(func() { order = append(order, 1) })
	s.OnClose(func() { order = append(order, 2) })

	s.Close()
	s.Close()
	assert.Equal(t, []int{2, 1}, order)

	s.OnClose(func() { order = append(order, 3) })
	assert.Equal(t, []int{2, 1, 3}, order, "late hooks run immediately")
}

func TestContextCause(t *testing.T) {
	s := NewScope(context.Background(), nil)
	s.Close()
	<-s.Context().Done()
	assert.ErrorIs(t, context.Cause(s.Context()), ErrTornDown)
}

func TestParentCancellationClosesContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := NewScope(parent, nil)
	cancel()
	<-s.Context().Done()
	assert.ErrorIs(t, s.Sleep(time.Hour), context.Canceled)
}

func TestSleepOnFakeClock(t *testing.T) {
	c := testutil.NewFakeClock(time.Unix(0, 0))
	s := NewScope(context.Background(), c)
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Sleep(time.Second) }()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	c.Advance(time.Second)
	assert.NoError(t, <-done)
}

func TestSleepInterruptedByClose(t *testing.T) {
	c := testutil.NewFakeClock(time.Unix(0, 0))
	s := NewScope(context.Background(), c)

	done := make(chan error, 1)
	go func() { done <- s.Sleep(time.Minute) }()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	s.Close()
	assert.True(t, IsTornDown(<-done))
	assert.Equal(t, 0, c.Pending(), "timer stopped")
}

func TestGoAndWait(t *testing.T) {
	s := NewScope(context.Background(), nil)
	ran := make(chan struct{})
	s.Go(func(ctx context.Context) error {
		close(ran)
		<-ctx.Done()
		return context.Cause(ctx)
	})
	<-ran
	s.Close()
	s.Wait()
}
