package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence_StartsAtZero(t *testing.T) {
	s := NewSequence()
	assert.Equal(t, int64(0), s.Next())
	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(1), s.Current())
}

func TestSequence_StartsAt(t *testing.T) {
	s := NewSequenceAt(42)
	assert.Equal(t, int64(41), s.Current())
	assert.Equal(t, int64(42), s.Next())
}

func TestSequence_ConcurrentUnique(t *testing.T) {
	s := NewSequence()
	const workers, per = 8, 500

	var mu sync.Mutex
	seen := make(map[int64]bool, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				v := s.Next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*per, "every index must be unique")
	assert.Equal(t, int64(workers*per-1), s.Current())
}
