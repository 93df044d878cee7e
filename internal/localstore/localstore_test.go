package localstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetJSON(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	require.NoError(t, s.PutJSON(ctx, "rng-global", []uint32{1, 2, 3, 4}))

	var got []uint32
	ok, err := s.GetJSON(ctx, "rng-global", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 2, 3, 4}, got)
}

func TestGetMissing(t *testing.T) {
	s := openTest(t)
	var got map[string]any
	ok, err := s.GetJSON(context.Background(), "nope", &got)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestDeleteAndKeys(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	for _, k := range []string{"dataWriter-a", "dataWriter-b", "other"} {
		require.NoError(t, s.PutJSON(ctx, k, k))
	}
	keys, err := s.Keys(ctx, "dataWriter-")
	require.NoError(t, err)
	assert.Equal(t, []string{"dataWriter-a", "dataWriter-b"}, keys)

	require.NoError(t, s.Delete(ctx, "dataWriter-a"))
	require.NoError(t, s.Delete(ctx, "missing"))
	keys, err = s.Keys(ctx, "dataWriter-")
	require.NoError(t, err)
	assert.Equal(t, []string{"dataWriter-b"}, keys)
}

func TestPersistentReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.PutJSON(ctx, "k", map[string]int{"n": 1}))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	var got map[string]int
	ok, err := s.GetJSON(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got["n"])
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	s := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.PutJSON(ctx, "k", 1)
	require.ErrorIs(t, err, context.Canceled)
}
