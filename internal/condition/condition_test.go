package condition

import (
	"bytes"
	"log/slog"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	assignment *int
	conditions map[string]any
	writes     int
}

func (m *memRecorder) Assignment() (int, bool) {
	if m.assignment == nil {
		return 0, false
	}
	return *m.assignment, true
}

func (m *memRecorder) SetAssignment(n int) int {
	if m.assignment == nil {
		m.assignment = &n
	}
	return *m.assignment
}

func (m *memRecorder) SetCondition(key string, v any) bool {
	if m.conditions == nil {
		m.conditions = map[string]any{}
	}
	if _, ok := m.conditions[key]; ok {
		return false
	}
	m.conditions[key] = v
	m.writes++
	return true
}

func withAssignment(t *testing.T, n int) (*Assigner, *memRecorder) {
	t.Helper()
	rec := &memRecorder{assignment: &n}
	a, err := New(rec, func() int { t.Fatal("draw called with assignment present"); return 0 })
	require.NoError(t, err)
	return a, rec
}

func TestMixedRadixPeeling(t *testing.T) {
	a, rec := withAssignment(t, 7)

	v1, err := ChooseOne(a, "color", []string{"red", "green", "blue"})
	require.NoError(t, err)
	assert.Equal(t, "green", v1) // 7 % 3 = 1, state 2

	v2, err := ChooseOne(a, "side", []string{"left", "right"})
	require.NoError(t, err)
	assert.Equal(t, "left", v2) // 2 % 2 = 0, state 1

	order, err := Permute(a, "order", []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "z", "y"}, order) // permutation #1 of 3

	assert.Equal(t, map[string]any{
		"color": "green",
		"side":  "left",
		"order": []string{"x", "z", "y"},
	}, rec.conditions)
	assert.Equal(t, []string{"color", "side", "order"}, a.Keys())
}

func TestDeterminism(t *testing.T) {
	run := func(assignment int) []any {
		a, _ := withAssignment(t, assignment)
		got, err := a.Choice(
			Factor{Name: "a", Levels: []any{1, 2, 3}},
			Factor{Name: "b", Levels: []any{"x", "y"}},
			Factor{Name: "c", Levels: []any{true, false, nil, 0.5}},
		)
		require.NoError(t, err)
		return []any{got["a"], got["b"], got["c"]}
	}
	for assignment := range 50 {
		assert.Equal(t, run(assignment), run(assignment))
	}
}

func TestChoiceTilesAssignmentSpace(t *testing.T) {
	// 24 consecutive assignments cover each of the 3*2*4 combinations once.
	seen := map[[3]any]int{}
	for assignment := range 24 {
		a, _ := withAssignment(t, assignment)
		got, err := a.Choice(
			Factor{Name: "a", Levels: []any{1, 2, 3}},
			Factor{Name: "b", Levels: []any{"x", "y"}},
			Factor{Name: "c", Levels: []any{"p", "q", "r", "s"}},
		)
		require.NoError(t, err)
		seen[[3]any{got["a"], got["b"], got["c"]}]++
	}
	assert.Len(t, seen, 24)
}

func TestMemoizedByKey(t *testing.T) {
	a, rec := withAssignment(t, 5)

	first, err := ChooseOne(a, "k", []int{10, 20, 30})
	require.NoError(t, err)
	again, err := ChooseOne(a, "k", []int{10, 20, 30})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// The repeat consumed nothing: the next choice reads the second digit.
	next, err := ChooseOne(a, "n", []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, (5/3)%2, next)
	assert.Equal(t, 2, rec.writes)

	_, err = ChooseOne(a, "k", []string{"a"})
	assert.Error(t, err, "type mismatch on a recorded key")
}

func TestPermuteBounds(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	for n := 0; n <= MaxPermuteItems; n++ {
		buf.Reset()
		a, _ := withAssignment(t, 123456789)
		values := make([]int, n)
		for i := range values {
			values[i] = i * 10
		}
		got, err := Permute(a, "p", values)
		require.NoError(t, err, "n=%d", n)

		sorted := slices.Clone(got)
		slices.Sort(sorted)
		assert.Equal(t, values, sorted, "n=%d must be a bijection", n)

		if n > 4 {
			assert.Contains(t, buf.String(), "permutation space is large", "n=%d", n)
		} else {
			assert.Empty(t, buf.String(), "n=%d", n)
		}
	}

	a, _ := withAssignment(t, 1)
	_, err := Permute(a, "big", make([]int, 11))
	assert.Error(t, err)
}

func TestPermuteReturnsCopies(t *testing.T) {
	a, _ := withAssignment(t, 3)
	p1, err := Permute(a, "p", []string{"a", "b", "c"})
	require.NoError(t, err)
	p1[0] = "mutated"
	p2, err := Permute(a, "p", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", p2[0])
}

func TestNewDrawsMissingAssignment(t *testing.T) {
	rec := &memRecorder{}
	a, err := New(rec, func() int { return 4321 })
	require.NoError(t, err)
	require.NotNil(t, rec.assignment)
	assert.Equal(t, 4321, *rec.assignment)

	v, err := ChooseOne(a, "d", []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestChooseOneEmpty(t *testing.T) {
	a, _ := withAssignment(t, 0)
	_, err := ChooseOne(a, "none", []string{})
	assert.Error(t, err)
}

func TestNthPermutation(t *testing.T) {
	var all [][]int
	for k := range 6 {
		all = append(all, NthPermutation(3, k))
	}
	assert.Equal(t, [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}, all)
	assert.Equal(t, []int{}, NthPermutation(0, 0))
}
