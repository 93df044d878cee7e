// Package condition assigns experimental conditions from a single seed.
//
// Each session carries one integer assignment, drawn once and never
// changed. Choices peel mixed-radix digits off it: choosing among k values
// takes assignment % k and continues with assignment / k. Successive
// choices of sizes k1, k2, ... therefore read independent digits, and any
// (assignment, call sequence) pair maps to exactly one combination. With a
// uniform assignment over a range much larger than k1*k2*... the
// combinations tile nearly uniformly.
//
// Results are memoized by key: asking again for a key returns the recorded
// choice without consuming more of the assignment, so repeated or
// reordered calls after a reload cannot desynchronize later choices.
package condition

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// AssignmentRange is the exclusive upper bound for drawn assignments.
const AssignmentRange = 10_000

// MaxPermuteItems is the largest list Permute accepts (10! orderings).
const MaxPermuteItems = 10

// permuteWarnAbove triggers a warning about the number of orderings.
const permuteWarnAbove = 4

// Recorder stores the assignment and chosen conditions. *session.Session
// implements it.
type Recorder interface {
	Assignment() (int, bool)
	SetAssignment(n int) int
	SetCondition(key string, value any) bool
}

// Assigner derives conditions from the session's assignment.
//
// Thread-safety: safe for concurrent use, though choices made concurrently
// consume digits in an unspecified order.
type Assigner struct {
	rec Recorder

	mu    sync.Mutex
	state int
	memo  map[string]any
	order []string
}

// New creates an assigner. If the recorder has no assignment yet, one is
// drawn from draw (expected to return a value in [0, AssignmentRange)) and
// recorded.
func New(rec Recorder, draw func() int) (*Assigner, error) {
	a, ok := rec.Assignment()
	if !ok {
		a = rec.SetAssignment(draw())
	}
	if a < 0 {
		return nil, fmt.Errorf("assignment must be non-negative, got %d", a)
	}
	return &Assigner{rec: rec, state: a, memo: make(map[string]any)}, nil
}

// ChooseOne picks one of values for key.
func ChooseOne[T any](a *Assigner, key string, values []T) (T, error) {
	var zero T
	if len(values) == 0 {
		return zero, fmt.Errorf("condition %q: no values to choose from", key)
	}

	a.mu.Lock()
	if cached, ok := a.memo[key]; ok {
		a.mu.Unlock()
		v, ok := cached.(T)
		if !ok {
			return zero, fmt.Errorf("condition %q: already chosen as %T", key, cached)
		}
		return v, nil
	}
	v := values[a.takeLocked(len(values))]
	a.rememberLocked(key, v)
	a.mu.Unlock()

	a.rec.SetCondition(key, v)
	return v, nil
}

// Permute picks one ordering of values for key. Lists longer than
// MaxPermuteItems are rejected; lists longer than four are allowed but
// logged, since the orderings outnumber typical assignment ranges.
func Permute[T any](a *Assigner, key string, values []T) ([]T, error) {
	n := len(values)
	if n > MaxPermuteItems {
		return nil, fmt.Errorf("condition %q: permutations of %d items is too large", key, n)
	}
	if n > permuteWarnAbove {
		slog.Warn("permutation space is large", "key", key, "permutations", factorial(n))
	}

	a.mu.Lock()
	if cached, ok := a.memo[key]; ok {
		a.mu.Unlock()
		v, ok := cached.([]T)
		if !ok {
			return nil, fmt.Errorf("condition %q: already chosen as %T", key, cached)
		}
		return slices.Clone(v), nil
	}
	perm := NthPermutation(n, a.takeLocked(factorial(n)))
	out := make([]T, n)
	for i, j := range perm {
		out[i] = values[j]
	}
	a.rememberLocked(key, out)
	a.mu.Unlock()

	a.rec.SetCondition(key, out)
	return slices.Clone(out), nil
}

// Factor is one named variable and its levels.
type Factor struct {
	Name   string
	Levels []any
}

// Choice applies ChooseOne to each factor in order.
func (a *Assigner) Choice(factors ...Factor) (map[string]any, error) {
	out := make(map[string]any, len(factors))
	for _, f := range factors {
		v, err := ChooseOne(a, f.Name, f.Levels)
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

// Conditions returns every choice made so far.
func (a *Assigner) Conditions() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.memo))
	for k, v := range a.memo {
		out[k] = v
	}
	return out
}

// Keys returns condition keys in the order they were first chosen.
func (a *Assigner) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.order)
}

// takeLocked peels one digit of the given radix off the state.
func (a *Assigner) takeLocked(radix int) int {
	d := a.state % radix
	a.state /= radix
	return d
}

func (a *Assigner) rememberLocked(key string, v any) {
	a.memo[key] = v
	a.order = append(a.order, key)
}

// NthPermutation returns the k-th permutation of [0, n) in lexicographic
// order, for 0 <= k < n!.
func NthPermutation(n, k int) []int {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	out := make([]int, 0, n)
	for i := n; i > 0; i-- {
		f := factorial(i - 1)
		idx := k / f
		k %= f
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

func factorial(n int) int {
	f := 1
	for i := 2; i <= n; i++ {
		f *= i
	}
	return f
}
