package epoch

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	Type    string
	ID      any
	Current string
}

type recorder struct {
	nav    *Navigator
	events []emitted
}

func (r *recorder) Emit(eventType string, data map[string]any) {
	r.events = append(r.events, emitted{Type: eventType, ID: data["id"], Current: r.nav.CurrentID()})
}

func newRecorded() (*Navigator, *recorder) {
	r := &recorder{}
	r.nav = NewNavigator(r)
	return r.nav, r
}

func enter(t *testing.T, nav *Navigator, parent *Epoch, name string, opts ...Option) *Epoch {
	t.Helper()
	e, err := nav.Enter(parent, name, opts...)
	require.NoError(t, err)
	return e
}

func TestIDConstruction(t *testing.T) {
	nav, rec := newRecorded()

	a := enter(t, nav, nil, "A")
	b := enter(t, nav, a, "B", Indexable(3))
	require.NoError(t, b.GoTo(2))
	c := enter(t, nav, b, "C")

	assert.Equal(t, "A", a.ID())
	assert.Equal(t, "A-B", b.ID())
	assert.Equal(t, "A-B[2]-C", c.ID())
	assert.Equal(t, "A-B[2]-C", nav.CurrentID())

	assert.Equal(t, []emitted{
		{Type: "epoch.start.A", ID: "A", Current: "A"},
		{Type: "epoch.start.B", ID: "A-B", Current: "A-B"},
		{Type: "epoch.start.C", ID: "A-B[2]-C", Current: "A-B[2]-C"},
	}, rec.events)
}

func TestIDFixedAtEntry(t *testing.T) {
	nav, _ := newRecorded()
	m := enter(t, nav, nil, "M", Multistep(3))
	c0 := enter(t, nav, m, "c")
	m.Next()
	c1 := enter(t, nav, m, "c")

	assert.Equal(t, "M[0]-c", c0.ID())
	assert.Equal(t, "M[1]-c", c1.ID())
}

func TestDoneIsIdempotent(t *testing.T) {
	nav, _ := newRecorded()
	m := enter(t, nav, nil, "M", Multistep(5))
	s := enter(t, nav, m, "S")

	s.Done()
	s.Done()
	s.Next()

	assert.Equal(t, 1, m.Step())
	assert.Same(t, m, nav.Current())
	assert.True(t, s.Completed())
}

func TestDoneCascades(t *testing.T) {
	nav, _ := newRecorded()
	r := enter(t, nav, nil, "R")
	m := enter(t, nav, r, "M", Indexable(2), WithStep(1))
	l := enter(t, nav, m, "L")

	l.Done()

	assert.True(t, m.Completed())
	assert.True(t, r.Completed())
	assert.True(t, nav.Current().IsTop())
}

func TestDisabledEpoch(t *testing.T) {
	nav, rec := newRecorded()
	a := enter(t, nav, nil, "A")

	ghost := enter(t, nav, a, "ghost", Disabled())
	assert.Same(t, a, nav.Current(), "disabled entry leaves the cursor alone")
	assert.Len(t, rec.events, 1)

	ghost.Done()
	assert.Same(t, a, nav.Current())
	assert.False(t, ghost.Completed())

	b := enter(t, nav, a, "B")
	b.Disable()
	b.Done()
	assert.Same(t, b, nav.Current(), "late done after teardown is ignored")
	assert.False(t, a.Completed())
}

func TestStepLimits(t *testing.T) {
	nav, _ := newRecorded()
	root := enter(t, nav, nil, "root", Indexable(10))

	ms := enter(t, nav, root, "ms", Multistep(2))
	ms.Next()
	ms.Next()
	assert.Equal(t, 2, ms.Step(), "multistep reaches NSteps")
	assert.False(t, ms.Completed())
	ms.Next()
	assert.True(t, ms.Completed())
	assert.Equal(t, 1, root.Step())

	ix := enter(t, nav, root, "ix", Indexable(2))
	ix.Next()
	assert.Equal(t, 1, ix.Step())
	ix.Next()
	assert.True(t, ix.Completed(), "indexable completes after NSteps-1")
	assert.Equal(t, 2, root.Step())
}

func TestPrevAndGoTo(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	nav, _ := newRecorded()
	ix := enter(t, nav, nil, "ix", Indexable(3))

	require.NoError(t, ix.Prev())
	assert.Equal(t, -1, ix.Step(), "prev has no lower bound")

	require.NoError(t, ix.GoTo(7))
	assert.Equal(t, 7, ix.Step())
	assert.Contains(t, buf.String(), "epoch step out of bounds")

	ms := enter(t, nav, ix, "ms", Multistep(3))
	assert.ErrorIs(t, ms.Prev(), ErrNotIndexable)
	assert.ErrorIs(t, ms.GoTo(1), ErrNotIndexable)
	assert.Equal(t, 0, ms.Step())
}

func TestOnDoneHandler(t *testing.T) {
	nav, _ := newRecorded()
	m := enter(t, nav, nil, "M", Multistep(3))

	var got *Epoch
	s := enter(t, nav, m, "S", OnDone(func(e *Epoch) { got = e }))
	s.Done()

	assert.Same(t, s, got)
	assert.Same(t, m, nav.Current())
	assert.Equal(t, 0, m.Step(), "handler replaces parent.Next")
}

func TestFind(t *testing.T) {
	nav, _ := newRecorded()
	assert.Nil(t, nav.FindByName(TopName))

	a := enter(t, nav, nil, "A")
	b := enter(t, nav, a, "B", Indexable(2))
	c := enter(t, nav, b, "C")

	assert.Same(t, c, nav.FindByName("C"))
	assert.Same(t, a, nav.FindByName("A"))
	assert.Same(t, b, nav.Find(func(e *Epoch) bool { return e.Kind() == KindIndexable }))
	assert.Nil(t, nav.FindByName("D"))
}

func TestTopSentinel(t *testing.T) {
	nav, _ := newRecorded()
	top := nav.Top()
	assert.True(t, top.IsTop())
	assert.Equal(t, TopName, nav.CurrentID())

	top.Next()
	top.Done()
	assert.Same(t, top, nav.Current())
}

func TestEnterValidation(t *testing.T) {
	nav, _ := newRecorded()
	for _, name := range []string{"", "a-b", "x[1]", TopName} {
		_, err := nav.Enter(nil, name)
		assert.Error(t, err, name)
	}

	_, err := nav.Enter(nil, "neg", Multistep(-1))
	assert.Error(t, err)

	other := NewNavigator(nil)
	_, err = nav.Enter(other.Top(), "stray")
	assert.Error(t, err)
}
