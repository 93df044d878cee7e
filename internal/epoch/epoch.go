package epoch

import (
	"fmt"
	"log/slog"
	"strings"
)

// Kind selects how an epoch advances.
type Kind string

const (
	KindSimple    Kind = "simple"
	KindMultistep Kind = "multistep"
	KindIndexable Kind = "indexable"
)

// ParseKind validates a kind string. The empty string means KindSimple.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindSimple:
		return KindSimple, nil
	case KindMultistep, KindIndexable:
		return Kind(s), nil
	}
	return "", fmt.Errorf("invalid epoch kind %q: must be simple, multistep, or indexable", s)
}

// TopName is the name and id of the sentinel above every root epoch.
// It is never the active epoch of a running experiment.
const TopName = "__TOP_EPOCH__"

// Epoch is one node of the live epoch tree.
//
// All state is guarded by the owning Navigator's mutex.
type Epoch struct {
	nav    *Navigator
	name   string
	id     string
	kind   Kind
	parent *Epoch
	page   bool

	step   int
	nSteps int

	onDone func(e *Epoch)

	disabled   bool
	doneCalled bool
	completed  bool
}

// Option configures an epoch on entry.
type Option func(*Epoch)

// Multistep makes the epoch count n steps before completing.
func Multistep(n int) Option {
	return func(e *Epoch) {
		e.kind = KindMultistep
		e.nSteps = n
	}
}

// Indexable makes the epoch count n steps and accept Prev and GoTo.
func Indexable(n int) Option {
	return func(e *Epoch) {
		e.kind = KindIndexable
		e.nSteps = n
	}
}

// WithStep starts a stepped epoch at step instead of 0, for example when
// restoring a saved position.
func WithStep(step int) Option {
	return func(e *Epoch) { e.step = step }
}

// AsPage marks the epoch as a page boundary. JumpTo completes pages
// instead of advancing them.
func AsPage() Option {
	return func(e *Epoch) { e.page = true }
}

// Disabled enters the epoch without activating it: the cursor does not
// move, no start event is emitted, and Done is a no-op.
func Disabled() Option {
	return func(e *Epoch) { e.disabled = true }
}

// OnDone replaces the default completion behavior. After the cursor moves
// back to the parent, fn is called instead of the parent's Next.
func OnDone(fn func(e *Epoch)) Option {
	return func(e *Epoch) { e.onDone = fn }
}

// Name returns the epoch's name.
func (e *Epoch) Name() string { return e.name }

// ID returns the epoch's tree address.
func (e *Epoch) ID() string { return e.id }

// Kind returns how the epoch advances.
func (e *Epoch) Kind() Kind { return e.kind }

// Parent returns the enclosing epoch, or nil for the top sentinel.
func (e *Epoch) Parent() *Epoch { return e.parent }

// IsTop reports whether e is the sentinel above every root epoch.
func (e *Epoch) IsTop() bool { return e.parent == nil }

// IsPage reports whether e was entered with AsPage.
func (e *Epoch) IsPage() bool { return e.page }

// Stepped reports whether e is Multistep or Indexable.
func (e *Epoch) Stepped() bool {
	return e.kind == KindMultistep || e.kind == KindIndexable
}

// Step returns the current step. Simple epochs are always on step 0.
func (e *Epoch) Step() int {
	e.nav.mu.Lock()
	defer e.nav.mu.Unlock()
	return e.step
}

// NSteps returns the step count given on entry.
func (e *Epoch) NSteps() int { return e.nSteps }

// Disabled reports whether Done has been switched off for e.
func (e *Epoch) Disabled() bool {
	e.nav.mu.Lock()
	defer e.nav.mu.Unlock()
	return e.disabled
}

// Completed reports whether Done has taken effect.
func (e *Epoch) Completed() bool {
	e.nav.mu.Lock()
	defer e.nav.mu.Unlock()
	return e.completed
}

// Disable switches off Done. It is called when the owner of the epoch is
// torn down before the epoch completes.
func (e *Epoch) Disable() {
	e.nav.mu.Lock()
	e.disabled = true
	e.nav.mu.Unlock()
}

// Done completes the epoch. Only the first call has any effect, and none
// at all if the epoch is disabled. The cursor moves to the parent and the
// parent's Next is called unless an OnDone handler was given.
func (e *Epoch) Done() {
	if e.IsTop() {
		slog.Warn("done called on the top epoch")
		return
	}
	n := e.nav
	n.mu.Lock()
	if e.doneCalled {
		n.mu.Unlock()
		return
	}
	e.doneCalled = true
	if e.disabled {
		n.mu.Unlock()
		return
	}
	e.completed = true
	n.cursor = e.parent
	handler := e.onDone
	n.mu.Unlock()

	slog.Debug("epoch done", "id", e.id)
	if handler != nil {
		handler(e)
		return
	}
	if e.parent.IsTop() {
		return
	}
	e.parent.Next()
}

// Next advances the epoch. Simple epochs complete. Multistep epochs step
// while step < NSteps; Indexable epochs step while step < NSteps-1. Once
// the steps run out the epoch completes.
func (e *Epoch) Next() {
	if e.IsTop() {
		slog.Warn("next called on the top epoch")
		return
	}
	last := e.nSteps
	switch e.kind {
	case KindMultistep:
	case KindIndexable:
		last = e.nSteps - 1
	default:
		e.Done()
		return
	}

	n := e.nav
	n.mu.Lock()
	if e.step < last {
		e.step++
		step := e.step
		n.mu.Unlock()
		slog.Debug("epoch step", "id", e.id, "step", step)
		return
	}
	n.mu.Unlock()
	e.Done()
}

// Prev moves an Indexable epoch back one step. There is no lower bound.
func (e *Epoch) Prev() error {
	if e.kind != KindIndexable {
		return fmt.Errorf("prev on %s: %w", e.id, ErrNotIndexable)
	}
	e.nav.mu.Lock()
	e.step--
	e.nav.mu.Unlock()
	return nil
}

// GoTo sets the step of an Indexable epoch. Steps outside [0, NSteps-1]
// are logged and applied anyway.
func (e *Epoch) GoTo(step int) error {
	if e.kind != KindIndexable {
		return fmt.Errorf("goto on %s: %w", e.id, ErrNotIndexable)
	}
	if step < 0 || step >= e.nSteps {
		slog.Warn("epoch step out of bounds",
			"epoch", e.name,
			"step", step,
			"min", 0,
			"max", e.nSteps-1)
	}
	e.nav.mu.Lock()
	e.step = step
	e.nav.mu.Unlock()
	return nil
}

// Ancestors returns the chain above e, nearest first, ending with the top
// sentinel.
func (e *Epoch) Ancestors() []*Epoch {
	var out []*Epoch
	for p := e.parent; p != nil; p = p.parent {
		out = append(out, p)
	}
	return out
}

// makeID builds the address of a child named name entered under parent.
// Callers hold the navigator lock.
func makeID(name string, parent *Epoch) string {
	switch {
	case parent.IsTop():
		return name
	case parent.Stepped():
		return fmt.Sprintf("%s[%d]-%s", parent.id, parent.step, name)
	default:
		return parent.id + "-" + name
	}
}

// ValidateName rejects names that would make ids ambiguous.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("epoch name must not be empty")
	case name == TopName:
		return fmt.Errorf("epoch name %q is reserved", name)
	case strings.ContainsAny(name, "-[]"):
		return fmt.Errorf("epoch name %q must not contain '-', '[' or ']'", name)
	}
	return nil
}
