package epoch

import (
	"fmt"
	"sync"
)

// StartPrefix prefixes the event emitted when an epoch is entered.
const StartPrefix = "epoch.start."

// Emitter receives navigation events. *eventlog.Logger implements it.
type Emitter interface {
	Emit(eventType string, data map[string]any)
}

// Navigator owns the epoch tree and the cursor on the active epoch.
//
// Thread-safety: safe for concurrent use. Emitter calls are made without
// holding the lock, so an emitter may call CurrentID.
type Navigator struct {
	mu      sync.Mutex
	top     *Epoch
	cursor  *Epoch
	emitter Emitter
}

// NewNavigator creates a navigator whose cursor is on the top sentinel.
// A nil emitter discards start events.
func NewNavigator(emitter Emitter) *Navigator {
	n := &Navigator{emitter: emitter}
	n.top = &Epoch{nav: n, name: TopName, id: TopName, kind: KindSimple}
	n.cursor = n.top
	return n
}

// Top returns the sentinel above every root epoch.
func (n *Navigator) Top() *Epoch {
	return n.top
}

// Current returns the active epoch.
func (n *Navigator) Current() *Epoch {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cursor
}

// CurrentID returns the id of the active epoch. It implements
// eventlog.EpochSource.
func (n *Navigator) CurrentID() string {
	return n.Current().id
}

// Enter creates an epoch named name under parent and, unless it is
// disabled, makes it active and emits its start event. A nil parent means
// the top sentinel. The id is fixed from the parent's step at entry.
func (n *Navigator) Enter(parent *Epoch, name string, opts ...Option) (*Epoch, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if parent == nil {
		parent = n.top
	}
	if parent.nav != n {
		return nil, fmt.Errorf("enter %q: parent belongs to another navigator", name)
	}

	e := &Epoch{nav: n, name: name, kind: KindSimple, parent: parent}
	for _, opt := range opts {
		opt(e)
	}
	if e.Stepped() && e.nSteps < 0 {
		return nil, fmt.Errorf("enter %q: step count must be non-negative, got %d", name, e.nSteps)
	}

	n.mu.Lock()
	e.id = makeID(name, parent)
	if e.disabled {
		n.mu.Unlock()
		return e, nil
	}
	n.cursor = e
	n.mu.Unlock()

	if n.emitter != nil {
		n.emitter.Emit(StartPrefix+name, map[string]any{"id": e.id})
	}
	return e, nil
}

// Find returns the nearest epoch on the active chain, starting with the
// active epoch itself, for which pred holds. The top sentinel is never
// returned.
func (n *Navigator) Find(pred func(e *Epoch) bool) *Epoch {
	for e := n.Current(); e != nil && !e.IsTop(); e = e.parent {
		if pred(e) {
			return e
		}
	}
	return nil
}

// FindByName is Find matching on the epoch name.
func (n *Navigator) FindByName(name string) *Epoch {
	return n.Find(func(e *Epoch) bool { return e.name == name })
}
