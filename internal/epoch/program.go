package epoch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/labrun/internal/clock"
	"github.com/roach88/labrun/internal/lifecycle"
)

// Node declares one epoch of a Program and what it shows at each step.
//
// A node with a single child shows that child on every step, re-entering
// it each time the step changes. A stepped node with several children
// shows Children[step]. A simple node shows Children[0].
type Node struct {
	Name     string `yaml:"name" json:"name"`
	Kind     Kind   `yaml:"kind,omitempty" json:"kind,omitempty"`
	Steps    int    `yaml:"steps,omitempty" json:"steps,omitempty"`
	Page     bool   `yaml:"page,omitempty" json:"page,omitempty"`
	Children []Node `yaml:"children,omitempty" json:"children,omitempty"`
}

// Validate checks names, kinds, and step counts throughout the tree.
func (n *Node) Validate() error {
	return n.validate(n.Name)
}

func (n *Node) validate(path string) error {
	if err := ValidateName(n.Name); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	kind, err := ParseKind(string(n.Kind))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if kind == KindSimple && n.Steps != 0 {
		return fmt.Errorf("%s: simple epochs take no steps", path)
	}
	if kind != KindSimple && n.Steps < 0 {
		return fmt.Errorf("%s: steps must be non-negative", path)
	}
	if kind != KindSimple && len(n.Children) > 1 && len(n.Children) != n.Steps {
		return fmt.Errorf("%s: %d children for %d steps", path, len(n.Children), n.Steps)
	}
	for i := range n.Children {
		c := &n.Children[i]
		if err := c.validate(path + "/" + c.Name); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) options() []Option {
	var opts []Option
	switch n.Kind {
	case KindMultistep:
		opts = append(opts, Multistep(n.Steps))
	case KindIndexable:
		opts = append(opts, Indexable(n.Steps))
	}
	if n.Page {
		opts = append(opts, AsPage())
	}
	return opts
}

// childAt returns the node shown at step, or nil if none is.
func (n *Node) childAt(step int) *Node {
	switch {
	case len(n.Children) == 0:
		return nil
	case n.Kind == "" || n.Kind == KindSimple:
		return &n.Children[0]
	case step < 0 || step >= n.Steps:
		return nil
	case len(n.Children) == 1:
		return &n.Children[0]
	default:
		return &n.Children[step]
	}
}

// MountFunc is called for every epoch a Program enters. The scope closes
// when the epoch's subtree is torn down.
type MountFunc func(e *Epoch, scope *lifecycle.Scope)

type mount struct {
	node      *Node
	epoch     *Epoch
	scope     *lifecycle.Scope
	child     *mount
	childStep int
}

// Program keeps a Navigator's live tree in line with a declared tree.
//
// After any transition, Settle tears down children whose parent moved to
// another step and enters the children the new state shows. A stepped
// epoch with children whose step has run past its last child completes
// on its own.
//
// Thread-safety: Settle, Start, and Close are serialized. MountFunc runs
// under that lock and must not call back into the Program.
type Program struct {
	nav     *Navigator
	tree    Node
	ctx     context.Context
	clock   clock.Clock
	onMount MountFunc

	mu   sync.Mutex
	root *mount
}

// ProgramOption configures a Program.
type ProgramOption func(*Program)

// WithMountFunc registers fn to run for every entered epoch.
func WithMountFunc(fn MountFunc) ProgramOption {
	return func(p *Program) { p.onMount = fn }
}

// WithContext parents every epoch scope on ctx.
func WithContext(ctx context.Context) ProgramOption {
	return func(p *Program) { p.ctx = ctx }
}

// WithClock sets the clock used by epoch scopes.
func WithClock(c clock.Clock) ProgramOption {
	return func(p *Program) { p.clock = c }
}

// NewProgram validates tree and binds it to nav.
func NewProgram(nav *Navigator, tree Node, opts ...ProgramOption) (*Program, error) {
	if err := tree.Validate(); err != nil {
		return nil, fmt.Errorf("invalid epoch tree: %w", err)
	}
	p := &Program{nav: nav, tree: tree, ctx: context.Background(), clock: clock.Real{}}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start enters the root epoch and settles the tree.
func (p *Program) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root != nil {
		return fmt.Errorf("program %q already started", p.tree.Name)
	}
	root, err := p.mount(p.nav.Top(), &p.tree)
	if err != nil {
		return err
	}
	p.root = root
	p.settleLocked()
	return nil
}

// Settle brings the mounted tree in line with the current steps.
func (p *Program) Settle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
}

// maxSettlePasses bounds restarts caused by automatic completion.
const maxSettlePasses = 64

func (p *Program) settleLocked() {
	if p.root == nil {
		return
	}
	for range maxSettlePasses {
		if !p.settlePass() {
			return
		}
	}
	slog.Warn("epoch tree did not settle", "current", p.nav.CurrentID())
}

// settlePass walks the mounted chain once. It reports true if an epoch
// completed and the walk must start over.
func (p *Program) settlePass() bool {
	for m := p.root; m != nil; {
		if m.epoch.Completed() {
			return false
		}
		step := m.epoch.Step()
		if m.child != nil && m.childStep == step {
			m = m.child
			continue
		}
		if m.child != nil {
			p.unmount(m.child)
			m.child = nil
		}

		next := m.node.childAt(step)
		if next == nil {
			if len(m.node.Children) > 0 && p.nav.Current() == m.epoch {
				m.epoch.Done()
				return true
			}
			return false
		}
		child, err := p.mount(m.epoch, next)
		if err != nil {
			slog.Error("mount epoch failed", "parent", m.epoch.ID(), "name", next.Name, "error", err)
			return false
		}
		m.child, m.childStep = child, step
		m = child
	}
	return false
}

func (p *Program) mount(parent *Epoch, node *Node) (*mount, error) {
	e, err := p.nav.Enter(parent, node.Name, node.options()...)
	if err != nil {
		return nil, err
	}
	scope := lifecycle.NewScope(p.ctx, p.clock)
	scope.OnClose(e.Disable)
	if p.onMount != nil {
		p.onMount(e, scope)
	}
	return &mount{node: node, epoch: e, scope: scope}, nil
}

func (p *Program) unmount(m *mount) {
	if m.child != nil {
		p.unmount(m.child)
		m.child = nil
	}
	m.scope.Close()
}

// Mounted returns the ids of the mounted chain from the root down.
func (p *Program) Mounted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for m := p.root; m != nil; m = m.child {
		ids = append(ids, m.epoch.ID())
	}
	return ids
}

// Close tears down every mounted epoch.
func (p *Program) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root != nil {
		p.unmount(p.root)
		p.root = nil
	}
}
