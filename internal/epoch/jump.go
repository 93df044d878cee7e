package epoch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// MaxJumpIterations bounds the replay loop of JumpTo.
const MaxJumpIterations = 1000

// Settler brings the live tree up to date after a transition, mounting
// children that the new state shows. *Program implements it.
type Settler interface {
	Settle()
}

// Suppressor runs fn with durable writes switched off. *writer.Writer
// implements it.
type Suppressor interface {
	WithDisabled(fn func() error) error
}

type jumpConfig struct {
	settler    Settler
	suppressor Suppressor
}

// JumpOption configures JumpTo.
type JumpOption func(*jumpConfig)

// WithSettler settles the tree before every check.
func WithSettler(s Settler) JumpOption {
	return func(c *jumpConfig) { c.settler = s }
}

// WithSuppressor runs the whole replay inside s.WithDisabled.
func WithSuppressor(s Suppressor) JumpOption {
	return func(c *jumpConfig) { c.suppressor = s }
}

// segment is one '-'-separated part of a target id.
type segment struct {
	raw     string
	name    string
	step    int
	hasStep bool
}

var segmentPattern = regexp.MustCompile(`^([^\[]+)\[(\d+)\]$`)

func parseTarget(target string) ([]segment, error) {
	if target == "" {
		return nil, fmt.Errorf("empty target")
	}
	parts := strings.Split(target, "-")
	out := make([]segment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty segment")
		}
		seg := segment{raw: part, name: part}
		if m := segmentPattern.FindStringSubmatch(part); m != nil {
			step, err := strconv.Atoi(m[2])
			if err != nil {
				return nil, fmt.Errorf("segment %q: %w", part, err)
			}
			seg.name, seg.step, seg.hasStep = m[1], step, true
		}
		out = append(out, seg)
	}
	return out, nil
}

// prefixMatcher matches ids containing prefix on segment boundaries. A
// prefix with a step must match exactly; a bare prefix also matches its
// stepped form, so "B" matches "A-B[0]-C" but not "A-Baz".
func prefixMatcher(prefix string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(prefix)
	if strings.Contains(prefix, "[") {
		return regexp.MustCompile(`(^|-)` + escaped + `(-|$)`)
	}
	return regexp.MustCompile(`(^|-)\b` + escaped + `\b(\[|-|$)`)
}

// JumpTo drives the navigator forward until the active epoch's id contains
// target, processing target one segment at a time. Before each check the
// tree is settled. When an ancestor of the active epoch is the Indexable
// epoch the next segment names, GoTo is used to skip straight to the
// requested step; otherwise the active epoch is advanced, with pages being
// completed rather than stepped.
func (n *Navigator) JumpTo(ctx context.Context, target string, opts ...JumpOption) error {
	var cfg jumpConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	segments, err := parseTarget(target)
	if err != nil {
		return &JumpError{Code: ErrCodeMalformedTarget, Target: target, Message: err.Error()}
	}
	slog.Debug("jump to epoch", "target", target)

	run := func() error { return n.jump(ctx, target, segments, cfg.settler) }
	if cfg.suppressor != nil {
		return cfg.suppressor.WithDisabled(run)
	}
	return run()
}

func (n *Navigator) jump(ctx context.Context, target string, segments []segment, settler Settler) error {
	settle := func() {
		if settler != nil {
			settler.Settle()
		}
	}

	var prefix string
	iterations := 0
	for i, seg := range segments {
		if i == 0 {
			prefix = seg.raw
		} else {
			prefix += "-" + seg.raw
		}
		re := prefixMatcher(prefix)

		for {
			iterations++
			if iterations > MaxJumpIterations {
				return &JumpError{Code: ErrCodeIterationLimit, Target: target, Iterations: iterations - 1,
					Message: fmt.Sprintf("stopped at %s", n.CurrentID())}
			}
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("jump to %q: %w", target, err)
			}

			settle()
			cur := n.Current()
			if re.MatchString(cur.id) {
				break
			}

			if seg.hasStep && n.goToAncestor(cur, seg) {
				settle()
				continue
			}

			if cur.page {
				cur.Done()
			} else {
				cur.Next()
			}
			if n.Current().IsTop() {
				return &JumpError{Code: ErrCodeNotFound, Target: target, Iterations: iterations}
			}
		}
	}
	return nil
}

// goToAncestor looks above cur for the Indexable epoch named by seg and
// moves it to seg's step. An ancestor already on that step is left alone.
func (n *Navigator) goToAncestor(cur *Epoch, seg segment) bool {
	for _, a := range cur.Ancestors() {
		if a.name == seg.name && a.kind == KindIndexable {
			if a.Step() == seg.step {
				return false
			}
			slog.Debug("jump using goto", "epoch", a.id, "step", seg.step)
			return a.GoTo(seg.step) == nil
		}
	}
	return false
}
