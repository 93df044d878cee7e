// Package app assembles one experiment run: the session, its write-back
// writer, event logger, epoch navigator, random streams, condition
// assigner, and bonus tracker, wired over a remote document store and a
// local store.
//
// Everything is built explicitly by New and torn down by Close; there is
// no package-level state.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/labrun/internal/clock"
	"github.com/roach88/labrun/internal/condition"
	"github.com/roach88/labrun/internal/config"
	"github.com/roach88/labrun/internal/epoch"
	"github.com/roach88/labrun/internal/eventlog"
	"github.com/roach88/labrun/internal/localstore"
	"github.com/roach88/labrun/internal/remote"
	"github.com/roach88/labrun/internal/rng"
	"github.com/roach88/labrun/internal/session"
	"github.com/roach88/labrun/internal/writer"
)

// Event types logged by the app.
const (
	EventSessionStart = "session.start"
	EventCompletion   = "session.completion"
)

// assignmentStream is the random stream the assignment is drawn from.
const assignmentStream = "assignment"

// DefaultCentsPerPoint values bonus points when Options leaves it unset.
const DefaultCentsPerPoint = 1

// Options configures New.
type Options struct {
	Config config.Config
	Params session.Params

	// Remote is the document store. Nil opens the SQLite store at
	// Config.StorePath; the app then owns and closes it.
	Remote remote.Store

	// Local persists the write queue and random stream state. Nil opens
	// badger at Config.LocalDir; the app then owns and closes it.
	Local *localstore.Store

	Clock         clock.Clock
	CentsPerPoint float64

	// Tree, when set, is mounted as a Program by Start.
	Tree *epoch.Node
	// Mount runs for every epoch the Program enters.
	Mount epoch.MountFunc
}

// App is one experiment run.
type App struct {
	Config   config.Config
	Clock    clock.Clock
	Remote   remote.Store
	Local    *localstore.Store
	Session  *session.Session
	Log      *eventlog.Logger
	Writer   *writer.Writer
	Nav      *epoch.Navigator
	Random   *rng.Registry
	Bonus    *session.Bonus
	Counters *session.Counters

	// Conditions and Program are set by Start.
	Conditions *condition.Assigner
	Program    *epoch.Program

	tree    *epoch.Node
	mount   epoch.MountFunc
	closers []func() error

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds an app. Nothing is written until Start.
func New(opts Options) (*App, error) {
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	cents := opts.CentsPerPoint
	if cents == 0 {
		cents = DefaultCentsPerPoint
	}

	a := &App{Config: opts.Config, Clock: c, tree: opts.Tree, mount: opts.Mount}

	a.Remote = opts.Remote
	if a.Remote == nil {
		db, err := remote.Open(opts.Config.StorePath, remote.WithClock(c))
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", opts.Config.StorePath, err)
		}
		a.Remote = db
		a.closers = append(a.closers, db.Close)
	}

	a.Local = opts.Local
	if a.Local == nil {
		local, err := localstore.Open(localstore.Config{Path: opts.Config.LocalDir})
		if err != nil {
			a.closeOwned()
			return nil, err
		}
		a.Local = local
		a.closers = append(a.closers, local.Close)
	}

	a.Session = session.New(opts.Params, opts.Config.Version, c)
	a.Log = eventlog.NewLogger(eventlog.WithClock(c))
	a.Writer = writer.New(a.Remote,
		writer.WithClock(c),
		writer.WithDelay(opts.Config.WriterDelay, opts.Config.WriterMaxWait),
		writer.WithFlushTimeout(opts.Config.WriterFlushTimeout),
		writer.WithQueueStore(a.Local),
		writer.WithErrorReporter(a.Log),
	)
	a.Log.SetSink(a.Writer)
	a.Nav = epoch.NewNavigator(a.Log)
	a.Log.SetEpochSource(a.Nav)
	a.Random = rng.NewRegistry(a.Session.ID(), a.Local)
	a.Bonus = session.NewBonus(a.Session, a.Log, cents)
	a.Counters = session.NewCounters()
	return a, nil
}

// Start checks the remote store is reachable, binds the writer to the
// session, settles the assignment and starts the epoch program.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started || a.closed {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.started = true
	a.mu.Unlock()

	if err := remote.AssertConnected(ctx, a.Remote, a.Config.WriterFlushTimeout); err != nil {
		return err
	}
	if err := a.Writer.InitializeSession(ctx, a.Session); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}

	stream := a.Random.Get(ctx, assignmentStream)
	assigner, err := condition.New(a.Session, func() int {
		return stream.Intn(condition.AssignmentRange)
	})
	if err != nil {
		return fmt.Errorf("assign conditions: %w", err)
	}
	a.Conditions = assigner

	meta := a.Session.Snapshot()
	a.Log.Log(EventSessionStart, map[string]any{
		"mode":       string(meta.Mode),
		"version":    meta.Version,
		"assignment": *meta.Assignment,
	})

	if a.tree != nil {
		opts := []epoch.ProgramOption{epoch.WithContext(ctx), epoch.WithClock(a.Clock)}
		if a.mount != nil {
			opts = append(opts, epoch.WithMountFunc(a.mount))
		}
		prog, err := epoch.NewProgram(a.Nav, *a.tree, opts...)
		if err != nil {
			return err
		}
		if err := prog.Start(); err != nil {
			return fmt.Errorf("start program: %w", err)
		}
		a.Program = prog
	}
	slog.Info("app started", "session_id", meta.SessionID, "mode", meta.Mode, "assignment", *meta.Assignment)
	return nil
}

// JumpTo replays the program forward to target with durable writes
// suppressed.
func (a *App) JumpTo(ctx context.Context, target string) error {
	opts := []epoch.JumpOption{epoch.WithSuppressor(a.Writer)}
	if a.Program != nil {
		opts = append(opts, epoch.WithSettler(a.Program))
	}
	return a.Nav.JumpTo(ctx, target, opts...)
}

// Complete ends the run with codeType, flushes, and returns the completion
// code to show the participant. Only COMPLETED stamps completionTime.
func (a *App) Complete(ctx context.Context, codeType session.CodeType) (string, error) {
	code := session.CompletionCode(codeType, a.Config.Version)
	if codeType == session.CodeCompleted {
		a.Session.MarkCompleted()
	}
	a.Log.Log(EventCompletion, map[string]any{"codeType": string(codeType), "code": code})
	if err := a.Flush(ctx); err != nil {
		return code, err
	}
	return code, nil
}

// Flush writes everything pending within the configured flush timeout.
func (a *App) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.Config.WriterFlushTimeout)
	defer cancel()
	return a.Writer.Flush(ctx)
}

// Close tears down the program, flushes pending writes, and closes the
// stores the app opened. It is safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.started
	a.mu.Unlock()

	if a.Program != nil {
		a.Program.Close()
	}
	var errs []error
	if started && a.Writer.Initialized() {
		if err := a.Flush(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		}
	}
	a.Writer.Close()
	a.Log.Bus().Close()
	errs = append(errs, a.closeOwned())
	return errors.Join(errs...)
}

func (a *App) closeOwned() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
