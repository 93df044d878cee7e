package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/labrun/internal/app"
	"github.com/roach88/labrun/internal/epoch"
	"github.com/roach88/labrun/internal/lifecycle"
	"github.com/roach88/labrun/internal/session"
)

// PageEvent is logged for every page the run walks through.
const PageEvent = "page.complete"

// SessionRunOptions holds flags for the session run command.
type SessionRunOptions struct {
	*RootOptions
	Tree          string
	SessionID     string
	ParticipantID string
	StudyID       string
	Mode          string
	Assignment    int
	Jump          string
	Points        float64
	CentsPerPoint float64
	Code          string
}

// SessionRunResult summarizes a scripted run.
type SessionRunResult struct {
	SessionID  string       `json:"session_id"`
	Mode       session.Mode `json:"mode"`
	Assignment int          `json:"assignment"`
	Pages      []string     `json:"pages"`
	Bonus      float64      `json:"bonus"`
	CodeType   string       `json:"code_type"`
	Code       string       `json:"code"`
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Drive experiment sessions",
	}
	cmd.AddCommand(newSessionRunCommand(&SessionRunOptions{RootOptions: rootOpts}))
	return cmd
}

func newSessionRunCommand(opts *SessionRunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scripted session against the store",
		Long: `Start a session, walk every page of an epoch tree in order, award
points, and finish with a completion code. Everything is recorded
through the write-back writer exactly as a participant's run would be.

With --jump the run first replays forward to the target epoch without
recording the skipped epochs.

Exit codes:
  0 - Session completed
  1 - Run failed (store unreachable, jump target not found)
  2 - Command error

Examples:
  labrun session run --mode debug
  labrun session run --tree epochs.yaml --session-id s1 --participant p1 --points 150
  labrun session run --tree epochs.yaml --mode debug --jump exp-block[2]-trial`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tree, "tree", "", "epoch tree YAML file")
	cmd.Flags().StringVar(&opts.SessionID, "session-id", "", "session id (default generated)")
	cmd.Flags().StringVar(&opts.ParticipantID, "participant", "", "participant id")
	cmd.Flags().StringVar(&opts.StudyID, "study", "", "study id")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "store partition (live|debug); inferred when empty")
	cmd.Flags().IntVar(&opts.Assignment, "assignment", -1, "fixed assignment (default drawn)")
	cmd.Flags().StringVar(&opts.Jump, "jump", "", "epoch id to jump to before walking")
	cmd.Flags().Float64Var(&opts.Points, "points", 0, "bonus points to award")
	cmd.Flags().Float64Var(&opts.CentsPerPoint, "cents-per-point", app.DefaultCentsPerPoint, "bonus cents per point")
	cmd.Flags().StringVar(&opts.Code, "code", string(session.CodeCompleted), "completion code type")

	return cmd
}

func runSession(opts *SessionRunOptions, cmd *cobra.Command) error {
	params := session.Params{
		SessionID:     opts.SessionID,
		ParticipantID: opts.ParticipantID,
		StudyID:       opts.StudyID,
	}
	if opts.Mode != "" {
		mode, err := session.ParseMode(opts.Mode)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid mode", err)
		}
		params.Mode = mode
	}
	if opts.SessionID != "" {
		if err := session.ValidateSessionID(opts.SessionID); err != nil {
			return WrapExitError(ExitCommandError, "invalid session id", err)
		}
	}
	if opts.Assignment >= 0 {
		n := opts.Assignment
		params.Assignment = &n
	}
	codeType, err := session.ParseCodeType(opts.Code)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid code type", err)
	}

	var tree *epoch.Node
	if opts.Tree != "" {
		t, err := epoch.LoadTree(opts.Tree)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load epoch tree", err)
		}
		tree = &t
	} else if opts.Jump != "" {
		return NewExitError(ExitCommandError, "--jump requires --tree")
	}

	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	var pages []string
	run, err := app.New(app.Options{
		Config:        cfg,
		Params:        params,
		CentsPerPoint: opts.CentsPerPoint,
		Tree:          tree,
		Mount: func(e *epoch.Epoch, scope *lifecycle.Scope) {
			f.VerboseLog("entered %s", e.ID())
			scope.OnClose(func() { f.VerboseLog("left %s", e.ID()) })
		},
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open stores", err)
	}
	defer run.Close()

	if err := run.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start session", err)
	}
	if opts.Jump != "" {
		if err := run.JumpTo(ctx, opts.Jump); err != nil {
			return WrapExitError(ExitFailure, "jump failed", err)
		}
	}
	if tree != nil {
		pages, err = walk(run)
		if err != nil {
			return WrapExitError(ExitFailure, "walk failed", err)
		}
	}
	if opts.Points != 0 {
		run.Bonus.AddPoints(opts.Points)
	}

	code, err := run.Complete(ctx, codeType)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to record completion", err)
	}

	meta := run.Session.Snapshot()
	result := SessionRunResult{
		SessionID:  meta.SessionID,
		Mode:       meta.Mode,
		Assignment: *meta.Assignment,
		Pages:      pages,
		Bonus:      meta.Bonus,
		CodeType:   string(codeType),
		Code:       code,
	}
	if result.Pages == nil {
		result.Pages = []string{}
	}
	return f.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "Session %s (%s), assignment %d\n", result.SessionID, result.Mode, result.Assignment)
		fmt.Fprintf(w, "Pages:  %d\n", len(result.Pages))
		fmt.Fprintf(w, "Bonus:  %s\n", run.Bonus.Report())
		fmt.Fprintf(w, "Code:   %s (%s)\n", result.Code, result.CodeType)
	})
}

// walk completes the current epoch until the whole tree is done and
// returns the pages visited in order.
func walk(run *app.App) ([]string, error) {
	var pages []string
	for range epoch.MaxJumpIterations {
		cur := run.Nav.Current()
		if cur.IsTop() {
			return pages, nil
		}
		if cur.IsPage() {
			pages = append(pages, cur.ID())
			run.Log.Log(PageEvent, map[string]any{"epoch": cur.ID()})
		}
		cur.Done()
		run.Program.Settle()
	}
	return pages, fmt.Errorf("tree not finished after %d steps at %s", epoch.MaxJumpIterations, run.Nav.CurrentID())
}
