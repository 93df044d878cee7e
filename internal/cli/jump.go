package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/labrun/internal/epoch"
	"github.com/roach88/labrun/internal/eventlog"
)

// JumpOptions holds flags for the jump command.
type JumpOptions struct {
	*RootOptions
	Tree string
}

// JumpResult reports where a dry-run jump landed.
type JumpResult struct {
	Target  string   `json:"target"`
	Current string   `json:"current"`
	Mounted []string `json:"mounted"`
	// Started lists the epochs entered during the jump, in order.
	Started []string `json:"started"`
}

// NewJumpCommand creates the jump command.
func NewJumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JumpOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "jump <target>",
		Short: "Dry-run a jump through an epoch tree",
		Long: `Mount an epoch tree and replay it forward to TARGET without writing
anything, then report the epochs that were entered.

TARGET is an epoch id such as "exp-block[2]-trial". Jumps only move
forward; a target behind the current epoch is not found.

Exit codes:
  0 - Target reached
  1 - Target not found or iteration limit hit
  2 - Command error (unreadable tree, malformed target)

Examples:
  labrun jump --tree epochs.yaml exp-block[2]-trial
  labrun jump --tree epochs.yaml exp-outro --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJump(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Tree, "tree", "", "epoch tree YAML file (required)")
	_ = cmd.MarkFlagRequired("tree")

	return cmd
}

func runJump(opts *JumpOptions, cmd *cobra.Command, target string) error {
	tree, err := epoch.LoadTree(opts.Tree)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load epoch tree", err)
	}

	log := eventlog.NewLogger()
	defer log.Bus().Close()
	feed := log.Bus().Subscribe()
	defer feed.Close()

	nav := epoch.NewNavigator(log)
	log.SetEpochSource(nav)
	prog, err := epoch.NewProgram(nav, tree, epoch.WithContext(cmd.Context()))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid epoch tree", err)
	}
	defer prog.Close()
	if err := prog.Start(); err != nil {
		return WrapExitError(ExitCommandError, "failed to start epoch tree", err)
	}
	drain(feed)

	err = nav.JumpTo(cmd.Context(), target, epoch.WithSettler(prog))
	switch {
	case epoch.IsMalformed(err):
		return WrapExitError(ExitCommandError, "malformed target", err)
	case err != nil:
		return WrapExitError(ExitFailure, "jump failed", err)
	}

	result := JumpResult{
		Target:  target,
		Current: nav.CurrentID(),
		Mounted: prog.Mounted(),
		Started: drain(feed),
	}
	f := opts.formatter(cmd)
	f.VerboseLog("entered %d epochs", len(result.Started))

	return f.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "Reached %s\n", result.Current)
		fmt.Fprintf(w, "Mounted: %s\n", strings.Join(result.Mounted, ", "))
		for _, id := range result.Started {
			fmt.Fprintf(w, "  entered %s\n", id)
		}
	})
}

// drain returns the ids of the epochs started since the last call.
func drain(feed *eventlog.Feed) []string {
	started := []string{}
	for {
		e, ok := feed.TryNext()
		if !ok {
			return started
		}
		if strings.HasPrefix(e.EventType, epoch.StartPrefix) {
			if id, ok := e.Data["id"].(string); ok {
				started = append(started, id)
			}
		}
	}
}
