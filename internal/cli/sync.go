package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/labrun/internal/mirror"
	"github.com/roach88/labrun/internal/remote"
	"github.com/roach88/labrun/internal/session"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Modes       []string
	Concurrency int
}

// SyncReport is the outcome of syncing one mode.
type SyncReport struct {
	Mode       session.Mode `json:"mode"`
	Downloaded []string     `json:"downloaded"`
	Missing    []string     `json:"missing"`
	Skipped    int          `json:"skipped"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror remote sessions into the data directory",
		Long: `Download every session whose remote record changed since it was last
mirrored, writing {mode}/{session}.json files and a {mode}/_meta.json
index under the data directory.

Exit codes:
  0 - Sync finished (sessions listed as missing had no data)
  1 - Sync failed
  2 - Command error

Examples:
  labrun sync
  labrun sync --mode live --mode debug --concurrency 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Modes, "mode", []string{string(session.ModeLive)}, "store partitions to sync")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", mirror.DefaultConcurrency, "parallel session downloads")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	modes := make([]session.Mode, 0, len(opts.Modes))
	for _, m := range opts.Modes {
		mode, err := session.ParseMode(m)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid mode", err)
		}
		modes = append(modes, mode)
	}
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}

	db, err := remote.Open(cfg.StorePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer db.Close()
	files, err := mirror.NewFileStore(cfg.DataDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open data directory", err)
	}

	f := opts.formatter(cmd)
	syncer := mirror.NewSyncer(db, files, mirror.WithConcurrency(opts.Concurrency))
	reports := make([]SyncReport, 0, len(modes))
	for _, mode := range modes {
		f.VerboseLog("syncing %s into %s", mode, files.Root())
		res, err := syncer.Sync(cmd.Context(), mode)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("sync %s failed", mode), err)
		}
		reports = append(reports, SyncReport{
			Mode:       mode,
			Downloaded: nonNil(res.Downloaded),
			Missing:    nonNil(res.Missing),
			Skipped:    res.Skipped,
		})
	}

	return f.Render(reports, func(w io.Writer) {
		for _, r := range reports {
			fmt.Fprintf(w, "%s: %d downloaded, %d up to date\n", r.Mode, len(r.Downloaded), r.Skipped)
			if len(r.Missing) > 0 {
				fmt.Fprintf(w, "  missing: %s\n", strings.Join(r.Missing, ", "))
			}
		}
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
