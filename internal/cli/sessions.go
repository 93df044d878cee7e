package cli

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/labrun/internal/mirror"
	"github.com/roach88/labrun/internal/remote"
	"github.com/roach88/labrun/internal/session"
)

// SessionsOptions holds flags shared by the sessions subcommands.
type SessionsOptions struct {
	*RootOptions
	Mode string
}

// NewSessionsCommand creates the sessions command group.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded sessions",
	}
	cmd.PersistentFlags().StringVar(&opts.Mode, "mode", string(session.ModeLive), "store partition (live|debug)")

	cmd.AddCommand(newSessionsListCommand(opts))
	cmd.AddCommand(newSessionsVersionsCommand(opts))
	cmd.AddCommand(newSessionsExportCommand(opts))
	return cmd
}

// openStore parses the mode flag and opens the configured document store.
func (o *SessionsOptions) openStore() (*remote.SQLiteStore, session.Mode, error) {
	mode, err := session.ParseMode(o.Mode)
	if err != nil {
		return nil, "", WrapExitError(ExitCommandError, "invalid mode", err)
	}
	cfg, err := o.LoadConfig()
	if err != nil {
		return nil, "", err
	}
	db, err := remote.Open(cfg.StorePath)
	if err != nil {
		return nil, "", WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return db, mode, nil
}

func newSessionsListCommand(opts *SessionsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Long: `List the sessions recorded in one partition of the store with their
derived status (completed, active, idle or quit).

Examples:
  labrun sessions list
  labrun sessions list --mode debug --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, mode, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			metas, err := mirror.RemoteMeta(cmd.Context(), db, mode)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read sessions", err)
			}
			rows := mirror.SessionList(mirror.Metas(metas), time.Now())

			f := opts.formatter(cmd)
			return f.Render(rows, func(w io.Writer) {
				if len(rows) == 0 {
					fmt.Fprintf(w, "No %s sessions.\n", mode)
					return
				}
				table := make([][]string, len(rows))
				for i, r := range rows {
					table[i] = []string{
						r.SessionID,
						r.Version,
						string(r.Status),
						formatMillis(r.StartTime),
						formatMillis(r.LastUpdateTime),
						r.ParticipantID,
					}
				}
				f.Table([]string{"SESSION", "VERSION", "STATUS", "STARTED", "UPDATED", "PARTICIPANT"}, table)
			})
		},
	}
}

// VersionSummary is one experiment version's session statistics.
type VersionSummary struct {
	Version string `json:"version"`
	mirror.VersionInfo
}

func newSessionsVersionsCommand(opts *SessionsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "Summarize sessions per experiment version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, mode, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			metas, err := mirror.RemoteMeta(cmd.Context(), db, mode)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read sessions", err)
			}
			now := time.Now()
			groups := mirror.ByVersion(mirror.Metas(metas))
			summaries := make([]VersionSummary, 0, len(groups))
			for v, ms := range groups {
				summaries = append(summaries, VersionSummary{Version: v, VersionInfo: mirror.MakeVersionInfo(ms, now)})
			}
			slices.SortFunc(summaries, func(a, b VersionSummary) int {
				return cmp.Compare(b.LatestStartTime, a.LatestStartTime)
			})

			f := opts.formatter(cmd)
			return f.Render(summaries, func(w io.Writer) {
				header := []string{"VERSION"}
				for _, s := range session.Statuses {
					header = append(header, string(s))
				}
				header = append(header, "LATEST START")
				table := make([][]string, len(summaries))
				for i, s := range summaries {
					row := []string{s.Version}
					for _, st := range session.Statuses {
						row = append(row, strconv.Itoa(s.Counts[st]))
					}
					table[i] = append(row, formatMillis(s.LatestStartTime))
				}
				f.Table(header, table)
			})
		},
	}
}

func newSessionsExportCommand(opts *SessionsOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session's events as CSV",
		Long: `Write one session's events to a CSV file under the data directory,
one row per event tagged with the epoch that was current.

Exit codes:
  0 - Export written
  1 - Session not found
  2 - Command error

Examples:
  labrun sessions export s1
  labrun sessions export s1 --mode debug --out exports/s1.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid := args[0]
			db, mode, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			data, ok, err := mirror.FetchSession(cmd.Context(), db, mode, sid)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read session", err)
			}
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("session %s not found in %s", sid, mode))
			}

			cfg, _ := opts.LoadConfig()
			files, err := mirror.NewFileStore(cfg.DataDir)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open data directory", err)
			}
			if out == "" {
				out = fmt.Sprintf("exports/%s/%s.csv", mode, sid)
			}
			rows := mirror.EventRows(data)
			if err := files.Put(out, mirror.Records(rows)); err != nil {
				return WrapExitError(ExitCommandError, "failed to write export", err)
			}

			result := map[string]any{"session_id": sid, "rows": len(rows), "path": out}
			return opts.formatter(cmd).Render(result, func(w io.Writer) {
				fmt.Fprintf(w, "Wrote %d events to %s\n", len(rows), out)
			})
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "output path relative to the data directory")
	return cmd
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04")
}
