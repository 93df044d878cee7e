package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/labrun/internal/eventlog"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Type string
}

// NewEventsCommand creates the events command group.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect compressed event records",
	}
	cmd.AddCommand(newEventsDecodeCommand(&EventsOptions{RootOptions: rootOpts}))
	return cmd
}

func newEventsDecodeCommand(opts *EventsOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <file|->",
		Short: "Decode a compressed event record",
		Long: `Decode an events record as stored remotely (an object keyed by
"{timestamp}—{index}—{uid}—{eventType}") back into ordered events.

Reads the record from FILE, or from stdin when FILE is "-".

Exit codes:
  0 - Record decoded
  2 - Unreadable file or malformed record

Examples:
  labrun events decode data/live/s1.events.json
  cat record.json | labrun events decode - --type trial.response`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventsDecode(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "only show events of this type")

	return cmd
}

func runEventsDecode(opts *EventsOptions, cmd *cobra.Command, path string) error {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open record", err)
		}
		defer f.Close()
		r = f
	}

	var record map[string]any
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&record); err != nil {
		return WrapExitError(ExitCommandError, "failed to parse record", err)
	}

	events, err := eventlog.Decompress(record)
	if err != nil {
		return WrapExitError(ExitCommandError, "malformed record", err)
	}
	if opts.Type != "" {
		kept := events[:0]
		for _, e := range events {
			if e.EventType == opts.Type {
				kept = append(kept, e)
			}
		}
		events = kept
	}

	f := opts.formatter(cmd)
	return f.Render(events, func(w io.Writer) {
		if len(events) == 0 {
			fmt.Fprintln(w, "No events.")
			return
		}
		rows := make([][]string, len(events))
		for i, e := range events {
			data, _ := json.Marshal(e.Data)
			rows[i] = []string{
				time.UnixMilli(e.Timestamp).UTC().Format("2006-01-02 15:04:05.000"),
				fmt.Sprint(e.Index),
				e.CurrentEpochID,
				e.EventType,
				string(data),
			}
		}
		f.Table([]string{"TIME", "INDEX", "EPOCH", "TYPE", "DATA"}, rows)
	})
}
