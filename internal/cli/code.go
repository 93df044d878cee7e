package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/labrun/internal/session"
)

// CodeOptions holds flags for the code command.
type CodeOptions struct {
	*RootOptions
	Version string
}

// CodeResult is one completion code.
type CodeResult struct {
	CodeType session.CodeType `json:"code_type"`
	Version  string           `json:"version"`
	Code     string           `json:"code"`
}

// NewCodeCommand creates the code command.
func NewCodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "code [TYPE]",
		Short: "Print completion codes for an experiment version",
		Long: `Print the completion codes participants are shown at the end of a run.

Codes are derived from the code type and the experiment version, so the
same pair always yields the same code. Without TYPE every code type is
printed.

Examples:
  labrun code
  labrun code COMPLETED --version v1.2
  labrun code --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCode(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Version, "version", "", "experiment version (default from config)")

	return cmd
}

func runCode(opts *CodeOptions, cmd *cobra.Command, args []string) error {
	version := opts.Version
	if version == "" {
		cfg, err := opts.LoadConfig()
		if err != nil {
			return err
		}
		version = cfg.Version
	}

	types := session.CodeTypes
	if len(args) == 1 {
		ct, err := session.ParseCodeType(args[0])
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid code type", err)
		}
		types = []session.CodeType{ct}
	}

	results := make([]CodeResult, len(types))
	for i, ct := range types {
		results[i] = CodeResult{CodeType: ct, Version: version, Code: session.CompletionCode(ct, version)}
	}

	f := opts.formatter(cmd)
	return f.Render(results, func(w io.Writer) {
		if len(results) == 1 {
			fmt.Fprintln(w, results[0].Code)
			return
		}
		rows := make([][]string, len(results))
		for i, r := range results {
			rows[i] = []string{string(r.CodeType), r.Code}
		}
		f.Table([]string{"TYPE", "CODE"}, rows)
	})
}
