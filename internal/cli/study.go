package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/labrun/internal/config"
	"github.com/roach88/labrun/internal/localstore"
	"github.com/roach88/labrun/internal/prolific"
)

// StudyOptions holds flags shared by the study subcommands.
type StudyOptions struct {
	*RootOptions
	Yes bool
}

// NewStudyCommand creates the study command group.
func NewStudyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StudyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "study",
		Short: "Manage studies on the recruitment platform",
		Long: `Create, publish and pay studies on the recruitment platform.

The API token is read from prolific.token in the config, or from the
token file (prolific.token_file). Approvals and bonuses print what they
would do and only act with --yes.`,
	}
	cmd.PersistentFlags().BoolVarP(&opts.Yes, "yes", "y", false, "carry out approvals and bonus payments")

	cmd.AddCommand(newStudyListCommand(opts))
	cmd.AddCommand(newStudyShowCommand(opts))
	cmd.AddCommand(newStudyCreateCommand(opts))
	cmd.AddCommand(newStudyTransitionCommand(opts))
	cmd.AddCommand(newStudyDeleteCommand(opts))
	cmd.AddCommand(newStudyPlacesCommand(opts))
	cmd.AddCommand(newStudyApproveCommand(opts))
	cmd.AddCommand(newStudyBonusCommand(opts))
	return cmd
}

// withService runs fn against a study service whose cache persists in the
// local store.
func (o *StudyOptions) withService(ctx context.Context, fn func(svc *prolific.Service, cfg config.Config) error) error {
	cfg, err := o.LoadConfig()
	if err != nil {
		return err
	}
	token, err := readToken(cfg.Prolific)
	if err != nil {
		return err
	}
	local, err := localstore.Open(localstore.Config{Path: cfg.LocalDir})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	defer local.Close()

	client := prolific.NewClient(cfg.Prolific.ProjectID,
		prolific.WithBaseURL(cfg.Prolific.BaseURL),
		prolific.WithToken(token),
		prolific.WithStatusTimeout(cfg.Prolific.StatusTimeout),
	)
	svc, err := prolific.NewService(ctx, client, prolific.ServiceConfig{
		Store:           local,
		PageSize:        cfg.Prolific.PageSize,
		RefreshInterval: cfg.CacheRefresh,
		PublicURL:       cfg.PublicURL,
		Version:         cfg.Version,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load study cache", err)
	}
	defer svc.Close()

	if err := fn(svc, cfg); err != nil {
		return apiExit(err)
	}
	return nil
}

// readToken prefers the configured token over the token file.
func readToken(p config.Prolific) (string, error) {
	if p.Token != "" {
		return p.Token, nil
	}
	raw, err := os.ReadFile(p.TokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", NewExitError(ExitCommandError, fmt.Sprintf("no API token: set prolific.token or save one to %s", p.TokenFile))
	}
	if err != nil {
		return "", WrapExitError(ExitCommandError, "failed to read token file", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// apiExit maps service errors to exit codes: bad input is a command error,
// everything the platform rejects is a failure.
func apiExit(err error) error {
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return err
	case prolific.IsValidation(err):
		return WrapExitError(ExitCommandError, "invalid request", err)
	case errors.Is(err, prolific.ErrStatus):
		return WrapExitError(ExitFailure, "credential check failed", err)
	}
	return WrapExitError(ExitFailure, "request failed", err)
}

func newStudyListCommand(opts *StudyOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the project's studies, those needing attention first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd.Context(), func(svc *prolific.Service, _ config.Config) error {
				studies, err := svc.StudiesAsync(cmd.Context())
				if err != nil {
					return err
				}
				f := opts.formatter(cmd)
				return f.Render(studies, func(w io.Writer) {
					if len(studies) == 0 {
						fmt.Fprintln(w, "No studies.")
						return
					}
					rows := make([][]string, len(studies))
					for i, s := range studies {
						rows[i] = []string{
							s.ID,
							s.InternalName,
							string(s.Status),
							fmt.Sprintf("%d/%d", s.PlacesTaken, s.TotalAvailablePlaces),
							s.Created().Format("2006-01-02"),
						}
					}
					f.Table([]string{"ID", "NAME", "STATUS", "PLACES", "CREATED"}, rows)
				})
			})
		},
	}
}

func newStudyShowCommand(opts *StudyOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <study-id>",
		Short: "Show a study and its submissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd.Context(), func(svc *prolific.Service, _ config.Config) error {
				study, err := svc.Study(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Render(study, func(w io.Writer) {
					printStudy(w, study)
				})
			})
		},
	}
}

func printStudy(w io.Writer, s prolific.StudyFull) {
	fmt.Fprintf(w, "%s  %s\n", s.ID, s.Name)
	fmt.Fprintf(w, "Status:  %s\n", s.Status)
	fmt.Fprintf(w, "Places:  %d/%d\n", s.PlacesTaken, s.TotalAvailablePlaces)
	fmt.Fprintf(w, "Reward:  %.0f cents\n", s.Reward)
	fmt.Fprintf(w, "Link:    %s\n", prolific.StudyLink(s.ID))
	counts := map[prolific.SubmissionStatus]int{}
	for _, sub := range s.Submissions {
		counts[sub.Status]++
	}
	for _, st := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(w, "  %-20s %d\n", st, counts[st])
	}
}

func newStudyCreateCommand(opts *StudyOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create <study.yaml>",
		Short: "Create an unpublished study from a config file",
		Long: `Create an unpublished study. Participants of every earlier study in
the project are excluded, and access links and completion codes are
generated for the configured experiment version.

Examples:
  labrun study create study.yaml --name pilot-3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			studyCfg, err := prolific.LoadStudyConfig(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid study config", err)
			}
			return opts.withService(cmd.Context(), func(svc *prolific.Service, cfg config.Config) error {
				internal := name
				if internal == "" {
					internal = cfg.Version
				}
				study, err := svc.CreateStudy(cmd.Context(), studyCfg, internal)
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Render(study, func(w io.Writer) {
					fmt.Fprintf(w, "Created study %s (%s)\n", study.ID, study.Status)
				})
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "internal study name (default: experiment version)")
	return cmd
}

func newStudyTransitionCommand(opts *StudyOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transition <study-id> <PUBLISH|PAUSE|START|STOP>",
		Short: "Change a study's lifecycle state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := prolific.ParseAction(strings.ToUpper(args[1]))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid action", err)
			}
			return opts.withService(cmd.Context(), func(svc *prolific.Service, _ config.Config) error {
				study, err := svc.Transition(cmd.Context(), args[0], action)
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Render(study, func(w io.Writer) {
					fmt.Fprintf(w, "Study %s is now %s\n", study.ID, study.Status)
				})
			})
		},
	}
}

func newStudyDeleteCommand(opts *StudyOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <study-id>",
		Short: "Delete an unpublished study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd.Context(), func(svc *prolific.Service, _ config.Config) error {
				if err := svc.DeleteStudy(cmd.Context(), args[0]); err != nil {
					return err
				}
				return opts.formatter(cmd).Render(map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted study %s\n", args[0])
				})
			})
		},
	}
}

func newStudyPlacesCommand(opts *StudyOptions) *cobra.Command {
	var add, total int

	cmd := &cobra.Command{
		Use:   "places <study-id>",
		Short: "Grow or set a study's places",
		Long: `Change how many participants a study accepts.

Examples:
  labrun study places 60f1c0ffee --add 10
  labrun study places 60f1c0ffee --total 120`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (add == 0) == (total == 0) {
				return NewExitError(ExitCommandError, "exactly one of --add or --total is required")
			}
			return opts.withService(cmd.Context(), func(svc *prolific.Service, _ config.Config) error {
				var (
					study prolific.StudyFull
					err   error
				)
				if add != 0 {
					study, err = svc.AddPlaces(cmd.Context(), args[0], add)
				} else {
					study, err = svc.UpdatePlaces(cmd.Context(), args[0], total)
				}
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Render(study, func(w io.Writer) {
					fmt.Fprintf(w, "Study %s now has %d places\n", study.ID, study.TotalAvailablePlaces)
				})
			})
		},
	}

	cmd.Flags().IntVar(&add, "add", 0, "places to add")
	cmd.Flags().IntVar(&total, "total", 0, "new total places")
	return cmd
}

// ApprovalResult reports a proposed or confirmed approval.
type ApprovalResult struct {
	StudyID       string   `json:"study_id"`
	SubmissionIDs []string `json:"submission_ids"`
	Confirmed     bool     `json:"confirmed"`
}

func newStudyApproveCommand(opts *StudyOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <study-id> [submission-id...]",
		Short: "Approve submissions",
		Long: `Approve submissions. Without submission ids, every submission awaiting
review that entered the study's COMPLETED code is selected.

Examples:
  labrun study approve 60f1c0ffee
  labrun study approve 60f1c0ffee --yes`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []string
			if len(args) > 1 {
				ids = args[1:]
			}
			return opts.withService(cmd.Context(), func(svc *prolific.Service, _ config.Config) error {
				proposal, err := svc.ProposeApprovals(cmd.Context(), args[0], ids)
				if err != nil {
					return err
				}
				confirmed := opts.Yes && proposal.Count() > 0
				if confirmed {
					if err := proposal.Confirm(cmd.Context()); err != nil {
						return err
					}
				}
				result := ApprovalResult{StudyID: proposal.StudyID, SubmissionIDs: proposal.SubmissionIDs, Confirmed: confirmed}
				return opts.formatter(cmd).Render(result, func(w io.Writer) {
					switch {
					case proposal.Count() == 0:
						fmt.Fprintln(w, "Nothing to approve.")
					case confirmed:
						fmt.Fprintf(w, "Approved %d submissions.\n", proposal.Count())
					default:
						fmt.Fprintf(w, "Would approve %d submissions:\n", proposal.Count())
						for _, id := range proposal.SubmissionIDs {
							fmt.Fprintf(w, "  %s\n", id)
						}
						fmt.Fprintln(w, "Run again with --yes to approve.")
					}
				})
			})
		},
	}
}

// BonusResult reports a proposed or confirmed bulk bonus.
type BonusResult struct {
	StudyID     string             `json:"study_id"`
	PaymentID   string             `json:"payment_id,omitempty"`
	TotalAmount float64            `json:"total_amount"`
	Owed        map[string]float64 `json:"owed"`
	Confirmed   bool               `json:"confirmed"`
}

func newStudyBonusCommand(opts *StudyOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bonus <study-id> <bonuses.yaml>",
		Short: "Pay bonuses up to per-participant totals",
		Long: `Pay bonuses so each participant's total reaches the amount in the
bonus file, a YAML or JSON map from participant or submission id to
cents. Bonuses already paid are subtracted.

Examples:
  labrun study bonus 60f1c0ffee bonuses.yaml
  labrun study bonus 60f1c0ffee bonuses.yaml --yes`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := loadBonuses(args[1])
			if err != nil {
				return err
			}
			return opts.withService(cmd.Context(), func(svc *prolific.Service, _ config.Config) error {
				proposal, err := svc.ProposeBonuses(cmd.Context(), args[0], cents)
				if err != nil {
					return err
				}
				confirmed := opts.Yes && !proposal.Empty()
				if confirmed {
					if err := proposal.Confirm(cmd.Context()); err != nil {
						return err
					}
				}
				result := BonusResult{
					StudyID:     proposal.StudyID,
					PaymentID:   proposal.PaymentID,
					TotalAmount: proposal.TotalAmount,
					Owed:        proposal.Owed,
					Confirmed:   confirmed,
				}
				return opts.formatter(cmd).Render(result, func(w io.Writer) {
					switch {
					case proposal.Empty():
						fmt.Fprintln(w, "No bonuses owed.")
					case confirmed:
						fmt.Fprintf(w, "Paid %d bonuses ($%.2f).\n", len(proposal.Owed), proposal.TotalAmount)
					default:
						fmt.Fprintf(w, "Would pay %d bonuses ($%.2f):\n", len(proposal.Owed), proposal.TotalAmount)
						for _, pid := range slices.Sorted(maps.Keys(proposal.Owed)) {
							fmt.Fprintf(w, "  %s  %.0f cents\n", pid, proposal.Owed[pid])
						}
						fmt.Fprintln(w, "Run again with --yes to pay.")
					}
				})
			})
		},
	}
}

func loadBonuses(path string) (map[string]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read bonus file", err)
	}
	var cents map[string]float64
	if err := yaml.Unmarshal(raw, &cents); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to parse bonus file", err)
	}
	if len(cents) == 0 {
		return nil, NewExitError(ExitCommandError, "bonus file lists no participants")
	}
	return cents, nil
}
