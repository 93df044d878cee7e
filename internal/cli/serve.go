package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/roach88/labrun/internal/config"
	"github.com/roach88/labrun/internal/mirror"
	"github.com/roach88/labrun/internal/prolific"
	"github.com/roach88/labrun/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local researcher API",
		Long: `Serve the data directory, the token store and a proxy to the
recruitment platform API for the researcher dashboard.

Routes:
  GET  /healthz
  GET  /metrics
  GET  /api/data/*path          read a JSON, CSV or text file
  PUT  /api/data/*path          write a file
  GET  /api/token               read the saved API token
  POST /api/token               save the API token
  ANY  /api/prolific/*path      proxy with the X-Prolific-Token header

Stops on SIGINT or SIGTERM.

Examples:
  labrun serve
  labrun serve --addr 127.0.0.1:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	srv, err := newServer(cfg, opts.Verbose)
	if err != nil {
		return err
	}
	addr := opts.Addr
	if addr == "" {
		addr = cfg.ServerAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Debug("serving data", "data_dir", cfg.DataDir)
	if err := srv.Run(ctx, addr); err != nil {
		return WrapExitError(ExitFailure, "server failed", err)
	}
	return nil
}

// newServer wires the API from config.
func newServer(cfg config.Config, verbose bool) (*server.Server, error) {
	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	files, err := mirror.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open data directory", err)
	}
	client := prolific.NewClient(cfg.Prolific.ProjectID,
		prolific.WithBaseURL(cfg.Prolific.BaseURL),
		prolific.WithStatusTimeout(cfg.Prolific.StatusTimeout),
	)
	return server.New(server.Config{
		Files:     files,
		Prolific:  client,
		TokenPath: cfg.Prolific.TokenFile,
	}), nil
}
