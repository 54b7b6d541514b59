package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katasec/dstream-ingester-materialize/internal/config"
	"github.com/katasec/dstream-ingester-materialize/internal/logging"
	"github.com/katasec/dstream-ingester-materialize/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Serve the change stream until interrupted",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts.Config)
		},
	}
	return cmd
}

func runServe(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	logger := logging.Setup(logging.Options{Level: cfg.LogLevel, JSON: cfg.JSONLogs})
	if path == "" {
		logger.Info("No config file found, using environment and defaults")
	} else {
		logger.Info("Loaded config", "path", path, "tables", len(cfg.Tables), "queries", len(cfg.Queries))
	}

	srv, err := server.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}
