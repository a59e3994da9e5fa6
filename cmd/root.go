// Package cmd defines and implements the CLI commands for the replay-harvester
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/replay-harvester/internal/app"
	"github.com/JakeFAU/replay-harvester/internal/config"
	"github.com/JakeFAU/replay-harvester/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can inject
// backends.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newLogger is swapped for a no-op logger in tests.
var newLogger = logging.New

// newRootCmd creates the root command. Each call gets its own Viper instance
// so flags bound by subcommands never leak between invocations.
func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "replay-harvester",
		Short: "Incremental, resumable Pokémon Showdown replay harvester.",
		Long: `replay-harvester walks the Pokémon Showdown replay search listing,
downloads every replay beyond the stored boundary of each format and records
the new boundary so the next run resumes where this one stopped. Sweeps run
toward newer replays (catch up) or older ones (backfill).`,
		SilenceUsage: true,

		// Builds the application once flags are parsed and stores it in the
		// command context for subcommands.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().Bool("development", true, "human readable logs")
	_ = v.BindPFlag("logging.development", cmd.PersistentFlags().Lookup("development"))

	cmd.AddCommand(newSweepCmd(v))
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCheckpointsCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	if ctx == nil {
		return nil, errors.New("application services not initialized")
	}
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// executeRoot runs root and then closes the application the executed command
// built, whether or not the command failed.
func executeRoot(ctx context.Context, root *cobra.Command) error {
	executed, err := root.ExecuteContextC(ctx)
	if executed == nil {
		return err
	}
	appInstance, resolveErr := resolveApp(executed.Context())
	if resolveErr != nil {
		return err
	}
	if closeErr := appInstance.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close application services: %w", closeErr))
	}
	_ = appInstance.Logger.Sync()
	return err
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context, which interrupts a running sweep after its settled pages are
// checkpointed.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := executeRoot(ctx, newRootCmd())
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay-harvester:", err)
		os.Exit(1)
	}
}
