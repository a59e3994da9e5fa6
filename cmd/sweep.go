package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/replay-harvester/internal/harvest"
)

type sweepOutput struct {
	Report harvest.Report `json:"report"`
	Totals harvest.Totals `json:"totals"`
}

// newSweepCmd creates the 'sweep' subcommand. Its flags are bound to the
// harvest.* config keys, so a flag wins over file and environment values.
func newSweepCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Runs one sweep and exits",
		Long: `Runs a single sweep over the configured formats in one direction.
"newer" collects replays uploaded since the stored boundary; "older" backfills
replays uploaded before it. The report is printed as JSON. Interrupting the
command checkpoints every fully processed page before exiting.`,
		RunE: runSweepCommand,
	}
	flags := cmd.Flags()
	flags.String("direction", "newer", "sweep direction: newer or older")
	flags.StringSlice("formats", nil, "formats to sweep, e.g. gen9ou,gen9randombattle")
	flags.Int("max-pages", harvest.DefaultMaxPages, "maximum listing pages per format")
	_ = v.BindPFlag("harvest.direction", flags.Lookup("direction"))
	_ = v.BindPFlag("harvest.formats", flags.Lookup("formats"))
	_ = v.BindPFlag("harvest.max_pages", flags.Lookup("max-pages"))
	return cmd
}

func runSweepCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config

	report, err := appInstance.Orchestrator.Run(cmd.Context(), harvest.SweepRequest{
		Formats:   cfg.Harvest.Formats,
		Direction: cfg.Direction(),
		MaxPages:  cfg.Harvest.MaxPages,
	})
	if err != nil {
		if errors.Is(err, harvest.ErrCheckpointWrite) {
			appInstance.Logger.Error("checkpoint write failed, boundaries may be stale", zap.Error(err))
		}
		return fmt.Errorf("run sweep: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(sweepOutput{Report: report, Totals: report.Totals()}); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if report.Interrupted {
		appInstance.Logger.Warn("sweep interrupted, rerun to resume")
	}
	return nil
}
