package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newCheckpointsCmd creates the 'checkpoints' subcommand, which prints the
// stored checkpoint document.
func newCheckpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "Prints the stored sweep boundaries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cps, err := appInstance.Checkpoints.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load checkpoints: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(cps); err != nil {
				return fmt.Errorf("write checkpoints: %w", err)
			}
			return nil
		},
	}
}
