package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/logging"
)

// NewStatsCmd constructs the `medrag stats` command, which prints a summary
// of the local index as JSON.
func NewStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print local index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			eng, err := openIndexOnly(ctx, log)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			defer eng.Close()
			if eng.local == nil {
				return fmt.Errorf("stats: %w", errRemoteIndex)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(eng.local.Stats())
		},
	}
}
