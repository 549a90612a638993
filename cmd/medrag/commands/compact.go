package commands

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/logging"
)

// errRemoteIndex is returned by maintenance commands that only apply to the
// local index backends.
var errRemoteIndex = errors.New("only supported for the sqlite and file index backends")

// NewCompactCmd constructs the `medrag compact` command, which rewrites the
// local index without its soft-deleted records.
func NewCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop soft-deleted records from the local index",
		Long: `Rewrite the local index keeping only live records. Positions are
reassigned in their original order and the snapshot generation advances.

Stop 'medrag serve' first: a running server keeps its own copy of the index.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			eng, err := openIndexOnly(ctx, log)
			if err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			defer eng.Close()
			if eng.local == nil {
				return fmt.Errorf("compact: %w", errRemoteIndex)
			}

			removed, err := eng.local.Compact(ctx)
			if err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			st := eng.local.Stats()
			log.Info("index compacted",
				slog.Int("removed", removed),
				slog.Int("live", st.Live),
				slog.Uint64("generation", st.Generation),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d deleted records, %d live\n", removed, st.Live)
			return nil
		},
	}
}
