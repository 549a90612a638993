package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/logging"
)

// NewAskCmd constructs the `medrag ask` command, which answers one question
// from the indexed records and prints the answer with its sources.
func NewAskCmd() *cobra.Command {
	var patientID string
	var showSources bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about the indexed records",
		Long: `Ask a natural-language question. The most relevant indexed records are
retrieved and passed to the chat model as context.

With --patient, retrieval is scoped to that patient's records.

Examples:
  medrag ask "what medications is the patient taking?"
  medrag ask --patient 1 "summarise the latest lab results"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			eng, err := buildEngine(ctx, log, engineOptions{chat: true})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer eng.Close()

			ans, err := eng.assistant.Answer(ctx, strings.Join(args, " "), patientID)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ans.Text)
			if showSources && len(ans.Sources) > 0 {
				fmt.Fprintf(out, "\nSources (%s):\n", ans.Status)
				for i, c := range ans.Sources {
					fmt.Fprintf(out, "  [%d] score=%.3f id=%s %s\n", i+1, c.Score, c.ID, preview(c.Text, 80))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&patientID, "patient", "", "Restrict retrieval to this patient id")
	cmd.Flags().BoolVar(&showSources, "sources", false, "Print the retrieved context chunks after the answer")

	return cmd
}

// preview returns the first n runes of s on one line.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
