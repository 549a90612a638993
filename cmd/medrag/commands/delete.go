package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/rag"
)

// NewDeleteCmd constructs the `medrag delete` command, which soft-deletes
// every indexed record of a document or a patient.
func NewDeleteCmd() *cobra.Command {
	var docID string
	var patientID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove a document's or a patient's records from the index",
		Long: `Soft-delete every live record matching --document-id and/or --patient.
Deleted records stop appearing in search results immediately; their space is
reclaimed by 'medrag compact'.

Examples:
  medrag delete --document-id 3f0c9a52-...
  medrag delete --patient 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := rag.Filter{}
			if docID != "" {
				filter[rag.KeyDocumentID] = rag.StringValue(docID)
			}
			if patientID != "" {
				filter[rag.KeyPatientID] = rag.StringValue(patientID)
			}
			if len(filter) == 0 {
				return errors.New("delete: --document-id or --patient is required")
			}

			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			eng, err := openIndexOnly(ctx, log)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			defer eng.Close()

			n, err := eng.idx.Delete(ctx, filter)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&docID, "document-id", "", "Document id whose records are removed")
	cmd.Flags().StringVar(&patientID, "patient", "", "Patient id whose records are removed")

	return cmd
}
