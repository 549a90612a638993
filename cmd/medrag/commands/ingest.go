package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/ingestion"
	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/rag"
)

// NewIngestCmd constructs the `medrag ingest` command, which adds a text
// record or a report file to the index.
func NewIngestCmd() *cobra.Command {
	var text string
	var files []string
	var patientID string
	var category string
	var docID string
	var meta []string
	var noChunk bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Add records or report files to the index",
		Long: `Embed and index a text record (--text) or one or more report files (--file).

Files are text-extracted (PDF) and split into overlapping chunks that share
one document id. Text is chunked the same way unless --no-chunk is set, in
which case it is stored as a single record.

Index location and backend come from MEDRAG_INDEX_BACKEND (sqlite, file,
qdrant) and MEDRAG_INDEX_DIR. The embedding backend is selected with
EMBEDDING_PROVIDER (default: MODEL_PROVIDER, then ollama).

Examples:
  medrag ingest --patient 1 --text "BP 120/80, pulse 72, afebrile."
  medrag ingest --patient 2 --file ./lab_results.pdf
  medrag ingest --text "..." --meta source=ward-notes --meta priority=2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			if (text == "") == (len(files) == 0) {
				return errors.New("ingest: exactly one of --text or --file is required")
			}
			for _, f := range files {
				if !ingestion.AllowedFile(f) {
					return fmt.Errorf("ingest: %s: %w", f, ingestion.ErrUnsupportedFile)
				}
			}
			md, err := parseMeta(meta)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			eng, err := buildEngine(ctx, log, engineOptions{ingest: true})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer eng.Close()

			out := cmd.OutOrStdout()

			if text != "" {
				if patientID != "" {
					md[rag.KeyPatientID] = rag.StringValue(patientID)
				}
				if category != "" {
					md[ingestion.KeyFileCategory] = rag.StringValue(category)
				}
				if docID == "" {
					docID = uuid.NewString()
				}
				md[rag.KeyDocumentID] = rag.StringValue(docID)

				chunks := 1
				if noChunk {
					if _, err := eng.pipeline.Ingest(ctx, text, md); err != nil {
						return fmt.Errorf("ingest: %w", err)
					}
				} else {
					res, err := eng.pipeline.IngestDocument(ctx, text, md)
					if err != nil {
						return fmt.Errorf("ingest: %w", err)
					}
					chunks = res.Chunks
				}
				fmt.Fprintf(out, "ingested document %s (%d chunks)\n", docID, chunks)
				return nil
			}

			ex, err := ingestion.NewExtractor(ctx)
			if err != nil {
				return fmt.Errorf("ingest: failed to initialise extractor: %w", err)
			}

			for _, path := range files {
				content, err := extractFile(ctx, ex, path)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				if strings.TrimSpace(content) == "" {
					log.Warn("no text extracted, skipping", slog.String("file", path))
					continue
				}

				fileMD := ingestion.ReportMetadata(patientID, filepath.Base(path), category, time.Now())
				for k, v := range md {
					fileMD[k] = v
				}
				res, err := eng.pipeline.IngestDocument(ctx, content, fileMD)
				if err != nil {
					return fmt.Errorf("ingest: %s: %w", path, err)
				}
				fmt.Fprintf(out, "ingested %s as document %s (%d chunks)\n", path, res.DocumentID, res.Chunks)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&text, "text", "t", "", "Record text to ingest")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "Report file to ingest (repeatable)")
	cmd.Flags().StringVar(&patientID, "patient", "", "Patient id stored in the record metadata")
	cmd.Flags().StringVar(&category, "category", "", "Report category (default: inferred from the filename)")
	cmd.Flags().StringVar(&docID, "document-id", "", "Document id for --text (default: generated)")
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "Extra metadata as key=value (repeatable)")
	cmd.Flags().BoolVar(&noChunk, "no-chunk", false, "Store --text as a single record without chunking")

	return cmd
}

// textExtractor is the slice of *ingestion.Extractor the ingest command uses.
type textExtractor interface {
	Extract(ctx context.Context, filename string, r io.Reader) (string, error)
}

// extractFile opens path and returns its extracted text.
func extractFile(ctx context.Context, ex textExtractor, path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path is an operator-supplied CLI argument
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ex.Extract(ctx, filepath.Base(path), f)
}

// parseMeta converts key=value pairs into record metadata. Values that parse
// as numbers or booleans keep that type so filters can match them.
func parseMeta(pairs []string) (rag.Metadata, error) {
	md := rag.Metadata{}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", kv)
		}
		md[k] = metaValue(strings.TrimSpace(v))
	}
	return md, nil
}

func metaValue(s string) rag.Value {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return rag.NumberValue(n)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return rag.BoolValue(b)
	}
	return rag.StringValue(s)
}
