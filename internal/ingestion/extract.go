package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	"github.com/cloudwego/eino/components/document/parser"
)

// ErrUnsupportedFile is returned for extensions outside the allow-list.
var ErrUnsupportedFile = errors.New("ingestion: unsupported file type")

// Extractor turns uploaded files into plain text. An empty string means the
// file has no extractable text.
type Extractor struct {
	pdf parser.Parser
}

// NewExtractor constructs an Extractor with a page-aware PDF parser.
func NewExtractor(ctx context.Context) (*Extractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: true})
	if err != nil {
		return nil, fmt.Errorf("ingestion: create pdf parser: %w", err)
	}
	return &Extractor{pdf: p}, nil
}

// Extract returns the text of the file named filename read from r. PDF pages
// are joined by blank lines. Images are accepted but yield "" since no OCR
// is performed.
func (e *Extractor) Extract(ctx context.Context, filename string, r io.Reader) (string, error) {
	if !AllowedFile(filename) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFile, filepath.Ext(filename))
	}
	if strings.ToLower(filepath.Ext(filename)) != ".pdf" {
		return "", nil
	}

	docs, err := e.pdf.Parse(ctx, r)
	if err != nil {
		return "", fmt.Errorf("ingestion: parse pdf %s: %w", filepath.Base(filename), err)
	}
	pages := make([]string, 0, len(docs))
	for _, d := range docs {
		if t := strings.TrimSpace(d.Content); t != "" {
			pages = append(pages, t)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}
