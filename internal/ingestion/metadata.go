package ingestion

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/54b3r/medrag-go/internal/rag"
)

// Report metadata keys set on uploaded files.
const (
	KeyFileCategory = "file_category"
	KeyFilename     = "filename"
)

// Report categories.
const (
	CategoryLab          = "lab"
	CategoryImaging      = "imaging"
	CategoryPrescription = "prescription"
	CategoryDischarge    = "discharge"
	CategoryConsultation = "consultation"
	CategoryGeneral      = "general"
)

// allowedExtensions lists the upload types accepted. Only PDFs carry
// extractable text; images are accepted but yield no text.
var allowedExtensions = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".gif":  true,
	".tiff": true,
}

// AllowedFile reports whether filename has an accepted extension.
// Matching is case-insensitive.
func AllowedFile(filename string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// categoryKeywords maps filename fragments to a report category. Order
// matters: the first matching rule wins.
var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{CategoryLab, []string{"lab", "blood", "cbc", "panel", "lipid", "urinalysis", "pathology"}},
	{CategoryImaging, []string{"xray", "x-ray", "mri", "ct", "scan", "ultrasound", "imaging", "radiology"}},
	{CategoryPrescription, []string{"rx", "prescription", "medication"}},
	{CategoryDischarge, []string{"discharge", "summary"}},
	{CategoryConsultation, []string{"consult", "referral", "visit", "notes"}},
}

// InferCategory returns a best-effort report category from the filename.
// It is the fallback when the uploader does not supply file_category; if
// no rule matches it returns CategoryGeneral.
func InferCategory(filename string) string {
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))
	tokens := strings.FieldsFunc(base, func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	})
	for _, rule := range categoryKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(kw, "-") {
				if strings.Contains(base, kw) {
					return rule.category
				}
				continue
			}
			for _, tok := range tokens {
				if tok == kw || (len(kw) > 3 && strings.HasPrefix(tok, kw)) {
					return rule.category
				}
			}
		}
	}
	return CategoryGeneral
}

// ReportMetadata builds the record metadata for an uploaded report. An empty
// category is inferred from the filename.
func ReportMetadata(patientID, filename, category string, uploaded time.Time) rag.Metadata {
	if category == "" {
		category = InferCategory(filename)
	}
	return rag.Metadata{
		rag.KeyPatientID:  rag.StringValue(patientID),
		rag.KeySource:     rag.StringValue(filename),
		rag.KeyUploadDate: rag.StringValue(uploaded.UTC().Format(time.RFC3339)),
		KeyFileCategory:   rag.StringValue(category),
		KeyFilename:       rag.StringValue(filename),
	}
}
