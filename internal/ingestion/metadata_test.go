package ingestion

import (
	"testing"
	"time"

	"github.com/54b3r/medrag-go/internal/rag"
)

func TestInferCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		filename string
		want     string
	}{
		// ── Lab ──────────────────────────────────────────────────────────
		{name: "lab prefix", filename: "lab_results_2024.pdf", want: CategoryLab},
		{name: "bloodwork", filename: "Bloodwork-March.pdf", want: CategoryLab},
		{name: "lipid panel", filename: "lipid panel.pdf", want: CategoryLab},
		// ── Imaging ──────────────────────────────────────────────────────
		{name: "mri", filename: "MRI_brain.png", want: CategoryImaging},
		{name: "x-ray with hyphen", filename: "chest-x-ray.jpg", want: CategoryImaging},
		{name: "ct token", filename: "ct_abdomen.tiff", want: CategoryImaging},
		// ── Prescription ─────────────────────────────────────────────────
		{name: "rx", filename: "rx_2024_01.pdf", want: CategoryPrescription},
		{name: "medication list", filename: "medication-list.pdf", want: CategoryPrescription},
		// ── Discharge ────────────────────────────────────────────────────
		{name: "discharge summary", filename: "discharge_summary.pdf", want: CategoryDischarge},
		// ── Consultation ─────────────────────────────────────────────────
		{name: "consult notes", filename: "cardiology_consultation.pdf", want: CategoryConsultation},
		{name: "referral", filename: "referral.pdf", want: CategoryConsultation},
		// ── Fallback ─────────────────────────────────────────────────────
		{name: "scan prefix", filename: "scan0001x.pdf", want: CategoryImaging},
		{name: "unknown", filename: "report.pdf", want: CategoryGeneral},
		{name: "substring is not a token", filename: "contract.pdf", want: CategoryGeneral},
		{name: "empty", filename: "", want: CategoryGeneral},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := InferCategory(tc.filename); got != tc.want {
				t.Errorf("InferCategory(%q) = %q, want %q", tc.filename, got, tc.want)
			}
		})
	}
}

func TestAllowedFile(t *testing.T) {
	t.Parallel()

	allowed := []string{"a.pdf", "B.PDF", "scan.jpeg", "x.tiff", "img.gif", "photo.JPG"}
	for _, f := range allowed {
		if !AllowedFile(f) {
			t.Errorf("AllowedFile(%q) = false, want true", f)
		}
	}
	rejected := []string{"notes.txt", "archive.zip", "pdf", "", "report.pdf.exe"}
	for _, f := range rejected {
		if AllowedFile(f) {
			t.Errorf("AllowedFile(%q) = true, want false", f)
		}
	}
}

func TestReportMetadata(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	md := ReportMetadata("P1", "lab_results.pdf", "", at)

	want := map[string]string{
		rag.KeyPatientID:  "P1",
		rag.KeySource:     "lab_results.pdf",
		rag.KeyUploadDate: "2026-03-01T11:00:00Z",
		KeyFileCategory:   CategoryLab,
		KeyFilename:       "lab_results.pdf",
	}
	for k, v := range want {
		if got := md.Str(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	explicit := ReportMetadata("P1", "lab_results.pdf", "imaging", at)
	if got := explicit.Str(KeyFileCategory); got != "imaging" {
		t.Errorf("explicit category overridden: %q", got)
	}
}
