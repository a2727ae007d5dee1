package extract

import (
	"time"

	"github.com/joelkehle/labextract/internal/identity"
	"github.com/joelkehle/labextract/internal/normalize"
	"github.com/joelkehle/labextract/internal/panel"
	"github.com/joelkehle/labextract/internal/quality"
	"github.com/joelkehle/labextract/internal/verify"
)

const (
	PriorityNormal    = "normal"
	PriorityAttention = "attention"
	PriorityUrgent    = "urgent"
)

// ImageInput is what the vision capability receives.
type ImageInput struct {
	Data      []byte
	MediaType string
	Path      string
}

type Section struct {
	Heading string             `json:"heading"`
	Tests   []normalize.RawRow `json:"tests"`
}

// RawExtraction is the vision model's answer before any normalization.
// LabResults carries the older flat format; Sections is preferred.
type RawExtraction struct {
	PatientInfo map[string]any     `json:"patient_info"`
	Sections    []Section          `json:"sections"`
	LabResults  []normalize.RawRow `json:"lab_results,omitempty"`
	Comments    []string           `json:"comments,omitempty"`
}

type Classification struct {
	IsLabReport  bool    `json:"is_medical_lab_report"`
	DocumentType string  `json:"document_type"`
	Confidence   float64 `json:"confidence"`
}

type Summary struct {
	ReportType        string   `json:"report_type"`
	ReportPurpose     string   `json:"report_purpose"`
	AbnormalFindings  []string `json:"abnormal_findings"`
	ManualReviewItems []string `json:"manual_review_items"`
	PriorityLevel     string   `json:"priority_level"`
	ClinicalNotes     string   `json:"clinical_notes"`
}

type Metadata struct {
	Confidence     float64            `json:"confidence_score"`
	QualityScore   float64            `json:"quality_score"`
	ImageQuality   quality.Assessment `json:"image_quality"`
	MappingStats   normalize.Stats    `json:"mapping_stats"`
	Issues         []string           `json:"issues"`
	Cached         bool               `json:"cached"`
	DocumentType   string             `json:"document_type,omitempty"`
	Model          string             `json:"model,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    time.Time          `json:"completed_at"`
	StageDurations map[string]string  `json:"stage_durations,omitempty"`
}

// NormalizedRecord is the finished output for one document.
type NormalizedRecord struct {
	DocumentID   string                 `json:"document_id"`
	SourcePath   string                 `json:"source_path"`
	ContentHash  string                 `json:"content_hash"`
	Patient      identity.Patient       `json:"patient_info"`
	Tests        []normalize.TestResult `json:"lab_results"`
	Unresolved   []string               `json:"unknown_tests"`
	Panels       panel.Report           `json:"panel_validation"`
	Verification verify.Report          `json:"quality_report"`
	Summary      Summary                `json:"summary"`
	Metadata     Metadata               `json:"metadata"`
}

// NeedsReview reports whether any row or panel rule asks for a human.
func (r NormalizedRecord) NeedsReview() bool {
	if r.Panels.NeedsReview || !r.Verification.Passed {
		return true
	}
	for _, t := range r.Tests {
		if t.NeedsReview {
			return true
		}
	}
	return false
}
