package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/joelkehle/labextract/internal/identity"
	"github.com/joelkehle/labextract/internal/normalize"
)

type Summarizer interface {
	Summarize(ctx context.Context, tests []normalize.TestResult, patient identity.Patient) Summary
}

// FallbackSummarizer builds a summary from flags alone.
type FallbackSummarizer struct{}

func (FallbackSummarizer) Summarize(_ context.Context, tests []normalize.TestResult, _ identity.Patient) Summary {
	return fallbackSummary(tests)
}

func fallbackSummary(tests []normalize.TestResult) Summary {
	if len(tests) == 0 {
		return Summary{
			ReportType:        "Unknown",
			ReportPurpose:     "Unable to determine - no results",
			AbnormalFindings:  []string{},
			ManualReviewItems: []string{"No valid lab results extracted"},
			PriorityLevel:     PriorityAttention,
		}
	}
	cats := map[string]bool{}
	for _, t := range tests {
		if t.Category != "" {
			cats[t.Category] = true
		}
	}
	names := make([]string, 0, len(cats))
	for c := range cats {
		names = append(names, c)
	}
	sort.Strings(names)
	reportType := "Laboratory Report"
	if len(names) > 0 {
		reportType = strings.Join(names, ", ")
	}

	abnormal := []string{}
	review := []string{}
	for _, t := range tests {
		if t.Flag == normalize.FlagHigh || t.Flag == normalize.FlagLow {
			abnormal = append(abnormal, fmt.Sprintf("%s: %s (%s)", displayName(t), t.RawValue, t.Flag))
		}
		if t.NeedsReview && t.ReviewReason != "" {
			review = append(review, fmt.Sprintf("%s: %s", displayName(t), t.ReviewReason))
		}
	}
	priority := PriorityNormal
	if len(abnormal) > 3 {
		priority = PriorityAttention
	}
	return Summary{
		ReportType:        reportType,
		ReportPurpose:     "Medical laboratory analysis",
		AbnormalFindings:  abnormal,
		ManualReviewItems: review,
		PriorityLevel:     priority,
		ClinicalNotes:     "Generated from validated extraction results",
	}
}

// LLMSummarizer asks the model for a read-only summary. Findings that do not
// name a test present in the record are dropped, and any failure falls back
// to the flag-based summary.
type LLMSummarizer struct {
	caller LLMCaller
	logger *log.Logger
}

func NewLLMSummarizer(caller LLMCaller, logger *log.Logger) *LLMSummarizer {
	if logger == nil {
		logger = log.Default()
	}
	return &LLMSummarizer{caller: caller, logger: logger}
}

type summaryRow struct {
	Name  string `json:"test_name"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
	Range string `json:"reference_range,omitempty"`
	Flag  string `json:"flag,omitempty"`
}

func (s *LLMSummarizer) Summarize(ctx context.Context, tests []normalize.TestResult, patient identity.Patient) Summary {
	if len(tests) == 0 {
		return fallbackSummary(tests)
	}
	rows := make([]summaryRow, 0, len(tests))
	for _, t := range tests {
		rows = append(rows, summaryRow{Name: displayName(t), Value: t.RawValue, Unit: t.Unit, Range: t.ReferenceRange, Flag: t.Flag})
	}
	data, _ := json.MarshalIndent(rows, "", "  ")
	patientJSON, _ := json.Marshal(struct {
		Age    string `json:"age,omitempty"`
		Gender string `json:"gender,omitempty"`
	}{patient.Age, patient.Gender})

	prompt := fmt.Sprintf(`You are a clinical laboratory assistant summarizing lab results.

Rules:
1. You are in READ-ONLY mode.
2. Describe only findings that exist in the data below.
3. Never add, invent or calculate test results, and never modify values.
4. Every test you mention MUST appear in the data.

LAB RESULTS:
%s

PATIENT: %s

Return JSON:
{
  "report_type": "type of panel, e.g. Complete Blood Count",
  "report_purpose": "brief clinical purpose",
  "abnormal_findings": ["only tests flagged H or L, with significance"],
  "manual_review_items": ["items needing human verification"],
  "priority_level": "normal|attention|urgent",
  "clinical_notes": "brief interpretation"
}

Priority: "urgent" for any critical value (e.g. pH < 7.2, potassium > 6.5), "attention"
for multiple abnormal or borderline-critical values, otherwise "normal".`, data, patientJSON)

	raw, err := s.caller.GenerateJSON(ctx, prompt)
	if err != nil {
		s.logger.Printf("summary generate failed: %v", err)
		return fallbackSummary(tests)
	}
	var out Summary
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &out); err != nil {
		s.logger.Printf("summary parse failed: %v", err)
		return fallbackSummary(tests)
	}
	return s.constrain(out, tests)
}

func (s *LLMSummarizer) constrain(out Summary, tests []normalize.TestResult) Summary {
	known := map[string]bool{}
	for _, t := range tests {
		if t.Mapped() {
			known[strings.ToLower(t.CanonicalName)] = true
		}
		if t.OriginalName != "" {
			known[strings.ToLower(t.OriginalName)] = true
		}
	}
	kept := []string{}
	for _, f := range out.AbnormalFindings {
		lf := strings.ToLower(f)
		ok := false
		for name := range known {
			if strings.Contains(lf, name) {
				ok = true
				break
			}
		}
		if ok {
			kept = append(kept, f)
		} else {
			s.logger.Printf("summary dropped finding=%q reason=unknown_test", f)
		}
	}
	out.AbnormalFindings = kept
	if out.ManualReviewItems == nil {
		out.ManualReviewItems = []string{}
	}
	switch out.PriorityLevel {
	case PriorityNormal, PriorityAttention, PriorityUrgent:
	default:
		out.PriorityLevel = PriorityNormal
	}
	if out.ReportType == "" {
		out.ReportType = "Unknown"
	}
	return out
}

func displayName(t normalize.TestResult) string {
	if t.Mapped() {
		return t.CanonicalName
	}
	return t.OriginalName
}
