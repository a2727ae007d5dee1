package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joelkehle/labextract/internal/normalize"
)

const maxReviewRows = 20

type reviewIssue struct {
	TestName string `json:"test_name"`
	Issue    string `json:"issue"`
	Severity string `json:"severity"`
}

// reviewRows asks the model to point out impossible values or rows that look
// like headings. It only ever sets NeedsReview; values are never changed.
func reviewRows(ctx context.Context, caller LLMCaller, tests []normalize.TestResult) ([]normalize.TestResult, error) {
	if len(tests) == 0 {
		return tests, nil
	}
	n := min(len(tests), maxReviewRows)
	rows := make([]summaryRow, 0, n)
	for _, t := range tests[:n] {
		rows = append(rows, summaryRow{Name: displayName(t), Value: t.RawValue, Unit: t.Unit, Flag: t.Flag})
	}
	data, _ := json.MarshalIndent(rows, "", "  ")
	prompt := fmt.Sprintf(`Review these extracted lab test results for obvious errors or suspicious values:

%s

Check for:
1. Values that seem impossible (e.g. Hemoglobin = 500)
2. Test names that look like comments or headings rather than tests
3. Mismatched units and values

Respond with JSON: {"issues": [{"test_name": "...", "issue": "...", "severity": "low|medium|high"}]}
If nothing is wrong respond {"issues": []}.`, data)

	raw, err := caller.GenerateJSON(ctx, prompt)
	if err != nil {
		return tests, err
	}
	var parsed struct {
		Issues []reviewIssue `json:"issues"`
	}
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &parsed); err != nil {
		return tests, fmt.Errorf("review response json parse: %w", err)
	}
	byName := map[string]reviewIssue{}
	for _, is := range parsed.Issues {
		byName[strings.ToLower(strings.TrimSpace(is.TestName))] = is
	}
	out := make([]normalize.TestResult, len(tests))
	copy(out, tests)
	for i := range out {
		is, ok := byName[strings.ToLower(displayName(out[i]))]
		if !ok {
			continue
		}
		reason := strings.TrimSpace(is.Issue)
		if reason == "" {
			reason = "Flagged by review"
		}
		out[i].NeedsReview = true
		out[i].ReviewReason = appendReason(out[i].ReviewReason, reason)
	}
	return out, nil
}
