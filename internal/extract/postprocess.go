package extract

import (
	"strings"

	"github.com/joelkehle/labextract/internal/normalize"
)

const reasonOutlier = "physiological_outlier"

type limit struct{ low, high float64 }

// physiologicalLimits are deliberately wide. A value outside them is almost
// certainly a misread digit or a unit mix-up, so the row goes to review.
var physiologicalLimits = map[string]limit{
	"hemoglobin":           {3, 25},
	"red_blood_cells":      {1, 10},
	"white_blood_cells":    {0.5, 100},
	"platelets":            {10, 2000},
	"sodium":               {100, 180},
	"potassium":            {1.5, 10},
	"fasting_glucose":      {20, 1000},
	"random_glucose":       {20, 1000},
	"postprandial_glucose": {20, 1000},
	"creatinine":           {0.1, 30},
}

// sanitize drops rows repeated with identical values and marks implausible
// values for review. Conflicting duplicates are kept for the verifier.
func sanitize(tests []normalize.TestResult) []normalize.TestResult {
	seen := map[string]bool{}
	out := make([]normalize.TestResult, 0, len(tests))
	for _, t := range tests {
		name := t.CanonicalName
		if !t.Mapped() {
			name = t.OriginalName
		}
		key := strings.ToLower(name) + "\x00" + strings.TrimSpace(t.RawValue)
		if seen[key] {
			continue
		}
		seen[key] = true

		if lim, ok := physiologicalLimits[t.Key]; ok && t.Mapped() && t.Value != nil {
			if *t.Value < lim.low || *t.Value > lim.high {
				t.NeedsReview = true
				t.ReviewReason = appendReason(t.ReviewReason, reasonOutlier)
			}
		}
		out = append(out, t)
	}
	return out
}

func appendReason(existing, reason string) string {
	if existing == "" {
		return reason
	}
	if strings.Contains(existing, reason) {
		return existing
	}
	return existing + "; " + reason
}

// confidence starts at 0.7 for a successful extraction, rewards mapped rows,
// penalizes rows needing review, then scales by the verifier's score.
func confidence(tests []normalize.TestResult, verifyScore float64) float64 {
	if len(tests) == 0 {
		return 0
	}
	mapped, review := 0, 0
	for _, t := range tests {
		if t.Mapped() {
			mapped++
		}
		if t.NeedsReview {
			review++
		}
	}
	n := float64(len(tests))
	score := 0.7 + 0.2*float64(mapped)/n - 0.1*float64(review)/n
	score = min(1, max(0, score))
	return score * (0.5 + 0.5*verifyScore)
}
