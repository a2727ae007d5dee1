// Package panel checks that tests which normally travel together were all
// extracted. It reports gaps and never fills them in.
package panel

import (
	"fmt"
	"strings"

	"github.com/joelkehle/labextract/internal/normalize"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Pair says that when Trigger is present, Expected should be too.
type Pair struct {
	Trigger  string
	Expected string
}

// Rule applies when any trigger is present. Rules with Pairs check each pair
// independently; otherwise every Expected name must be present.
type Rule struct {
	ID       string
	Name     string
	Triggers []string
	Expected []string
	Optional []string
	Pairs    []Pair
	Severity Severity
	Message  string
}

type Finding struct {
	Rule     string   `json:"rule"`
	Panel    string   `json:"panel"`
	Complete bool     `json:"is_complete"`
	Missing  []string `json:"missing"`
	Found    []string `json:"found"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
}

type Report struct {
	Findings      []Finding `json:"findings"`
	NeedsReview   bool      `json:"needs_review"`
	ReviewReasons []string  `json:"review_reasons"`
	Completeness  float64   `json:"completeness_score"`
}

// Incomplete returns the findings with missing tests.
func (r Report) Incomplete() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if !f.Complete {
			out = append(out, f)
		}
	}
	return out
}

func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "cbc_differential",
			Name:     "CBC Differential",
			Triggers: []string{"Neutrophils", "Lymphocytes", "Monocytes", "Eosinophils", "Basophils"},
			Pairs: []Pair{
				{"Neutrophils", "Absolute Neutrophil Count"},
				{"Lymphocytes", "Absolute Lymphocyte Count"},
				{"Monocytes", "Absolute Monocyte Count"},
				{"Eosinophils", "Absolute Eosinophil Count"},
				{"Basophils", "Absolute Basophil Count"},
			},
			Severity: SeverityWarning,
			Message:  "CBC shows differential % but missing absolute counts",
		},
		{
			ID:       "coagulation",
			Name:     "Coagulation Panel",
			Triggers: []string{"INR"},
			Expected: []string{"Prothrombin Time"},
			Optional: []string{"APTT"},
			Severity: SeverityWarning,
			Message:  "INR found but Prothrombin Time missing",
		},
		{
			ID:       "coagulation_aptt",
			Name:     "Coagulation APTT",
			Triggers: []string{"APTT"},
			Expected: []string{"Prothrombin Time", "INR"},
			Severity: SeverityInfo,
			Message:  "APTT found - Prothrombin Time/INR may also be present",
		},
		{
			ID:       "liver_panel",
			Name:     "Liver Function",
			Triggers: []string{"ALT"},
			Expected: []string{"AST"},
			Severity: SeverityInfo,
			Message:  "ALT found - AST usually accompanies it",
		},
		{
			ID:       "kidney_panel",
			Name:     "Kidney Function",
			Triggers: []string{"Creatinine"},
			Expected: []string{"Blood Urea Nitrogen|Urea"},
			Optional: []string{"eGFR"},
			Severity: SeverityInfo,
			Message:  "Creatinine found - BUN may also be present",
		},
		{
			ID:       "rbc_indices",
			Name:     "RBC Indices",
			Triggers: []string{"Mean Corpuscular Volume"},
			Expected: []string{"Mean Corpuscular Hemoglobin", "Mean Corpuscular Hemoglobin Concentration"},
			Severity: SeverityInfo,
			Message:  "MCV found - MCH/MCHC usually accompany it",
		},
	}
}

type Validator struct {
	rules []Rule
}

// NewValidator uses DefaultRules when rules is empty. Expected names may list
// alternatives separated by "|"; any one satisfies the expectation.
func NewValidator(rules []Rule) *Validator {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Validator{rules: rules}
}

func (v *Validator) Validate(tests []normalize.TestResult) Report {
	present := map[string]bool{}
	for _, t := range tests {
		if t.Mapped() {
			present[strings.ToLower(t.CanonicalName)] = true
		}
	}

	report := Report{Findings: []Finding{}, ReviewReasons: []string{}}
	var found, expected int
	for _, rule := range v.rules {
		f, ok := check(rule, present)
		if !ok {
			continue
		}
		report.Findings = append(report.Findings, f)
		found += len(f.Found)
		expected += len(f.Found) + len(f.Missing)
		if f.Complete {
			continue
		}
		report.ReviewReasons = append(report.ReviewReasons,
			fmt.Sprintf("%s: missing %s", f.Panel, strings.Join(f.Missing, ", ")))
		if f.Severity == SeverityWarning || f.Severity == SeverityCritical {
			report.NeedsReview = true
		}
	}
	report.Completeness = 1.0
	if expected > 0 {
		report.Completeness = float64(found) / float64(expected)
	}
	return report
}

func check(rule Rule, present map[string]bool) (Finding, bool) {
	triggered := false
	for _, t := range rule.Triggers {
		if has(present, t) {
			triggered = true
			break
		}
	}
	if !triggered {
		return Finding{}, false
	}

	f := Finding{Rule: rule.ID, Panel: rule.Name, Severity: rule.Severity, Missing: []string{}, Found: []string{}}
	if len(rule.Pairs) > 0 {
		for _, p := range rule.Pairs {
			if !has(present, p.Trigger) {
				continue
			}
			f.Found = append(f.Found, p.Trigger)
			if has(present, p.Expected) {
				f.Found = append(f.Found, p.Expected)
			} else {
				f.Missing = append(f.Missing, p.Expected)
			}
		}
	} else {
		for _, e := range rule.Expected {
			if has(present, e) {
				f.Found = append(f.Found, displayName(e))
			} else {
				f.Missing = append(f.Missing, displayName(e))
			}
		}
		for _, o := range rule.Optional {
			if has(present, o) {
				f.Found = append(f.Found, displayName(o))
			}
		}
	}
	f.Complete = len(f.Missing) == 0
	if !f.Complete {
		f.Message = rule.Message
	}
	return f, true
}

func has(present map[string]bool, name string) bool {
	for _, alt := range strings.Split(name, "|") {
		if present[strings.ToLower(strings.TrimSpace(alt))] {
			return true
		}
	}
	return false
}

func displayName(name string) string {
	alts := strings.Split(name, "|")
	return strings.Join(alts, " or ")
}
