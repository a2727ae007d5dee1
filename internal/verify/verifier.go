// Package verify runs consistency checks over a normalized extraction and
// scores it by the fraction of checks passed.
package verify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joelkehle/labextract/internal/normalize"
)

const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

const maxDetails = 5

type Check struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Severity string   `json:"severity"`
	Message  string   `json:"message"`
	Details  []string `json:"details,omitempty"`
}

type Report struct {
	Passed       bool     `json:"passed"`
	TotalChecks  int      `json:"total_checks"`
	PassedChecks int      `json:"passed_checks"`
	FailedChecks int      `json:"failed_checks"`
	Warnings     []string `json:"warnings"`
	Errors       []string `json:"errors"`
	Checks       []Check  `json:"checks"`
	Score        float64  `json:"quality_score"`
}

type checkFunc func(tests []normalize.TestResult, names map[string]bool) Check

var checks = []checkFunc{
	checkAbsoluteCounts,
	checkCBCIndices,
	checkCoagulation,
	checkSmear,
	checkFlags,
	checkUnits,
	checkQualitative,
	checkDuplicates,
}

func Verify(tests []normalize.TestResult) Report {
	names := map[string]bool{}
	for _, t := range tests {
		if t.Mapped() {
			names[t.CanonicalName] = true
		}
	}
	r := Report{Warnings: []string{}, Errors: []string{}}
	for _, fn := range checks {
		c := fn(tests, names)
		r.Checks = append(r.Checks, c)
		if c.Passed {
			r.PassedChecks++
			continue
		}
		switch c.Severity {
		case SeverityError:
			r.Errors = append(r.Errors, c.Message)
		case SeverityWarning:
			r.Warnings = append(r.Warnings, c.Message)
		}
	}
	r.TotalChecks = len(r.Checks)
	r.FailedChecks = r.TotalChecks - r.PassedChecks
	r.Passed = len(r.Errors) == 0
	if r.TotalChecks > 0 {
		r.Score = float64(r.PassedChecks) / float64(r.TotalChecks)
	}
	return r
}

var differentialPairs = [][2]string{
	{"Neutrophils", "Absolute Neutrophil Count"},
	{"Lymphocytes", "Absolute Lymphocyte Count"},
	{"Monocytes", "Absolute Monocyte Count"},
	{"Eosinophils", "Absolute Eosinophil Count"},
	{"Basophils", "Absolute Basophil Count"},
}

func checkAbsoluteCounts(_ []normalize.TestResult, names map[string]bool) Check {
	c := Check{Name: "CBC Absolute Counts", Passed: true, Severity: SeverityInfo}
	var missing, found []string
	for _, p := range differentialPairs {
		if !names[p[0]] {
			continue
		}
		if names[p[1]] {
			found = append(found, p[0])
		} else {
			missing = append(missing, p[0])
		}
	}
	switch {
	case len(missing) > 0:
		c.Passed = false
		c.Severity = SeverityWarning
		c.Message = "Missing absolute counts for: " + strings.Join(missing, ", ")
		c.Details = []string{fmt.Sprintf("Found %d absolute counts, missing %d", len(found), len(missing))}
	case len(found) > 0:
		c.Message = fmt.Sprintf("All %d absolute counts present", len(found))
	default:
		c.Message = "No CBC differential found - check not applicable"
	}
	return c
}

func checkCBCIndices(_ []normalize.TestResult, names map[string]bool) Check {
	c := Check{Name: "CBC Indices (RDW/MPV/IPF)", Passed: true, Severity: SeverityInfo}
	hasCBC := false
	for _, n := range []string{"Hemoglobin", "Red Blood Cell Count", "White Blood Cell Count", "Platelet Count"} {
		if names[n] {
			hasCBC = true
			break
		}
	}
	if !hasCBC {
		c.Message = "No CBC found - check not applicable"
		return c
	}
	var found []string
	for _, idx := range []struct{ name, abbr string }{
		{"Red Cell Distribution Width", "RDW"},
		{"Mean Platelet Volume", "MPV"},
		{"Immature Platelet Fraction", "IPF"},
	} {
		if names[idx.name] {
			found = append(found, idx.abbr)
		}
	}
	if len(found) == 0 {
		c.Message = "No RDW/MPV/IPF found (may not be in source document)"
		return c
	}
	c.Message = "Found CBC indices: " + strings.Join(found, ", ")
	return c
}

func checkCoagulation(_ []normalize.TestResult, names map[string]bool) Check {
	c := Check{Name: "Coagulation Panel Completeness", Passed: true, Severity: SeverityInfo}
	var found []string
	for _, n := range []string{"Prothrombin Time", "INR", "APTT"} {
		if names[n] {
			found = append(found, n)
		}
	}
	if len(found) == 0 {
		c.Message = "No coagulation tests found - check not applicable"
		return c
	}
	if names["INR"] && !names["Prothrombin Time"] {
		c.Passed = false
		c.Severity = SeverityWarning
		c.Message = "Incomplete coagulation panel - missing: Prothrombin Time"
		c.Details = []string{"Found: " + strings.Join(found, ", ")}
		return c
	}
	c.Message = "Coagulation panel: " + strings.Join(found, ", ")
	return c
}

func checkSmear(tests []normalize.TestResult, names map[string]bool) Check {
	c := Check{Name: "Peripheral Smear Findings", Passed: true, Severity: SeverityInfo}
	var found []string
	for _, n := range []string{"RBC Morphology", "WBC Morphology", "Platelet Morphology", "Hemoparasites"} {
		if names[n] {
			found = append(found, n)
		}
	}
	qualitative := 0
	for _, t := range tests {
		if t.ValueType == normalize.ValueText {
			qualitative++
		}
	}
	switch {
	case len(found) > 0:
		c.Message = "Found peripheral smear data: " + strings.Join(found, ", ")
	case qualitative > 0:
		c.Message = fmt.Sprintf("Found %d qualitative findings (may include smear data)", qualitative)
	default:
		c.Message = "No peripheral smear data found (may not be in source document)"
	}
	return c
}

// checkFlags compares stated flags with what the parsed range implies. Rows
// without a numeric value or a two-sided range are skipped.
func checkFlags(tests []normalize.TestResult, _ map[string]bool) Check {
	c := Check{Name: "Flag Consistency", Passed: true, Severity: SeverityInfo}
	var bad []string
	for _, t := range tests {
		if t.Value == nil || t.RefLow == nil || t.RefHigh == nil || t.Flag == "" {
			continue
		}
		want := normalize.RangeFlag(t.Value, t.RefLow, t.RefHigh)
		if want == normalize.FlagNormal || want == t.Flag {
			continue
		}
		bad = append(bad, fmt.Sprintf("%s: value=%s, range=%s, flag=%s, expected=%s",
			displayName(t), t.RawValue, t.ReferenceRange, t.Flag, want))
	}
	if len(bad) > 0 {
		c.Passed = false
		c.Severity = SeverityWarning
		c.Message = fmt.Sprintf("Found %d flag inconsistencies", len(bad))
		c.Details = truncate(bad)
		return c
	}
	c.Message = "All flags consistent with reference ranges"
	return c
}

func checkUnits(tests []normalize.TestResult, _ map[string]bool) Check {
	c := Check{Name: "Unit Consistency", Passed: true, Severity: SeverityInfo}
	var bad []string
	for _, t := range tests {
		u := strings.ToLower(strings.TrimSpace(t.Unit))
		switch u {
		case "", "-", "n/a", "na":
			continue
		}
		if len([]rune(u)) > 20 {
			bad = append(bad, fmt.Sprintf("%s: unusually long unit '%s...'", displayName(t), string([]rune(t.Unit)[:20])))
		}
		if looksNumeric(u) {
			bad = append(bad, fmt.Sprintf("%s: unit looks like a number '%s'", displayName(t), t.Unit))
		}
	}
	if len(bad) > 0 {
		c.Passed = false
		c.Severity = SeverityWarning
		c.Message = fmt.Sprintf("Found %d unit issues", len(bad))
		c.Details = truncate(bad)
		return c
	}
	c.Message = "Units appear consistent"
	return c
}

var qualitativeWords = []string{
	"morphology", "smear", "appearance", "comment", "finding",
	"impression", "conclusion", "interpretation",
}

// checkQualitative flags descriptive rows that were typed as numbers.
func checkQualitative(tests []normalize.TestResult, _ map[string]bool) Check {
	c := Check{Name: "Qualitative Data Typing", Passed: true, Severity: SeverityInfo}
	var qualitative, mistyped []string
	for _, t := range tests {
		name := strings.ToLower(displayName(t))
		isQual := false
		for _, w := range qualitativeWords {
			if strings.Contains(name, w) {
				isQual = true
				break
			}
		}
		if !isQual && t.Value == nil && len([]rune(t.RawValue)) > 10 && !looksNumeric(t.RawValue) {
			isQual = true
		}
		if !isQual {
			continue
		}
		qualitative = append(qualitative, displayName(t))
		if t.ValueType == normalize.ValueNumeric {
			mistyped = append(mistyped, displayName(t))
		}
	}
	switch {
	case len(mistyped) > 0:
		c.Passed = false
		c.Message = fmt.Sprintf("%d qualitative tests not typed as 'text'", len(mistyped))
		c.Details = truncate(mistyped)
	case len(qualitative) > 0:
		c.Message = fmt.Sprintf("Found %d qualitative tests, properly typed", len(qualitative))
	default:
		c.Message = "No qualitative data found"
	}
	return c
}

// checkDuplicates fails only when one canonical test carries two different
// values. Repeated identical rows are reported but pass.
func checkDuplicates(tests []normalize.TestResult, _ map[string]bool) Check {
	c := Check{Name: "Duplicate Detection", Passed: true, Severity: SeverityInfo}
	seen := map[string]string{}
	var conflicts, repeats []string
	for _, t := range tests {
		if !t.Mapped() {
			continue
		}
		prev, ok := seen[t.CanonicalName]
		if !ok {
			seen[t.CanonicalName] = t.RawValue
			continue
		}
		if prev != t.RawValue {
			conflicts = append(conflicts, fmt.Sprintf("%s: '%s' vs '%s'", t.CanonicalName, prev, t.RawValue))
		} else {
			repeats = append(repeats, fmt.Sprintf("%s: duplicate entry with same value", t.CanonicalName))
		}
	}
	switch {
	case len(conflicts) > 0:
		c.Passed = false
		c.Severity = SeverityError
		c.Message = fmt.Sprintf("Found %d conflicting duplicates", len(conflicts))
		c.Details = truncate(append(conflicts, repeats...))
	case len(repeats) > 0:
		c.Message = fmt.Sprintf("Found %d repeated entries with identical values", len(repeats))
		c.Details = truncate(repeats)
	default:
		c.Message = "No duplicates detected"
	}
	return c
}

func displayName(t normalize.TestResult) string {
	if t.Mapped() {
		return t.CanonicalName
	}
	return t.OriginalName
}

func looksNumeric(s string) bool {
	s = strings.ReplaceAll(strings.ReplaceAll(s, ",", ""), " ", "")
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func truncate(s []string) []string {
	if len(s) > maxDetails {
		return s[:maxDetails]
	}
	return s
}
