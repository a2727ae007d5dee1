// Package report renders a NormalizedRecord as Markdown, HTML or PDF.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joelkehle/labextract/internal/extract"
	"github.com/joelkehle/labextract/internal/normalize"
	"github.com/joelkehle/labextract/internal/panel"
	"github.com/joelkehle/labextract/internal/verify"
)

const Disclaimer = "_Machine-extracted from a report image. Values are transcribed, never inferred; verify flagged rows against the source document._"

// Markdown lays the record out for a clinician: summary first, then every
// result grouped by the section it was printed under.
func Markdown(rec extract.NormalizedRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Lab Report: %s\n\n", sanitize(rec.DocumentID))
	writePatient(&b, rec)
	fmt.Fprintf(&b, "%s\n\n", Disclaimer)

	if rec.NeedsReview() {
		fmt.Fprintf(&b, "> NEEDS REVIEW: one or more rows or panels need a human check before use.\n\n")
	}

	s := rec.Summary
	fmt.Fprintf(&b, "## Summary\n\n")
	fmt.Fprintf(&b, "- Report type: %s\n", orDash(s.ReportType))
	fmt.Fprintf(&b, "- Priority: **%s**\n", orDash(s.PriorityLevel))
	fmt.Fprintf(&b, "- Confidence: %.0f%%\n", rec.Metadata.Confidence*100)
	if s.ClinicalNotes != "" {
		fmt.Fprintf(&b, "- Notes: %s\n", sanitize(s.ClinicalNotes))
	}
	b.WriteString("\n")
	if len(s.AbnormalFindings) > 0 {
		fmt.Fprintf(&b, "### Abnormal findings\n\n")
		for _, f := range s.AbnormalFindings {
			fmt.Fprintf(&b, "- %s\n", sanitize(f))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Results\n\n")
	if len(rec.Tests) == 0 {
		fmt.Fprintf(&b, "No results extracted.\n\n")
	}
	for _, g := range groupBySection(rec.Tests) {
		fmt.Fprintf(&b, "### %s\n\n", sanitize(g.heading))
		fmt.Fprintf(&b, "| Test | Result | Unit | Reference | Flag | LOINC |\n")
		fmt.Fprintf(&b, "|---|---|---|---|---|---|\n")
		for _, t := range g.tests {
			name := t.CanonicalName
			if !t.Mapped() {
				name = t.OriginalName + " (unmapped)"
			} else if !strings.EqualFold(t.CanonicalName, t.OriginalName) {
				name = fmt.Sprintf("%s (%s)", t.CanonicalName, t.OriginalName)
			}
			if t.NeedsReview {
				name += " ⚠"
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n",
				sanitizeCell(name), sanitizeCell(t.RawValue), sanitizeCell(t.Unit),
				sanitizeCell(t.ReferenceRange), flagLabel(t.Flag), sanitizeCell(t.LOINCCode))
		}
		b.WriteString("\n")
	}

	writeReview(&b, rec)
	writeQuality(&b, rec)
	return b.String()
}

func writePatient(b *strings.Builder, rec extract.NormalizedRecord) {
	p := rec.Patient
	fmt.Fprintf(b, "- Patient: %s\n", orDash(p.Name))
	id := orDash(p.PatientID)
	switch {
	case p.AutoGeneratedID:
		id += " (auto-assigned)"
	case p.MatchedFromMemory:
		id += " (matched to an earlier upload)"
	}
	fmt.Fprintf(b, "- Patient ID: %s\n", id)
	if p.Age != "" || p.Gender != "" {
		fmt.Fprintf(b, "- Age / Gender: %s / %s\n", orDash(p.Age), orDash(p.Gender))
	}
	if p.CollectionDate != "" {
		fmt.Fprintf(b, "- Collected: %s\n", sanitize(p.CollectionDate))
	}
	if p.LabName != "" {
		fmt.Fprintf(b, "- Lab: %s\n", sanitize(p.LabName))
	}
	if !rec.Metadata.CompletedAt.IsZero() {
		fmt.Fprintf(b, "- Digitized: %s\n", rec.Metadata.CompletedAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")
}

func writeReview(b *strings.Builder, rec extract.NormalizedRecord) {
	var items []string
	for _, f := range rec.Panels.Findings {
		if f.Complete || f.Severity == panel.SeverityInfo {
			continue
		}
		msg := f.Message
		if msg == "" {
			msg = fmt.Sprintf("%s: missing %s", f.Panel, strings.Join(f.Missing, ", "))
		}
		items = append(items, msg)
	}
	for _, c := range rec.Verification.Checks {
		if !c.Passed && c.Severity != verify.SeverityInfo {
			items = append(items, c.Message)
		}
	}
	items = append(items, rec.Summary.ManualReviewItems...)
	if len(rec.Unresolved) > 0 {
		items = append(items, "Unmapped tests: "+strings.Join(rec.Unresolved, ", "))
	}
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## Review\n\n")
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", sanitize(it))
	}
	b.WriteString("\n")
}

func writeQuality(b *strings.Builder, rec extract.NormalizedRecord) {
	q := rec.Metadata.ImageQuality
	fmt.Fprintf(b, "## Image Quality\n\n")
	fmt.Fprintf(b, "- Score: %.2f (%s)\n", q.Score, orDash(q.Recommendation))
	if len(q.Metrics) > 0 {
		parts := make([]string, 0, len(q.Metrics))
		for _, k := range sortedKeys(q.Metrics) {
			parts = append(parts, fmt.Sprintf("%s=%.3g", k, q.Metrics[k]))
		}
		fmt.Fprintf(b, "- Metrics: %s\n", strings.Join(parts, ", "))
	}
	if len(q.Preprocessing) > 0 {
		fmt.Fprintf(b, "- Suggested preprocessing: %s\n", strings.Join(q.Preprocessing, ", "))
	}
	if rec.Metadata.Cached {
		fmt.Fprintf(b, "- Served from cache (content hash %s)\n", shortHash(rec.ContentHash))
	}
	b.WriteString("\n")
}

type section struct {
	heading string
	tests   []normalize.TestResult
}

// groupBySection keeps the order in which sections first appear.
func groupBySection(tests []normalize.TestResult) []section {
	var out []section
	idx := map[string]int{}
	for _, t := range tests {
		h := strings.TrimSpace(t.SectionHeading)
		if h == "" {
			h = t.Category
		}
		if h == "" {
			h = "Other"
		}
		i, ok := idx[h]
		if !ok {
			i = len(out)
			idx[h] = i
			out = append(out, section{heading: h})
		}
		out[i].tests = append(out[i].tests, t)
	}
	return out
}

func flagLabel(f string) string {
	switch f {
	case normalize.FlagHigh:
		return "**H**"
	case normalize.FlagLow:
		return "**L**"
	case normalize.FlagNormal:
		return "N"
	}
	return ""
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return sanitize(s)
}

func sanitize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}

func sanitizeCell(s string) string {
	s = sanitize(s)
	return strings.ReplaceAll(s, "|", "\\|")
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
