package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/joelkehle/labextract/internal/vocab"
)

type fakeMatcher struct {
	answer     string
	err        error
	calls      int
	candidates []string
}

func (f *fakeMatcher) MatchPanel(_ context.Context, _ string, _ string, candidates []string) (string, error) {
	f.calls++
	f.candidates = candidates
	return f.answer, f.err
}

func newTestNormalizer(opts ...Option) *Normalizer {
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	return New(vocab.Default(), opts...)
}

func findTest(t *testing.T, out Output, original string) TestResult {
	t.Helper()
	for _, r := range out.Tests {
		if r.OriginalName == original {
			return r
		}
	}
	t.Fatalf("no result for %q in %+v", original, out.Tests)
	return TestResult{}
}

func TestHbMapsToHemoglobinViaAlias(t *testing.T) {
	n := newTestNormalizer()
	out := n.Normalize(context.Background(), []RawRow{{Name: "Hb", Value: "14.5", Unit: "g/dL"}})
	r := findTest(t, out, "Hb")
	if r.CanonicalName != "Hemoglobin" {
		t.Fatalf("canonical=%q want Hemoglobin", r.CanonicalName)
	}
	if r.Method != MethodExact || r.MappingConfidence != 1.0 {
		t.Fatalf("method=%s confidence=%v want exact/1.0", r.Method, r.MappingConfidence)
	}
	if r.Value == nil || *r.Value != 14.5 {
		t.Fatalf("value=%v want 14.5", r.Value)
	}
	if r.LOINCCode != "718-7" || r.Unit != "g/dL" {
		t.Fatalf("unexpected loinc/unit: %s %s", r.LOINCCode, r.Unit)
	}
	if r.NeedsReview {
		t.Fatalf("exact match without range should not need review: %s", r.ReviewReason)
	}
}

func TestExactAliasesAlwaysMaximumConfidence(t *testing.T) {
	n := newTestNormalizer()
	v := vocab.Default()
	var rows []RawRow
	for _, key := range v.Keys() {
		def, _ := v.Get(key)
		for _, a := range def.Aliases {
			rows = append(rows, RawRow{Name: a, Value: "1"})
		}
	}
	out := n.Normalize(context.Background(), rows)
	if len(out.Tests) != len(rows) {
		t.Fatalf("got %d results for %d alias rows (skipped=%d)", len(out.Tests), len(rows), out.Stats.Skipped)
	}
	for _, r := range out.Tests {
		if r.Method != MethodExact || r.MappingConfidence != 1.0 {
			t.Fatalf("alias %q mapped via %s (%v)", r.OriginalName, r.Method, r.MappingConfidence)
		}
	}
}

func TestRBCNeverMapsToRDW(t *testing.T) {
	n := newTestNormalizer()
	rows := []RawRow{
		{Name: "RDW", Value: "13.2", Unit: "%", ReferenceRange: "11.6-14.6"},
		{Name: "RBC", Value: "4.5", Unit: "million/uL", ReferenceRange: "4.5-5.5"},
		{Name: "RBC Count", Value: "4.6"},
		{Name: "RBC Cnt", Value: "4.7"},
		{Name: "R.B.C", Value: "4.8"},
	}
	out := n.Normalize(context.Background(), rows)
	for _, r := range out.Tests {
		if r.OriginalName == "RDW" {
			if r.CanonicalName != "Red Cell Distribution Width" {
				t.Fatalf("RDW mapped to %q", r.CanonicalName)
			}
			continue
		}
		if r.CanonicalName == "Red Cell Distribution Width" {
			t.Fatalf("%q was mapped to RDW", r.OriginalName)
		}
	}
	if r := findTest(t, out, "RBC"); r.CanonicalName != "Red Blood Cell Count" || r.Method != MethodExact {
		t.Fatalf("RBC -> %q via %s", r.CanonicalName, r.Method)
	}
	if r := findTest(t, out, "RBC Cnt"); r.CanonicalName != "Red Blood Cell Count" || r.Method != MethodFuzzy {
		t.Fatalf("RBC Cnt -> %q via %s", r.CanonicalName, r.Method)
	}
}

func TestCleanedNameMapsAsAlias(t *testing.T) {
	n := newTestNormalizer()
	out := n.Normalize(context.Background(), []RawRow{{Name: "Platelet Count:", Value: "250000"}})
	r := findTest(t, out, "Platelet Count:")
	if r.CanonicalName != "Platelet Count" || r.Method != MethodAlias {
		t.Fatalf("got %q via %s", r.CanonicalName, r.Method)
	}
	if r.MappingConfidence != 0.95 {
		t.Fatalf("confidence=%v want 0.95", r.MappingConfidence)
	}
}

func TestFuzzyMatchNeedsReview(t *testing.T) {
	n := newTestNormalizer()
	out := n.Normalize(context.Background(), []RawRow{{Name: "Hemoglobn", Value: "13.1"}})
	r := findTest(t, out, "Hemoglobn")
	if r.CanonicalName != "Hemoglobin" || r.Method != MethodFuzzy {
		t.Fatalf("got %q via %s", r.CanonicalName, r.Method)
	}
	if !r.NeedsReview || r.ReviewReason != "Fuzzy match - verify" {
		t.Fatalf("needs_review=%v reason=%q", r.NeedsReview, r.ReviewReason)
	}
}

func TestAbsoluteCountsStayDistinctFromPercentages(t *testing.T) {
	n := newTestNormalizer()
	out := n.Normalize(context.Background(), []RawRow{
		{Name: "Neutrophils %", Value: "66"},
		{Name: "Neutrophils (abs)", Value: "6072"},
		{Name: "ABSOLUTE LYMPHOCYTES COUNT", Value: "2208"},
	})
	want := map[string]string{
		"Neutrophils %":              "Neutrophils",
		"Neutrophils (abs)":          "Absolute Neutrophil Count",
		"ABSOLUTE LYMPHOCYTES COUNT": "Absolute Lymphocyte Count",
	}
	for orig, canonical := range want {
		if r := findTest(t, out, orig); r.CanonicalName != canonical {
			t.Fatalf("%q -> %q want %q", orig, r.CanonicalName, canonical)
		}
	}
}

func TestUnknownRowsArePreserved(t *testing.T) {
	n := newTestNormalizer()
	out := n.Normalize(context.Background(), []RawRow{
		{Name: "Xyzzy Factor", Value: "7.2", Unit: "U"},
		{Name: "Sodium", Value: "140"},
	})
	if len(out.Tests) != 2 {
		t.Fatalf("expected unknown row to be kept, got %d rows", len(out.Tests))
	}
	r := findTest(t, out, "Xyzzy Factor")
	if r.CanonicalName != UnknownName || r.Method != MethodUnknown {
		t.Fatalf("got %q via %s", r.CanonicalName, r.Method)
	}
	if !r.NeedsReview || r.ReviewReason != "Unmapped: Xyzzy Factor" {
		t.Fatalf("unexpected review state: %v %q", r.NeedsReview, r.ReviewReason)
	}
	if r.Value == nil || *r.Value != 7.2 || r.Unit != "U" {
		t.Fatal("raw data should be retained on unknown rows")
	}
	if len(out.Unresolved) != 1 || out.Unresolved[0] != "Xyzzy Factor" {
		t.Fatalf("unresolved=%v", out.Unresolved)
	}
	if out.Stats.Unknown != 1 || out.Stats.Exact != 1 {
		t.Fatalf("stats=%+v", out.Stats)
	}
	if got := out.Stats.MappingRate(); got != 0.5 {
		t.Fatalf("mapping rate=%v want 0.5", got)
	}
}

func TestHeaderTextIsSkippedButTimedTestsAreNot(t *testing.T) {
	n := newTestNormalizer()
	out := n.Normalize(context.Background(), []RawRow{
		{Name: "Test Name", Value: "Result"},
		{Name: "Sample Type", Value: "Serum"},
		{Name: "Prothrombin Time", Value: "12.1", ReferenceRange: "10.8-13.3"},
	})
	if len(out.Tests) != 1 || out.Tests[0].CanonicalName != "Prothrombin Time" {
		t.Fatalf("unexpected tests: %+v", out.Tests)
	}
	if out.Stats.Skipped != 2 || len(out.Issues) != 2 {
		t.Fatalf("skipped=%d issues=%v", out.Stats.Skipped, out.Issues)
	}
}

func TestLLMFallbackConstrainedToPanel(t *testing.T) {
	m := &fakeMatcher{answer: "Prothrombin Time"}
	n := newTestNormalizer(WithPanelMatcher(m))
	out := n.Normalize(context.Background(), []RawRow{{Name: "Quick Time PT", Value: "12.4"}})
	r := findTest(t, out, "Quick Time PT")
	if r.CanonicalName != "Prothrombin Time" || r.Method != MethodLLM {
		t.Fatalf("got %q via %s", r.CanonicalName, r.Method)
	}
	if r.MappingConfidence != 0.7 || !r.NeedsReview || r.ReviewReason != "Mapped via LLM" {
		t.Fatalf("unexpected llm result: %+v", r)
	}
	if len(m.candidates) != 3 {
		t.Fatalf("matcher saw %d candidates, want the 3 coagulation tests", len(m.candidates))
	}
}

func TestLLMAnswerOutsidePanelIsIgnored(t *testing.T) {
	for _, m := range []*fakeMatcher{
		{answer: "Hemoglobin"},
		{answer: "Some invented test"},
		{answer: "NONE"},
		{err: errors.New("upstream 500")},
	} {
		n := newTestNormalizer(WithPanelMatcher(m))
		out := n.Normalize(context.Background(), []RawRow{{Name: "Quick Time PT", Value: "12.4"}})
		if r := out.Tests[0]; r.Method != MethodUnknown || r.CanonicalName != UnknownName {
			t.Fatalf("answer %q err %v produced %q via %s", m.answer, m.err, r.CanonicalName, r.Method)
		}
		if m.calls != 1 {
			t.Fatalf("matcher calls=%d want 1", m.calls)
		}
	}
}

func TestFlagNormalizationAndRangeReview(t *testing.T) {
	n := newTestNormalizer()
	out := n.Normalize(context.Background(), []RawRow{
		{Name: "Glucose", Value: "182", ReferenceRange: "70 - 110", Flag: "HIGH"},
		{Name: "Sodium", Value: "128", Unit: "mmol/L", ReferenceRange: "135-145"},
		{Name: "Potassium", Value: "4.1", ReferenceRange: "3.5-5.1"},
		{Name: "Creatinine", Value: "1.9 H"},
	})
	if r := findTest(t, out, "Glucose"); r.Flag != FlagHigh || !r.NeedsReview {
		t.Fatalf("glucose flag=%q review=%v", r.Flag, r.NeedsReview)
	}
	na := findTest(t, out, "Sodium")
	if na.Flag != FlagLow {
		t.Fatalf("sodium inferred flag=%q want L", na.Flag)
	}
	if !na.NeedsReview || na.ReviewReason != "Value outside reference range" {
		t.Fatalf("unflagged low sodium not marked for review: %+v", na)
	}
	if k := findTest(t, out, "Potassium"); k.Flag != FlagNormal || k.NeedsReview {
		t.Fatalf("potassium flag=%q review=%v", k.Flag, k.NeedsReview)
	}
	cr := findTest(t, out, "Creatinine")
	if cr.Flag != FlagHigh || cr.Value == nil || *cr.Value != 1.9 || cr.RawValue != "1.9" {
		t.Fatalf("creatinine marker not parsed: %+v", cr)
	}
}

func TestTextValuesAreTyped(t *testing.T) {
	n := newTestNormalizer()
	out := n.Normalize(context.Background(), []RawRow{
		{Name: "RBC Morphology", Value: "Normocytic Normochromic"},
		{Name: "Hemoparasites", Value: "Nil"},
		{Name: "WBC", Value: "7,800"},
	})
	if r := findTest(t, out, "RBC Morphology"); r.ValueType != ValueText || r.Value != nil {
		t.Fatalf("morphology typed %s value=%v", r.ValueType, r.Value)
	}
	if r := findTest(t, out, "Hemoparasites"); r.ValueType != ValueText || r.Flag != "" {
		t.Fatalf("hemoparasites typed %s flag=%q", r.ValueType, r.Flag)
	}
	if r := findTest(t, out, "WBC"); r.ValueType != ValueNumeric || *r.Value != 7800 {
		t.Fatalf("wbc typed %s value=%v", r.ValueType, r.Value)
	}
}

func TestCompatibilityCharactersFold(t *testing.T) {
	n := newTestNormalizer()
	key, method, _ := n.MapName(context.Background(), "ＨＢ", "")
	if key != "hemoglobin" || method != MethodExact {
		t.Fatalf("full-width HB -> %q via %s", key, method)
	}
}

func TestRawRowAcceptsLooseJSON(t *testing.T) {
	var rows []RawRow
	data := `[{"test_name":"HEMOGLOBIN","value":14.5,"unit":"g/dL","reference_range":"13-17","flag":null},
	{"test_name":"RBC MORPHOLOGY","value":"Normocytic","unit":"null","value_type":"text"}]`
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rows[0].Value != "14.5" || rows[0].Flag != "" {
		t.Fatalf("row0=%+v", rows[0])
	}
	if rows[1].Unit != "" || rows[1].ValueType != "text" {
		t.Fatalf("row1=%+v", rows[1])
	}
}
