package vocab

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultVocabularyLoads(t *testing.T) {
	v := Default()
	if v.Len() < 50 {
		t.Fatalf("expected a full vocabulary, got %d entries", v.Len())
	}
	hb, ok := v.Get("hemoglobin")
	if !ok {
		t.Fatal("hemoglobin missing")
	}
	if hb.CanonicalName != "Hemoglobin" || hb.LOINCCode != "718-7" {
		t.Fatalf("unexpected hemoglobin definition: %+v", hb)
	}
	if hb.Key != "hemoglobin" {
		t.Fatalf("key=%q", hb.Key)
	}
	if _, ok := v.ByCanonicalName("prothrombin time"); !ok {
		t.Fatal("expected lookup by canonical name")
	}
}

func TestParseRejectsSharedAlias(t *testing.T) {
	data := `
mappings:
  rbc:
    canonical_name: Red Blood Cell Count
    aliases: [rbc]
  rdw:
    canonical_name: Red Cell Distribution Width
    aliases: [rbc]
`
	_, err := Parse([]byte(data))
	if err == nil || !strings.Contains(err.Error(), "claimed by both") {
		t.Fatalf("expected shared alias error, got %v", err)
	}
}

func TestParseRejectsAliasesThatFoldTogether(t *testing.T) {
	cases := []struct {
		name  string
		a, b  string
		fails bool
	}{
		{"inner whitespace", "wbc  count", "WBC count", true},
		{"full width", "ＷＢＣ", "wbc", true},
		{"distinct", "wbc", "rbc", false},
	}
	for _, tc := range cases {
		data := fmt.Sprintf(`
mappings:
  white_blood_cells:
    canonical_name: White Blood Cell Count
    aliases: [%q]
  total_leukocytes:
    canonical_name: Total Leukocyte Count
    aliases: [%q]
`, tc.a, tc.b)
		_, err := Parse([]byte(data))
		if got := err != nil; got != tc.fails {
			t.Fatalf("%s: err=%v want failure=%v", tc.name, err, tc.fails)
		}
	}
}

func TestFoldMatchesLookupForm(t *testing.T) {
	if got := Fold("  Ｈｅｍｏｇｌｏｂｉｎ \t A1c "); got != "hemoglobin a1c" {
		t.Fatalf("Fold=%q", got)
	}
}

func TestParseRejectsDuplicateKeys(t *testing.T) {
	data := `
mappings:
  sodium:
    canonical_name: Sodium
  sodium:
    canonical_name: Sodium again
`
	if _, err := Parse([]byte(data)); err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.yaml")
	data := "mappings:\n  inr:\n    canonical_name: INR\n    loinc_code: 6301-6\n    aliases: [pt inr]\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if keys := v.Keys(); len(keys) != 1 || keys[0] != "inr" {
		t.Fatalf("keys=%v", keys)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
