package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/joelkehle/labextract/internal/identity"
	"github.com/joelkehle/labextract/internal/normalize"
)

// VisionExtractor turns an image and a prompt into raw sections and tests.
type VisionExtractor interface {
	Extract(ctx context.Context, img ImageInput, prompt string) (RawExtraction, error)
}

// DocumentClassifier answers whether an image is a lab report at all.
type DocumentClassifier interface {
	Classify(ctx context.Context, img ImageInput) (Classification, error)
}

type ExtractResult struct {
	Raw RawExtraction
	Err error
}

// ExtractAsync runs the call on its own goroutine so callers can select on it.
func ExtractAsync(ctx context.Context, v VisionExtractor, img ImageInput, prompt string) <-chan ExtractResult {
	out := make(chan ExtractResult, 1)
	go func() {
		raw, err := v.Extract(ctx, img, prompt)
		out <- ExtractResult{Raw: raw, Err: err}
	}()
	return out
}

const minLabReportConfidence = 0.7

const classifyPrompt = `Look at this document and answer with ONLY a JSON response:

{
  "is_medical_lab_report": true/false,
  "document_type": "brief description of what this document is",
  "confidence": 0.0 to 1.0
}

A medical lab report typically contains patient information (name, ID, date),
laboratory test names (CBC, hemoglobin, glucose, etc.), test values with units and
reference ranges, and a hospital or lab name.

If this is NOT a medical lab report (invoice, prescription, X-ray, random image),
set is_medical_lab_report to false.`

// ExtractionPrompt asks for every visible test grouped by section heading.
// The model must copy values exactly and never compute or infer missing ones.
const ExtractionPrompt = `You are a medical lab report extractor. Extract EVERY test visible in the document.
Copy names, values, units, reference ranges and flags exactly as printed. Never
calculate, infer or add a test that is not visible.

Look specifically for:
1. CBC absolute counts ("Absolute Neutrophils Count", "Neutrophils (abs)", "ANC", ALC, AMC, AEC, ABC)
   with units like /cumm or /uL, in addition to the differential percentages.
2. Differential percentages: Neutrophils, Lymphocytes, Monocytes, Eosinophils, Basophils.
3. Coagulation: if INR is present, also look for PROTHROMBIN TIME (PT) and APTT nearby.
4. Peripheral smear: RBC/WBC/Platelet morphology and hemoparasites as TEXT values.
5. Ratios such as NLR and PLR (no unit).
6. Advanced CBC: RDW, MPV, IPF.

Sub-section headings like "Absolute Differential Count:" are headings; the tests
below them must still be extracted.

Output format:
{
  "patient_info": {
    "name": "patient name or null",
    "patient_id": "UHID/ID or null",
    "age": "age or null",
    "gender": "M/F or null",
    "collection_date": "date or null"
  },
  "sections": [
    {
      "heading": "COMPLETE BLOOD COUNT",
      "tests": [
        {"test_name": "HEMOGLOBIN", "value": "14.5", "unit": "g/dL", "reference_range": "13-17", "flag": ""},
        {"test_name": "ABSOLUTE NEUTROPHILS COUNT", "value": "6072", "unit": "/cumm", "reference_range": "2000-7000", "flag": ""}
      ]
    },
    {
      "heading": "PERIPHERAL SMEAR",
      "tests": [
        {"test_name": "RBC MORPHOLOGY", "value": "Normocytic Normochromic", "unit": "", "value_type": "text"}
      ]
    }
  ],
  "comments": []
}`

var labCodeRe = regexp.MustCompile(`\s*\([^)]*SRL[^)]*\)`)

// cleanHeading drops reference-lab order codes such as "(1160-SRL)".
func cleanHeading(h string) string {
	h = labCodeRe.ReplaceAllString(h, "")
	return strings.Join(strings.Fields(h), " ")
}

// flatten turns sections into rows carrying their cleaned heading. The flat
// lab_results format is accepted as-is.
func flatten(raw RawExtraction) []normalize.RawRow {
	if len(raw.Sections) == 0 {
		return append([]normalize.RawRow(nil), raw.LabResults...)
	}
	var rows []normalize.RawRow
	for _, s := range raw.Sections {
		heading := cleanHeading(s.Heading)
		for _, t := range s.Tests {
			if t.SectionHeading == "" {
				t.SectionHeading = heading
			}
			rows = append(rows, t)
		}
	}
	return rows
}

// patientFromRaw reads the loosely typed patient block. Models write "null",
// numbers and nested nulls interchangeably.
func patientFromRaw(m map[string]any) identity.Patient {
	get := func(keys ...string) string {
		for _, k := range keys {
			v, ok := m[k]
			if !ok || v == nil {
				continue
			}
			s := strings.TrimSpace(fmt.Sprint(v))
			switch strings.ToLower(s) {
			case "", "null", "none", "n/a", "na", "unknown":
				continue
			}
			return s
		}
		return ""
	}
	return identity.Patient{
		Name:           get("name", "patient_name"),
		PatientID:      get("patient_id", "uhid", "id"),
		Age:            get("age"),
		Gender:         get("gender", "sex"),
		CollectionDate: get("collection_date", "sample_date"),
		ReportDate:     get("report_date"),
		LabName:        get("lab_name", "hospital"),
	}
}
