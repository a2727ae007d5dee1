package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
)

const UnknownName = "UNKNOWN"

type Method string

const (
	MethodExact   Method = "exact"
	MethodAlias   Method = "alias"
	MethodFuzzy   Method = "fuzzy"
	MethodLLM     Method = "llm"
	MethodUnknown Method = "unknown"
)

// Confidence is the mapping confidence attached to each method.
func (m Method) Confidence() float64 {
	switch m {
	case MethodExact:
		return 1.0
	case MethodAlias:
		return 0.95
	case MethodFuzzy:
		return 0.8
	case MethodLLM:
		return 0.7
	default:
		return 0
	}
}

const (
	ValueNumeric = "numeric"
	ValueText    = "text"
	ValueMixed   = "mixed"
)

const (
	FlagHigh   = "H"
	FlagLow    = "L"
	FlagNormal = "N"
)

// RawRow is one test line as returned by the extraction call.
type RawRow struct {
	Name           string `json:"test_name"`
	Value          string `json:"value"`
	Unit           string `json:"unit"`
	ReferenceRange string `json:"reference_range"`
	Flag           string `json:"flag"`
	ValueType      string `json:"value_type,omitempty"`
	TestMethod     string `json:"test_method,omitempty"`
	SectionHeading string `json:"section_heading,omitempty"`
}

// UnmarshalJSON accepts numbers, booleans and null wherever a string is
// expected. Models emit "value": 14.5 as often as "value": "14.5".
func (r *RawRow) UnmarshalJSON(data []byte) error {
	var aux struct {
		Name           looseString `json:"test_name"`
		Value          looseString `json:"value"`
		Unit           looseString `json:"unit"`
		ReferenceRange looseString `json:"reference_range"`
		Flag           looseString `json:"flag"`
		ValueType      looseString `json:"value_type"`
		TestMethod     looseString `json:"test_method"`
		SectionHeading looseString `json:"section_heading"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = RawRow{
		Name:           string(aux.Name),
		Value:          string(aux.Value),
		Unit:           string(aux.Unit),
		ReferenceRange: string(aux.ReferenceRange),
		Flag:           string(aux.Flag),
		ValueType:      string(aux.ValueType),
		TestMethod:     string(aux.TestMethod),
		SectionHeading: string(aux.SectionHeading),
	}
	return nil
}

type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*s = ""
	case string:
		if strings.EqualFold(strings.TrimSpace(x), "null") {
			x = ""
		}
		*s = looseString(x)
	case float64:
		*s = looseString(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		*s = looseString(strconv.FormatBool(x))
	default:
		*s = looseString(strings.TrimSpace(string(data)))
	}
	return nil
}

// TestResult is one normalized row. It is not modified after Normalize returns.
type TestResult struct {
	CanonicalName     string   `json:"canonical_name"`
	Key               string   `json:"key,omitempty"`
	OriginalName      string   `json:"original_name"`
	Value             *float64 `json:"value,omitempty"`
	RawValue          string   `json:"raw_value"`
	ValueType         string   `json:"value_type"`
	Unit              string   `json:"unit"`
	ReferenceRange    string   `json:"reference_range,omitempty"`
	RefLow            *float64 `json:"ref_low,omitempty"`
	RefHigh           *float64 `json:"ref_high,omitempty"`
	Flag              string   `json:"flag"`
	LOINCCode         string   `json:"loinc_code,omitempty"`
	Category          string   `json:"category,omitempty"`
	Panel             string   `json:"panel,omitempty"`
	SectionHeading    string   `json:"section_heading,omitempty"`
	TestMethod        string   `json:"test_method,omitempty"`
	NeedsReview       bool     `json:"needs_review"`
	ReviewReason      string   `json:"review_reason,omitempty"`
	Method            Method   `json:"mapping_method"`
	MappingConfidence float64  `json:"mapping_confidence"`
}

func (r TestResult) Mapped() bool {
	return r.Method != MethodUnknown && r.CanonicalName != UnknownName
}

type Stats struct {
	Rows    int `json:"rows"`
	Skipped int `json:"skipped"`
	Exact   int `json:"exact"`
	Alias   int `json:"alias"`
	Fuzzy   int `json:"fuzzy"`
	LLM     int `json:"llm"`
	Unknown int `json:"unknown"`
}

func (s Stats) Mapped() int {
	return s.Exact + s.Alias + s.Fuzzy + s.LLM
}

// MappingRate is mapped rows over emitted rows.
func (s Stats) MappingRate() float64 {
	total := s.Mapped() + s.Unknown
	if total == 0 {
		return 0
	}
	return float64(s.Mapped()) / float64(total)
}

type Output struct {
	Tests      []TestResult `json:"tests"`
	Unresolved []string     `json:"unresolved"`
	Issues     []string     `json:"issues,omitempty"`
	Stats      Stats        `json:"stats"`
}
