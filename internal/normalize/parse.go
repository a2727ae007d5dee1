package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/joelkehle/labextract/internal/vocab"
)

var (
	numberRe         = regexp.MustCompile(`[-+]?\d*\.?\d+`)
	thousandsRe      = regexp.MustCompile(`(\d),(\d{3})`)
	rangeRe          = regexp.MustCompile(`([-+]?\d*\.?\d+)\s*(?:-|to)\s*([-+]?\d*\.?\d+)`)
	trailingMarkRe   = regexp.MustCompile(`\s*[↑↓HLhl*]+\s*$`)
	numericMarkRe    = regexp.MustCompile(`^\s*[-+]?\d*\.?\d+\s*([↑↓HLhl*]+)\s*$`)
	trailingPunctRe  = regexp.MustCompile(`[\s%$#*:.,;]+$`)
	trailingCountRe  = regexp.MustCompile(`\s+count$`)
	trailingParenRe  = regexp.MustCompile(`\s*\([^()]*\)$`)
	leadingBulletRe  = regexp.MustCompile(`^[\s\-•*·>]+`)
	upperBoundWords  = []string{"<", "≤", "up to", "upto", "less than", "below"}
	lowerBoundWords  = []string{">", "≥", "more than", "greater than", "above"}
	pureNumericValue = regexp.MustCompile(`^[-+]?\d*\.?\d+$`)
)

// CleanName strips qualifiers that do not change which test a name refers to.
func CleanName(raw string) string {
	s := vocab.Fold(raw)
	s = leadingBulletRe.ReplaceAllString(s, "")
	for {
		prev := s
		s = trailingPunctRe.ReplaceAllString(s, "")
		s = trailingCountRe.ReplaceAllString(s, "")
		s = trailingParenRe.ReplaceAllString(s, "")
		s = strings.TrimSpace(s)
		if s == prev {
			return s
		}
	}
}

// ParseValue strips trailing direction markers and returns the cleaned text
// and its first numeric token, if any.
func ParseValue(raw string) (string, *float64) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return "", nil
	}
	if numericMarkRe.MatchString(cleaned) {
		cleaned = strings.TrimSpace(trailingMarkRe.ReplaceAllString(cleaned, ""))
	} else {
		cleaned = strings.TrimSpace(strings.TrimRight(cleaned, "↑↓*"))
	}
	m := numberRe.FindString(thousandsRe.ReplaceAllString(cleaned, "$1$2"))
	if m == "" {
		return cleaned, nil
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return cleaned, nil
	}
	return cleaned, &v
}

// ParseRange reads "a-b", "a to b", "<x" and ">x" forms. Either bound may be nil.
func ParseRange(raw string) (low, high *float64) {
	s := strings.ToLower(strings.TrimSpace(norm.NFKC.String(raw)))
	if s == "" {
		return nil, nil
	}
	s = strings.NewReplacer("–", "-", "—", "-", "−", "-").Replace(s)
	s = thousandsRe.ReplaceAllString(s, "$1$2")

	if m := rangeRe.FindStringSubmatch(s); m != nil {
		a, errA := strconv.ParseFloat(m[1], 64)
		b, errB := strconv.ParseFloat(m[2], 64)
		if errA == nil && errB == nil {
			return &a, &b
		}
	}
	nums := numberRe.FindAllString(s, -1)
	if len(nums) == 0 {
		return nil, nil
	}
	v, err := strconv.ParseFloat(nums[0], 64)
	if err != nil {
		return nil, nil
	}
	if containsAny(s, upperBoundWords) {
		return nil, &v
	}
	if containsAny(s, lowerBoundWords) {
		return &v, nil
	}
	if len(nums) >= 2 {
		if w, err := strconv.ParseFloat(nums[1], 64); err == nil {
			return &v, &w
		}
	}
	return nil, nil
}

// NormalizeFlag maps explicit flag text to H/L/N. When flag text is absent
// it falls back to a marker after a numeric value, then to the range.
func NormalizeFlag(flagRaw, valueRaw string, value, low, high *float64) string {
	f := strings.ToUpper(strings.TrimSpace(flagRaw))
	switch f {
	case "H", "HIGH", "↑", "HH", "CRITICAL HIGH":
		return FlagHigh
	case "L", "LOW", "↓", "LL", "CRITICAL LOW":
		return FlagLow
	case "N", "NORMAL", "NORMAL RANGE", "WNL":
		return FlagNormal
	}
	switch {
	case strings.HasPrefix(f, "HIGH"):
		return FlagHigh
	case strings.HasPrefix(f, "LOW"):
		return FlagLow
	}

	if m := numericMarkRe.FindStringSubmatch(valueRaw); m != nil {
		mark := strings.ToUpper(m[1])
		switch {
		case strings.ContainsAny(mark, "H↑"):
			return FlagHigh
		case strings.ContainsAny(mark, "L↓"):
			return FlagLow
		}
	}
	if strings.Contains(valueRaw, "↑") {
		return FlagHigh
	}
	if strings.Contains(valueRaw, "↓") {
		return FlagLow
	}
	return RangeFlag(value, low, high)
}

// RangeFlag computes the expected flag from a value and its bounds. It
// returns "" when nothing can be concluded.
func RangeFlag(value, low, high *float64) string {
	if value == nil || (low == nil && high == nil) {
		return ""
	}
	if low != nil && *value < *low {
		return FlagLow
	}
	if high != nil && *value > *high {
		return FlagHigh
	}
	return FlagNormal
}

func classifyValue(cleaned string, value *float64, declared string) string {
	if strings.EqualFold(strings.TrimSpace(declared), ValueText) {
		return ValueText
	}
	if value == nil {
		return ValueText
	}
	if pureNumericValue.MatchString(strings.TrimSpace(thousandsRe.ReplaceAllString(cleaned, "$1$2"))) {
		return ValueNumeric
	}
	return ValueMixed
}

func outOfRange(value, low, high *float64) bool {
	if value == nil {
		return false
	}
	if low != nil && *value < *low {
		return true
	}
	return high != nil && *value > *high
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
