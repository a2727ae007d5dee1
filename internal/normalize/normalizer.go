package normalize

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/joelkehle/labextract/internal/vocab"
)

// PanelMatcher picks one of candidates for rawName, or "" for none.
type PanelMatcher interface {
	MatchPanel(ctx context.Context, rawName, panel string, candidates []string) (string, error)
}

type Normalizer struct {
	vocab      *vocab.Vocabulary
	whitelist  map[string]string
	candidates map[string][]aliasEntry
	canonical  map[string]string
	matcher    PanelMatcher
	logger     *log.Logger
}

type Option func(*Normalizer)

func WithPanelMatcher(m PanelMatcher) Option {
	return func(n *Normalizer) { n.matcher = m }
}

func WithLogger(l *log.Logger) Option {
	return func(n *Normalizer) { n.logger = l }
}

func New(v *vocab.Vocabulary, opts ...Option) *Normalizer {
	n := &Normalizer{
		vocab:      v,
		whitelist:  map[string]string{},
		candidates: map[string][]aliasEntry{},
		canonical:  map[string]string{},
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	for _, key := range v.Keys() {
		def, _ := v.Get(key)
		names := append([]string{key, def.CanonicalName}, def.Aliases...)
		for _, name := range names {
			if f := vocab.Fold(name); f != "" {
				n.whitelist[f] = key
			}
		}
		spaced := vocab.Fold(strings.ReplaceAll(key, "_", " "))
		if _, taken := n.whitelist[spaced]; !taken {
			n.whitelist[spaced] = key
		}
		n.canonical[strings.ToLower(def.CanonicalName)] = key
	}
	n.candidates[""] = sortedEntries(n.whitelist, nil)
	for panel, keys := range panelMembers {
		allowed := map[string]bool{}
		for _, k := range keys {
			if _, ok := v.Get(k); ok {
				allowed[k] = true
			}
		}
		n.candidates[panel] = sortedEntries(n.whitelist, func(key string) bool { return allowed[key] })
	}
	return n
}

type mapping struct {
	key    string
	method Method
	panel  string
	skip   bool
}

// MapName resolves a raw test name. Alias lookup is by identical string only.
func (n *Normalizer) MapName(ctx context.Context, raw, heading string) (string, Method, string) {
	m := n.mapName(ctx, raw, heading)
	return m.key, m.method, m.panel
}

func (n *Normalizer) mapName(ctx context.Context, raw, heading string) mapping {
	folded := vocab.Fold(raw)
	cleaned := CleanName(raw)
	panel := DetectPanel(cleaned)
	if panel == "" {
		panel = DetectPanel(heading)
	}

	if key, ok := n.whitelist[folded]; ok {
		return mapping{key: key, method: MethodExact, panel: panel}
	}
	if key, ok := n.whitelist[cleaned]; ok {
		return mapping{key: key, method: MethodAlias, panel: panel}
	}
	if isNonTestText(cleaned) {
		return mapping{skip: true}
	}
	if key, _, ok := closestKey(cleaned, n.candidates[panel]); ok {
		return mapping{key: key, method: MethodFuzzy, panel: panel}
	}
	if panel != "" && n.matcher != nil {
		if key := n.llmMatch(ctx, raw, panel); key != "" {
			return mapping{key: key, method: MethodLLM, panel: panel}
		}
	}
	return mapping{method: MethodUnknown, panel: panel}
}

// llmMatch accepts only an answer naming one of the panel's candidates.
func (n *Normalizer) llmMatch(ctx context.Context, raw, panel string) string {
	var names []string
	for _, k := range panelMembers[panel] {
		if def, ok := n.vocab.Get(k); ok {
			names = append(names, def.CanonicalName)
		}
	}
	if len(names) == 0 {
		return ""
	}
	pick, err := n.matcher.MatchPanel(ctx, raw, panel, names)
	if err != nil {
		n.logger.Printf("normalize llm_match failed name=%q panel=%s: %v", raw, panel, err)
		return ""
	}
	pick = strings.ToLower(strings.TrimSpace(pick))
	if pick == "" || pick == "none" {
		return ""
	}
	key, ok := n.canonical[pick]
	if !ok {
		return ""
	}
	for _, k := range panelMembers[panel] {
		if k == key {
			return key
		}
	}
	return ""
}

// Normalize maps every row. Unmapped rows are kept as UNKNOWN.
func (n *Normalizer) Normalize(ctx context.Context, rows []RawRow) Output {
	out := Output{Tests: []TestResult{}, Unresolved: []string{}}
	for _, row := range rows {
		out.Stats.Rows++
		name := strings.TrimSpace(row.Name)
		if name == "" {
			out.Stats.Skipped++
			continue
		}
		m := n.mapName(ctx, name, row.SectionHeading)
		if m.skip {
			out.Stats.Skipped++
			out.Issues = append(out.Issues, fmt.Sprintf("Skipped non-test text: %s", name))
			continue
		}
		res := n.buildResult(row, name, m)
		switch res.Method {
		case MethodExact:
			out.Stats.Exact++
		case MethodAlias:
			out.Stats.Alias++
		case MethodFuzzy:
			out.Stats.Fuzzy++
		case MethodLLM:
			out.Stats.LLM++
		default:
			out.Stats.Unknown++
			out.Unresolved = append(out.Unresolved, name)
			n.logger.Printf("normalize unknown_test name=%q panel=%s", name, m.panel)
		}
		out.Tests = append(out.Tests, res)
	}
	return out
}

func (n *Normalizer) buildResult(row RawRow, name string, m mapping) TestResult {
	cleanedValue, value := ParseValue(row.Value)
	low, high := ParseRange(row.ReferenceRange)
	res := TestResult{
		OriginalName:   name,
		Value:          value,
		RawValue:       cleanedValue,
		ValueType:      classifyValue(cleanedValue, value, row.ValueType),
		Unit:           strings.TrimSpace(row.Unit),
		ReferenceRange: strings.TrimSpace(row.ReferenceRange),
		RefLow:         low,
		RefHigh:        high,
		Flag:           NormalizeFlag(row.Flag, row.Value, value, low, high),
		Panel:          m.panel,
		SectionHeading: row.SectionHeading,
		TestMethod:     row.TestMethod,
		Method:         m.method,
	}
	if res.ValueType == ValueText {
		res.Value = nil
	}

	if m.method == MethodUnknown {
		res.CanonicalName = UnknownName
		res.NeedsReview = true
		res.ReviewReason = "Unmapped: " + name
		return res
	}

	def, _ := n.vocab.Get(m.key)
	res.Key = m.key
	res.CanonicalName = def.CanonicalName
	res.LOINCCode = def.LOINCCode
	res.Category = def.Category
	res.MappingConfidence = m.method.Confidence()
	if res.Unit == "" {
		res.Unit = def.Unit
	}

	var reasons []string
	switch m.method {
	case MethodFuzzy:
		reasons = append(reasons, "Fuzzy match - verify")
	case MethodLLM:
		reasons = append(reasons, "Mapped via LLM")
	}
	if outOfRange(res.Value, low, high) {
		reasons = append(reasons, "Value outside reference range")
	}
	if len(reasons) > 0 {
		res.NeedsReview = true
		res.ReviewReason = strings.Join(reasons, "; ")
	}
	return res
}
