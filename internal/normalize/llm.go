package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type LLMCaller interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

// LLMPanelMatcher asks a language model to choose among a fixed candidate
// list. Free-form answers are never used as a mapping.
type LLMPanelMatcher struct {
	caller LLMCaller
}

func NewLLMPanelMatcher(caller LLMCaller) *LLMPanelMatcher {
	return &LLMPanelMatcher{caller: caller}
}

type panelPick struct {
	Match string `json:"match"`
}

func (m *LLMPanelMatcher) MatchPanel(ctx context.Context, rawName, panel string, candidates []string) (string, error) {
	prompt := fmt.Sprintf(`You are a medical lab test name matcher.

OCR text: %q
Panel: %s

Valid tests for this panel:
%s

Pick EXACTLY ONE test from the list that the OCR text refers to, or "NONE" if none fits.
Respond with JSON: {"match": "<canonical name from the list or NONE>"}`,
		rawName, strings.ToUpper(panel), strings.Join(candidates, "\n"))

	raw, err := m.caller.GenerateJSON(ctx, prompt)
	if err != nil {
		return "", err
	}
	var pick panelPick
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &pick); err != nil {
		return "", fmt.Errorf("parse panel match: %w", err)
	}
	answer := strings.TrimSpace(pick.Match)
	for _, c := range candidates {
		if strings.EqualFold(c, answer) {
			return c, nil
		}
	}
	return "", nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	return s
}
