package normalize

import (
	"sort"
	"strings"
)

type aliasEntry struct {
	alias string
	key   string
}

var skipWords = map[string]bool{
	"hospital": true, "laboratory": true, "report": true, "date": true, "sample": true,
	"patient": true, "doctor": true, "method": true, "instrument": true, "reference": true,
	"investigation": true, "parameter": true, "result": true, "results": true, "printed": true,
	"page": true, "uhid": true, "collected": true, "received": true, "reported": true,
	"signature": true, "pathologist": true, "specimen": true,
}

var skipPhrases = []string{"normal range", "test name", "lab no", "biological reference", "end of report"}

// isNonTestText reports header and footer lines that slip into test tables.
// It is only consulted after exact lookup fails, so tests such as
// "Prothrombin Time" are never skipped.
func isNonTestText(cleaned string) bool {
	if len([]rune(cleaned)) < 2 {
		return true
	}
	for _, p := range skipPhrases {
		if strings.Contains(cleaned, p) {
			return true
		}
	}
	for _, tok := range tokenize(cleaned) {
		if skipWords[tok] {
			return true
		}
	}
	return false
}

// fuzzyBudget is the largest edit distance accepted for a name of n runes.
func fuzzyBudget(n int) int {
	if n < 6 {
		return 2
	}
	return 3
}

// closestKey returns the key whose alias is nearest to name, provided exactly
// one key achieves the minimum and it is within budget.
func closestKey(name string, candidates []aliasEntry) (string, int, bool) {
	nameRunes := []rune(name)
	budget := fuzzyBudget(len(nameRunes))
	bestKey, bestDist, ambiguous := "", budget+1, false
	for _, c := range candidates {
		ar := []rune(c.alias)
		if len(ar) < 3 {
			continue
		}
		diff := len(ar) - len(nameRunes)
		if diff > budget || -diff > budget {
			continue
		}
		d := levenshtein(nameRunes, ar)
		switch {
		case d < bestDist:
			bestKey, bestDist, ambiguous = c.key, d, false
		case d == bestDist && c.key != bestKey:
			ambiguous = true
		}
	}
	if bestKey == "" || ambiguous || bestDist > budget {
		return "", 0, false
	}
	return bestKey, bestDist, true
}

func levenshtein(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i, ca := range a {
		cur[0] = i + 1
		for j, cb := range b {
			cost := 1
			if ca == cb {
				cost = 0
			}
			cur[j+1] = min(prev[j+1]+1, cur[j]+1, prev[j]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func sortedEntries(m map[string]string, allow func(key string) bool) []aliasEntry {
	out := make([]aliasEntry, 0, len(m))
	for alias, key := range m {
		if allow == nil || allow(key) {
			out = append(out, aliasEntry{alias: alias, key: key})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].alias < out[j].alias })
	return out
}
