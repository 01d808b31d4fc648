// Package catalog ranks known food identities against free-text queries.
package catalog

import (
	"slices"

	"foodledger"
	"foodledger/similarity"
)

const (
	DefaultTopN          = 20
	DefaultMinConfidence = 0.1
)

// Rank scores every catalog entry against query and returns at most topN
// candidates with confidence >= minConfidence, best first. Ties keep catalog order.
func Rank(query string, foods []foodledger.FoodIdentity, topN int, minConfidence float64) []foodledger.Candidate {
	if topN <= 0 || len(foods) == 0 {
		return []foodledger.Candidate{}
	}

	runes := runeSet(similarity.Normalize(query))
	if len(runes) == 0 && minConfidence > 0 {
		return []foodledger.Candidate{}
	}

	out := make([]foodledger.Candidate, 0, min(topN, len(foods)))
	for _, f := range foods {
		// An entry sharing no rune with the query cannot score above zero.
		if minConfidence > 0 && !sharesRune(runes, f.Name) {
			continue
		}
		score := similarity.Score(query, f.Name)
		if score < minConfidence {
			continue
		}
		out = append(out, foodledger.Candidate{Food: f.Clone(), Confidence: score})
	}

	slices.SortStableFunc(out, func(a, b foodledger.Candidate) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})

	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// Matcher binds ranking thresholds so callers only pass the query and catalog.
type Matcher struct {
	TopN          int
	MinConfidence float64
}

func NewMatcher(topN int, minConfidence float64) *Matcher {
	if topN == 0 {
		topN = DefaultTopN
	}
	return &Matcher{TopN: topN, MinConfidence: minConfidence}
}

func (m *Matcher) Rank(query string, foods []foodledger.FoodIdentity) []foodledger.Candidate {
	return Rank(query, foods, m.TopN, m.MinConfidence)
}

func runeSet(s string) map[rune]struct{} {
	set := make(map[rune]struct{})
	for _, r := range s {
		if r != ' ' {
			set[r] = struct{}{}
		}
	}
	return set
}

func sharesRune(set map[rune]struct{}, name string) bool {
	for _, r := range similarity.Normalize(name) {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}
