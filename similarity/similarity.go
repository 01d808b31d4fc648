// Package similarity scores how closely two free-text food names resemble each other.
package similarity

import (
	"strings"
	"unicode"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

var dice = metrics.NewSorensenDice()

// Score returns the textual closeness of candidate to query in [0, 1].
//
// Both strings are lowercased, stripped of punctuation and split into tokens.
// Every query token is compared against every candidate token and the pair
// scores are summed, then normalized by the number of query tokens. A pair
// scores 1 on an exact match, the length ratio when one token contains the
// other, and the bigram Dice coefficient otherwise.
func Score(query, candidate string) float64 {
	q := Tokens(query)
	c := Tokens(candidate)
	if len(q) == 0 || len(c) == 0 {
		return 0
	}

	var sum float64
	for _, qt := range q {
		for _, ct := range c {
			sum += tokenScore(qt, ct)
		}
	}

	score := sum / float64(len(q))
	if score > 1 {
		return 1
	}
	return score
}

// Tokens normalizes s and splits it on whitespace.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}

// Normalize lowercases s and drops every rune that is not a letter, digit or space.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return b.String()
}

func tokenScore(a, b string) float64 {
	if a == b {
		return 1
	}

	la, lb := len([]rune(a)), len([]rune(b))
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return float64(min(la, lb)) / float64(max(la, lb))
	}

	// Dice needs at least one bigram on each side.
	if la < 2 || lb < 2 {
		return 0
	}
	return strutil.Similarity(a, b, dice)
}
