package resolver

import (
	"strings"

	"github.com/adrg/strutil/metrics"
)

// DefaultThreshold is the similarity, on a 0 to 100 scale, at which two
// mentions are treated as the same entity.
const DefaultThreshold = 85.0

// indel is Levenshtein distance where a substitution costs a deletion plus an
// insertion.
var indel = &metrics.Levenshtein{
	CaseSensitive: false,
	InsertCost:    1,
	DeleteCost:    1,
	ReplaceCost:   2,
}

// Similarity is the normalized Indel ratio of two mentions, from 0 to 100,
// ignoring case and surrounding space. Partial names score low; rewriting
// "Newsom" into "Gavin Newsom" is left to the extractor.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	total := len([]rune(a)) + len([]rune(b))
	if total == 0 {
		return 100
	}
	if a == "" || b == "" {
		return 0
	}
	return 100 * float64(total-indel.Distance(a, b)) / float64(total)
}
