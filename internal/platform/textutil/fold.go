package textutil

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// FoldForSearch normalises free text for comparison: compatibility
// decomposition, width folding (full-width digits and latin collapse to
// ASCII), case folding, and whitespace trimming. Both the indexed value and
// the query must pass through the same fold before matching. A fresh caser
// is built per call since cases.Caser carries internal state.
func FoldForSearch(value string) string {
	folded := norm.NFKC.String(value)
	folded = width.Narrow.String(folded)
	folded = cases.Fold().String(folded)
	return strings.Join(strings.Fields(folded), " ")
}

// ContainsFolded reports whether haystack contains needle after both are
// folded for search. An empty needle never matches.
func ContainsFolded(haystack, needle string) bool {
	n := FoldForSearch(needle)
	if n == "" {
		return false
	}
	return strings.Contains(FoldForSearch(haystack), n)
}
