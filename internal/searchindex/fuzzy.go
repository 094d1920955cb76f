package searchindex

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultFuzzyThreshold is the minimum similarity a fuzzy match must reach.
const DefaultFuzzyThreshold = 0.6

// Levenshtein returns the edit distance between a and b, counted in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// foldForFuzzy case folds and strips combining marks so "Café" and "cafe" compare equal.
func foldForFuzzy(s string) string {
	decomposed := norm.NFD.String(cases.Fold().String(s))
	var sb strings.Builder
	sb.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func ratio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 0
	}
	return 1 - float64(Levenshtein(a, b))/float64(longest)
}

// Similarity scores how closely query matches text, from 0 to 1. The text
// matches fully when it contains the query; otherwise the best of the whole
// string ratio and the per-word ratios (for single-word queries, or word
// windows of the query's length) is returned.
func Similarity(query, text string) float64 {
	q, t := foldForFuzzy(query), foldForFuzzy(text)
	if q == "" || t == "" {
		return 0
	}
	if strings.Contains(t, q) {
		return 1
	}
	best := ratio(q, t)
	qWords := strings.Fields(q)
	tWords := strings.Fields(t)
	for i := 0; i+len(qWords) <= len(tWords); i++ {
		window := strings.Join(tWords[i:i+len(qWords)], " ")
		if r := ratio(q, window); r > best {
			best = r
		}
	}
	return best
}
