package searchindex

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Tokenize splits text into NFC-normalized, case-folded word tokens.
// Runs of letters and digits form a token; everything else separates.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	// cases.Caser keeps internal state, so each call gets its own.
	folded := cases.Fold().String(norm.NFC.String(text))
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && !unicode.Is(unicode.Mn, r)
	})
}

// WordCount counts tokens the same way the index does.
func WordCount(text string) int {
	return len(Tokenize(text))
}
