// Package tokenutil approximates LLM token counts for catalog text without a
// model-specific tokenizer.
package tokenutil

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens returns a word-based token estimate for one text.
// Words count 1.33 tokens each; a floor of one token per four bytes covers
// unspaced scripts and markup.
func EstimateTokens(content string) int {
	if strings.TrimSpace(content) == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return max(charEstimate, 1)
}

// EstimateFields sums the estimate over every non-empty field. Each field
// is charged a small separator overhead, as prompts join them with headers.
func EstimateFields(fields ...string) int {
	const separator = 2
	total := 0
	for _, f := range fields {
		if n := EstimateTokens(f); n > 0 {
			total += n + separator
		}
	}
	return total
}

// Truncate cuts content to roughly maxTokens, on a rune boundary.
func Truncate(content string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if EstimateTokens(content) <= maxTokens {
		return content
	}
	limit := maxTokens * 4
	if limit >= len(content) {
		return content
	}
	for limit > 0 && !utf8.RuneStart(content[limit]) {
		limit--
	}
	return content[:limit]
}
