package assembler

import (
	"unicode/utf8"

	"framestack/internal/types"
)

// =============================================================================
// Token Counting Utilities
// =============================================================================
// Size costs are estimated with a character heuristic calibrated at roughly
// four characters per token. The assembler only needs a consistent measure:
// the same counter prices segments and enforces the budget.

// TokenCounter estimates token costs for budget management.
type TokenCounter struct {
	charsPerToken float64
}

// NewTokenCounter creates a counter with the given calibration. Values at or
// below zero fall back to the default 4.0.
func NewTokenCounter(charsPerToken float64) *TokenCounter {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &TokenCounter{charsPerToken: charsPerToken}
}

// CountString estimates tokens in a string. Non-empty strings cost at least
// one token.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	runeCount := utf8.RuneCountInString(s)
	tokens := int(float64(runeCount) / tc.charsPerToken)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// CountSegments sums the recorded costs of a segment sequence.
func (tc *TokenCounter) CountSegments(segments []types.Segment) int {
	total := 0
	for i := range segments {
		total += segments[i].Cost
	}
	return total
}

// TruncateToBudget cuts a string at a rune boundary so its estimated cost
// fits the budget.
func (tc *TokenCounter) TruncateToBudget(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if tc.CountString(s) <= budget {
		return s
	}
	maxRunes := int(float64(budget) * tc.charsPerToken)
	runes := []rune(s)
	if maxRunes >= len(runes) {
		return s
	}
	return string(runes[:maxRunes])
}
