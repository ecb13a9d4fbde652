package tokens

import (
	"math"
	"unicode"
)

// Per-character weights. CJK text packs roughly one token per character
// while Latin text averages about four characters per token, so CJK
// characters are weighted heavier.
const (
	cjkWeight   = 1.3
	otherWeight = 0.25
)

// Estimate returns the estimated token count for a text blob. It is a
// rough approximation used for context budgeting and for synthesizing a
// plausible token count when the upstream reports none. Empty input
// yields 0.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}

	return int(math.Ceil(float64(cjk)*cjkWeight + float64(other)*otherWeight))
}

// EstimateMessages returns the combined estimate for a slice of message
// contents.
func EstimateMessages(contents []string) int {
	total := 0
	for _, c := range contents {
		total += Estimate(c)
	}
	return total
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r) ||
		(r >= 0x3000 && r <= 0x303f) // CJK punctuation
}
