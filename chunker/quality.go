package chunker

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Quality scores chunk between 0 and 1, rounded to two decimals.
// Chunks under 10 characters score 0. Otherwise the score weighs the share
// of letters, digits and whitespace (0.5), the average line length up to
// 40 characters (0.3) and the line count up to 3 (0.2).
func Quality(chunk string) float64 {
	n := utf8.RuneCountInString(chunk)
	if n < 10 {
		return 0
	}

	meaningful := 0
	for _, r := range chunk {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			meaningful++
		}
	}
	lines := strings.Count(chunk, "\n") + 1
	avgLine := float64(n) / float64(lines)

	q := 0.5*float64(meaningful)/float64(n) +
		0.3*math.Min(1, avgLine/40) +
		0.2*math.Min(1, float64(lines)/3)

	q = math.Max(0, math.Min(1, q))
	return math.Round(q*100) / 100
}
