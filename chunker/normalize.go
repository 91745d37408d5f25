package chunker

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	excessNewlines = regexp.MustCompile(`\n{3,}`)
	repeatedSpaces = regexp.MustCompile(` {2,}`)
	zeroWidth      = strings.NewReplacer(
		"\u200b", "",
		"\u200c", "",
		"\u200d", "",
		"\u2060", "",
		"\ufeff", "",
	)
)

// Normalize canonicalizes text before splitting. Line endings become LF,
// runs of three or more newlines collapse to a blank line, the text is put
// in NFC form, zero-width characters and control characters other than
// TAB and LF are removed, runs of spaces collapse to one, and the result
// is trimmed.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = excessNewlines.ReplaceAllString(text, "\n\n")
	text = norm.NFC.String(text)
	text = zeroWidth.Replace(text)
	text = repeatedSpaces.ReplaceAllString(text, " ")
	text = strings.Map(func(r rune) rune {
		if isStrippedControl(r) {
			return -1
		}
		return r
	}, text)

	return strings.TrimSpace(text)
}

func isStrippedControl(r rune) bool {
	switch {
	case r <= 0x08, r == 0x0b, r == 0x0c:
		return true
	case r >= 0x0e && r <= 0x1f:
		return true
	case r == 0x7f:
		return true
	}
	return false
}
