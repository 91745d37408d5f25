package chunker

import (
	"strings"
	"unicode"
)

var (
	chineseTerminators  = runeSet("。！？…")
	japaneseTerminators = runeSet("。！？…︒︓︔︕︖")
	koreanTerminators   = runeSet(".!?…")
	defaultTerminators  = runeSet(".!?\n")
)

func runeSet(s string) map[rune]bool {
	m := make(map[rune]bool)
	for _, r := range s {
		m[r] = true
	}
	return m
}

func terminatorsFor(lang Language) map[rune]bool {
	switch lang {
	case LangChinese:
		return chineseTerminators
	case LangJapanese:
		return japaneseTerminators
	case LangKorean:
		return koreanTerminators
	}
	return defaultTerminators
}

// SplitSentences segments text into trimmed, non-empty sentences.
// A run of terminators stays attached to the sentence it ends, and text
// after the last terminator forms a final sentence. A period between two
// digits is not a terminator. An empty lang is detected from text.
func SplitSentences(text string, lang Language) []string {
	if text == "" {
		return nil
	}
	if lang == "" {
		lang = DetectLanguage(text)
	}
	terms := terminatorsFor(lang)

	runes := []rune(text)
	isTerm := func(i int) bool {
		r := runes[i]
		if !terms[r] {
			return false
		}
		if r == '.' && i > 0 && i+1 < len(runes) &&
			unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
			return false
		}
		return true
	}

	var sentences []string
	emit := func(s []rune) {
		if t := strings.TrimSpace(string(s)); t != "" {
			sentences = append(sentences, t)
		}
	}

	start := 0
	for i := 0; i < len(runes); {
		if !isTerm(i) {
			i++
			continue
		}
		j := i + 1
		for j < len(runes) && isTerm(j) {
			j++
		}
		emit(runes[start:j])
		start, i = j, j
	}
	emit(runes[start:])

	return sentences
}
