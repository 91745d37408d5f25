package chunker

import (
	"strings"
	"unicode/utf8"
)

// Language is a coarse script classification used to pick sentence
// terminators and the token estimate.
type Language string

const (
	LangEnglish  Language = "en"
	LangChinese  Language = "zh"
	LangJapanese Language = "ja"
	LangKorean   Language = "ko"
)

// IsCJK reports whether l is Chinese, Japanese or Korean.
func (l Language) IsCJK() bool {
	return l == LangChinese || l == LangJapanese || l == LangKorean
}

// DetectLanguage classifies text by the share of Han, Kana and Hangul
// characters. The first script above 10% of all characters wins, checked
// in that order; anything else, including text under 10 characters, is
// reported as English.
func DetectLanguage(text string) Language {
	total := utf8.RuneCountInString(text)
	if total < 10 {
		return LangEnglish
	}

	var han, kana, hangul int
	for _, r := range text {
		switch {
		case r >= 0x4e00 && r <= 0x9fff:
			han++
		case (r >= 0x3040 && r <= 0x30ff) || (r >= 0x31f0 && r <= 0x31ff):
			kana++
		case (r >= 0x3130 && r <= 0x318f) || (r >= 0xac00 && r <= 0xd7af):
			hangul++
		}
	}

	n := float64(total)
	switch {
	case float64(han)/n > 0.1:
		return LangChinese
	case float64(kana)/n > 0.1:
		return LangJapanese
	case float64(hangul)/n > 0.1:
		return LangKorean
	}
	return LangEnglish
}

// CountTokens estimates the token count of text. CJK text counts 0.7
// tokens per character (at least one); other text counts whitespace
// separated words. An empty lang is detected from text.
func CountTokens(text string, lang Language) int {
	if text == "" {
		return 0
	}
	if lang == "" {
		lang = DetectLanguage(text)
	}
	if lang.IsCJK() {
		return max(1, int(float64(utf8.RuneCountInString(text))*0.7))
	}
	return len(strings.Fields(text))
}
