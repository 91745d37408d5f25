package chunker

import "unicode"

// splitWindow is how far either side of a target position the
// length strategy looks for a better place to cut.
const splitWindow = 100

var sentenceEndings = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true, '…': true,
	'︒': true, '︓': true, '︔': true, '︕': true, '︖': true, '︙': true,
}

// pairedMarkers maps opening quotes and brackets to their closers.
// The ASCII double quote closes itself.
var pairedMarkers = map[rune]rune{
	'"': '"',
	'“': '”',
	'「': '」',
	'『': '』',
	'(': ')',
	'[': ']',
	'{': '}',
	'（': '）',
	'【': '】',
	'《': '》',
}

var closingMarkers = func() map[rune]rune {
	m := make(map[rune]rune, len(pairedMarkers))
	for opener, closer := range pairedMarkers {
		m[closer] = opener
	}
	return m
}()

// boundaryScanner answers split point queries over one text.
// openBefore[i] reports whether a quote or bracket opened before
// position i is still unclosed at i.
type boundaryScanner struct {
	text       []rune
	openBefore []bool
}

func newBoundaryScanner(text []rune) *boundaryScanner {
	open := make([]bool, len(text)+1)
	var stack []rune
	for i, r := range text {
		open[i] = len(stack) > 0
		top := rune(0)
		if len(stack) > 0 {
			top = stack[len(stack)-1]
		}
		switch {
		case r == '"' && top == '"':
			stack = stack[:len(stack)-1]
		case pairedMarkers[r] != 0:
			stack = append(stack, r)
		case closingMarkers[r] != 0 && top == closingMarkers[r]:
			stack = stack[:len(stack)-1]
		}
	}
	open[len(text)] = len(stack) > 0
	return &boundaryScanner{text: text, openBefore: open}
}

// isSentenceBoundary reports whether pos sits on or just after a sentence
// terminator that is outside any quote or bracket and is not followed
// directly by a letter or digit.
func (s *boundaryScanner) isSentenceBoundary(pos int) bool {
	if pos <= 0 || pos >= len(s.text) {
		return false
	}
	if !sentenceEndings[s.text[pos]] && !sentenceEndings[s.text[pos-1]] {
		return false
	}
	if s.openBefore[pos] {
		return false
	}
	if next := pos + 1; next < len(s.text) && isAlnum(s.text[next]) {
		return false
	}
	return true
}

// bestSplitPoint looks around target for a cut position p with
// floor < p <= limit. Paragraph breaks are preferred, then sentence
// ends, then newlines, then any whitespace. Within a tier the search
// runs forward from target first and then backward. If nothing
// qualifies, target is returned.
func (s *boundaryScanner) bestSplitPoint(target, floor, limit int) int {
	n := len(s.text)
	if target <= 0 {
		return 0
	}
	if target >= n {
		return n
	}

	lo := max(0, target-splitWindow)
	hi := min(n, target+splitWindow)
	text := s.text

	tiers := []func(i int) (int, bool){
		func(i int) (int, bool) {
			return i + 2, i+1 < n && text[i] == '\n' && text[i+1] == '\n'
		},
		func(i int) (int, bool) {
			return i + 1, s.isSentenceBoundary(i)
		},
		func(i int) (int, bool) {
			return i + 1, text[i] == '\n'
		},
		func(i int) (int, bool) {
			return i + 1, unicode.IsSpace(text[i])
		},
	}

	accept := func(p int) bool { return p > floor && p <= limit }
	for _, match := range tiers {
		if target < limit {
			for i := target; i < hi; i++ {
				if p, ok := match(i); ok && accept(p) {
					return p
				}
			}
		}
		for i := target; i > lo; i-- {
			if p, ok := match(i); ok && accept(p) {
				return p
			}
		}
	}
	return target
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}
