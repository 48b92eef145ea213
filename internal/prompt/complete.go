package prompt

import (
	"strings"
	"unicode/utf8"
)

// minCompleteLength is the shortest answer we consider possibly complete.
const minCompleteLength = 30

// danglingWords are conjunctions that signal a sentence cut off mid-thought.
var danglingWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "if": {}, "for": {}, "while": {},
	"because": {}, "so": {}, "thus": {}, "also": {},
	"et": {}, "ou": {}, "mais": {}, "donc": {}, "car": {}, "parce": {},
}

// IsProbablyIncomplete reports whether text looks like a truncated
// generation that deserves one bounded continuation pass.
func IsProbablyIncomplete(text string) bool {
	t := strings.TrimSpace(text)
	if utf8.RuneCountInString(t) < minCompleteLength {
		return true
	}

	if strings.HasSuffix(t, "...") || strings.HasSuffix(t, "…") {
		return true
	}

	last, _ := utf8.DecodeLastRuneInString(t)
	switch last {
	case '.', '!', '?':
		return false
	}

	words := strings.Fields(strings.ToLower(t))
	if len(words) > 0 {
		if _, ok := danglingWords[words[len(words)-1]]; ok {
			return true
		}
	}

	if strings.HasSuffix(t, "```") {
		return true
	}
	switch last {
	case '`', '*', '_', '~':
		return true
	}

	return false
}
