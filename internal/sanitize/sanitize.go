// Package sanitize strips redirect and tracking artifacts, prompt echoes
// and boilerplate from search snippets and model output. Best effort: a
// clean pass may drop whole lines, but a non-empty input never sanitizes
// to an empty result thanks to the permissive fallback.
package sanitize

import (
	"regexp"
	"strings"
)

// Sentinel markers delimiting the injected persona block in prompts.
const (
	SystemOpen  = "<<<SYSTEM>>>"
	SystemClose = "<<<END SYSTEM>>>"
)

// Caps applied by the permissive fallback.
const (
	answerFallbackLines = 10
	answerFallbackChars = 2000
	fullFallbackLines   = 30
	fullFallbackChars   = 8000
)

var (
	redirectDomainRe = regexp.MustCompile(`(?i)(duckduckgo\.com/l/|google\.[a-z.]+/url\?|bing\.com/ck/|r\.search\.yahoo\.com|news\.url\.google)`)

	trackingMarkers = []string{"uddg=", "utm_", "rut=", "fbclid=", "gclid=", "msclkid="}

	percentEscapeRe = regexp.MustCompile(`(?i)%(3A|2F|3D|26|3F)`)
	encodedRunRe    = regexp.MustCompile(`(?i)(?:%[0-9A-F]{2}){3,}`)

	prefixRe    = regexp.MustCompile(`(?i)^\s*(system|instruction)\s*:\s*`)
	selfIntroRe = regexp.MustCompile(`(?i)^\s*(i am|i'm|je suis)\s+(an?\s+|un(e)?\s+)?(ai|artificial intelligence|assistant|intelligence artificielle)\b`)

	leadingPunct = " \t:;,.!?-)]}"
)

// Sanitizer cleans text while recognizing echoes of the injected persona
// instructions so they can be stripped from model output.
type Sanitizer struct {
	personas []string
	prefixes []string
}

// New builds a sanitizer aware of the given persona texts.
func New(personas ...string) *Sanitizer {
	s := &Sanitizer{}
	for _, p := range personas {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		s.personas = append(s.personas, p)
		s.prefixes = append(s.prefixes, personaPrefix(p))
	}
	return s
}

func personaPrefix(persona string) string {
	runes := []rune(persona)
	if len(runes) > 60 {
		runes = runes[:60]
	}
	return string(runes)
}

// Answer cleans text for the immediate short-answer path. Blank lines are
// kept so paragraph breaks survive.
func (s *Sanitizer) Answer(text string) string {
	return s.clean(text, true, answerFallbackLines, answerFallbackChars)
}

// FullAnswer cleans text for the background full-answer path. Blank lines
// are dropped and the fallback caps are wider.
func (s *Sanitizer) FullAnswer(text string) string {
	return s.clean(text, false, fullFallbackLines, fullFallbackChars)
}

// Snippet cleans search-derived text with the short-path rules.
func (s *Sanitizer) Snippet(text string) string {
	return s.clean(text, true, answerFallbackLines, answerFallbackChars)
}

func (s *Sanitizer) clean(text string, keepBlank bool, fallbackLines, fallbackChars int) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	var kept []string
	first := true
	for _, line := range strings.Split(text, "\n") {
		line = strings.ReplaceAll(line, SystemOpen, "")
		line = strings.ReplaceAll(line, SystemClose, "")
		line = prefixRe.ReplaceAllString(line, "")

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if keepBlank {
				kept = append(kept, "")
			}
			continue
		}
		if dropLine(trimmed) || s.personaEcho(trimmed) {
			continue
		}
		if first && selfIntroRe.MatchString(trimmed) {
			first = false
			continue
		}
		first = false
		kept = append(kept, line)
	}

	out := strings.TrimSpace(strings.Join(kept, "\n"))
	out = strings.TrimLeft(out, leadingPunct)
	out = strings.TrimSpace(out)

	if out == "" {
		fb := s.fallback(text, fallbackLines, fallbackChars)
		// Same leading trim as the strict path, so re-sanitizing a
		// fallback result leaves it unchanged.
		if trimmed := strings.TrimSpace(strings.TrimLeft(fb, leadingPunct)); trimmed != "" {
			return trimmed
		}
		return fb
	}
	return out
}

// dropLine applies the per-line rejection rules.
func dropLine(trimmed string) bool {
	if redirectDomainRe.MatchString(trimmed) {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range trackingMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") || strings.HasPrefix(trimmed, "//") {
		return true
	}
	if len(trimmed) > 24 && percentEscapeRe.MatchString(trimmed) {
		return true
	}
	if len(trimmed) > 40 && strings.ContainsAny(trimmed, "/%=?&") {
		return true
	}
	return false
}

func (s *Sanitizer) personaEcho(trimmed string) bool {
	for i, persona := range s.personas {
		if trimmed == persona {
			return true
		}
		if strings.Contains(trimmed, s.prefixes[i]) {
			return true
		}
	}
	return false
}

// fallback strips only the explicit artifacts instead of whole lines so a
// non-empty input never collapses to nothing.
func (s *Sanitizer) fallback(text string, maxLines, maxChars int) string {
	out := redirectDomainRe.ReplaceAllString(text, "")
	lower := out
	for _, marker := range trackingMarkers {
		// Case-insensitive removal without disturbing surrounding text.
		lower = removeFold(lower, marker)
	}
	out = encodedRunRe.ReplaceAllString(lower, "[link]")
	out = strings.ReplaceAll(out, SystemOpen, "")
	out = strings.ReplaceAll(out, SystemClose, "")

	var kept []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(prefixRe.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		kept = append(kept, line)
		if len(kept) == maxLines {
			break
		}
	}

	joined := strings.TrimSpace(strings.Join(kept, "\n"))
	if len(joined) > maxChars {
		cut := maxChars - 3
		for cut > 0 && !isRuneStart(joined[cut]) {
			cut--
		}
		joined = joined[:cut] + "..."
	}
	return joined
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// removeFold deletes every case-insensitive occurrence of marker from s.
func removeFold(s, marker string) string {
	lower := strings.ToLower(s)
	marker = strings.ToLower(marker)
	var b strings.Builder
	for {
		i := strings.Index(lower, marker)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		s = s[i+len(marker):]
		lower = lower[i+len(marker):]
	}
}
