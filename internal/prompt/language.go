package prompt

import (
	"regexp"

	"chatrelay/internal/models"
)

// Supported answer languages.
const (
	LangEnglish = "en"
	LangFrench  = "fr"
)

// frenchRe matches French diacritics and common French function words.
var frenchRe = regexp.MustCompile(`[àâäéèêëîïôöùûüçœ]|(?i)\b(le|la|les|une?|des|du|est|sont|et|ou|mais|je|tu|il|elle|nous|vous|ils|elles|avec|pour|dans|sur|que|qui|quoi|pourquoi|comment|quel|quelle|bonjour|merci|oui|non)\b`)

// DetectLanguage classifies text as English or French. When the text
// itself is inconclusive, history is scanned newest first. Deterministic
// and side-effect free.
func DetectLanguage(text string, history []models.Turn) string {
	if frenchRe.MatchString(text) {
		return LangFrench
	}
	for i := len(history) - 1; i >= 0; i-- {
		if frenchRe.MatchString(history[i].Content) {
			return LangFrench
		}
	}
	return LangEnglish
}
