// Package prompt builds model prompts from persona text, trimmed history
// and optional web context, and provides the language detection and
// completeness heuristics the orchestrator relies on.
package prompt

import (
	"strings"

	"chatrelay/internal/models"
	"chatrelay/internal/sanitize"
)

// historyWindow is the number of trailing turns included in a prompt.
// Older turns are dropped on purpose: recent context matters most.
const historyWindow = 6

// Web context block markers, kept distinct from the persona sentinels.
const (
	webOpen  = "[WEB CONTEXT]"
	webClose = "[END WEB CONTEXT]"
)

// Build assembles the full generation prompt. The user message is always
// included verbatim; only history is trimmed.
func Build(message string, history []models.Turn, webContext, persona, lang string, short bool) string {
	var b strings.Builder

	b.WriteString(sanitize.SystemOpen)
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(persona))
	b.WriteString("\n")
	b.WriteString(sanitize.SystemClose)
	b.WriteString("\n\n")

	for _, turn := range TrimHistory(history) {
		switch turn.Role {
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}

	if strings.TrimSpace(webContext) != "" {
		b.WriteString("\n")
		b.WriteString(webOpen)
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(webContext))
		b.WriteString("\n")
		b.WriteString(webClose)
		b.WriteString("\n")
	}

	b.WriteString("\nUser: ")
	b.WriteString(message)
	b.WriteString("\n\n")
	b.WriteString(instruction(lang, short))
	b.WriteString("\nAssistant:")

	return b.String()
}

// BuildContinuation asks the model to finish a partial answer without
// repeating it. The partial answer is appended as an assistant turn.
func BuildContinuation(message string, history []models.Turn, partial, persona, lang string) string {
	trimmed := TrimHistory(history)
	extended := make([]models.Turn, 0, len(trimmed)+2)
	extended = append(extended, trimmed...)
	extended = append(extended,
		models.Turn{Role: "user", Content: message},
		models.Turn{Role: "assistant", Content: partial},
	)

	var b strings.Builder
	b.WriteString(sanitize.SystemOpen)
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(persona))
	b.WriteString("\n")
	b.WriteString(sanitize.SystemClose)
	b.WriteString("\n\n")

	for _, turn := range extended {
		switch turn.Role {
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}

	if lang == LangFrench {
		b.WriteString("\nContinue brièvement ta réponse précédente. Ne répète pas ce qui a déjà été dit.")
	} else {
		b.WriteString("\nContinue your previous answer briefly. Do not repeat what you already said.")
	}
	b.WriteString("\nAssistant:")

	return b.String()
}

// TrimHistory returns the last turns that fit the prompt window.
func TrimHistory(history []models.Turn) []models.Turn {
	if len(history) <= historyWindow {
		return history
	}
	return history[len(history)-historyWindow:]
}

func instruction(lang string, short bool) string {
	if short {
		if lang == LangFrench {
			return "Réponds en français par un seul paragraphe concis et complet. Termine tes phrases, ne t'arrête jamais au milieu d'une phrase."
		}
		return "Answer in one concise, complete paragraph. Finish your sentences; never stop mid-sentence."
	}
	if lang == LangFrench {
		return "Réponds uniquement en français."
	}
	return "Respond in English only."
}
