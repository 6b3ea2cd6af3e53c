package agent

import (
	"regexp"
	"strings"
	"unicode"
)

// maxSpokenChars caps a reply before it is read out on a call
const maxSpokenChars = 600

var (
	markdownLink   = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	markdownMarks  = regexp.MustCompile("[*_`#>]+")
	listPrefix     = regexp.MustCompile(`(?m)^\s*(?:[-•]|\d+\.)\s+`)
	collapseSpaces = regexp.MustCompile(`\s+`)
)

// formatForSpeech turns an LLM reply into text a TTS voice can read:
// markdown and emojis are removed, lines are joined and overly long replies
// are cut at a sentence boundary.
func formatForSpeech(text string) string {
	text = markdownLink.ReplaceAllString(text, "$1")
	text = listPrefix.ReplaceAllString(text, "")
	text = markdownMarks.ReplaceAllString(text, "")
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r > unicode.MaxLatin1 && (unicode.Is(unicode.So, r) || unicode.Is(unicode.Cs, r) || r == '\u200d' || r == '\ufe0f') {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(collapseSpaces.ReplaceAllString(text, " "))

	return truncateAtSentence(text, maxSpokenChars)
}

// truncateAtSentence shortens text to at most limit runes, preferring the
// last sentence end within the limit
func truncateAtSentence(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	cut := string(runes[:limit])
	if idx := strings.LastIndexAny(cut, ".!?"); idx > len(cut)/2 {
		return cut[:idx+1]
	}
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		return strings.TrimSpace(cut[:idx]) + " …"
	}
	return cut
}
