package agent

import (
	"fmt"
	"strings"
	"time"

	"voice-bridge/backend/internal/adapter"
	"voice-bridge/backend/internal/constants"
	"voice-bridge/backend/internal/graph"
	"voice-bridge/backend/internal/utils"
)

// buildSystemPrompt creates the system prompt for one tenant and channel
func buildSystemPrompt(profile *graph.TenantProfile, channel string, tools []adapter.Tool, now time.Time) string {
	companyName := "ein Schweizer Unternehmen"
	if profile.Name != "" {
		companyName = profile.Name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Du bist ein professioneller, höflicher Telefonassistent für %s.\n\n", companyName)

	if profile.SystemPrompt != "" {
		b.WriteString(strings.TrimSpace(profile.SystemPrompt))
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Heute ist %s.\n\n", now.Format("02.01.2006"))

	b.WriteString("Deine Aufgaben:\n")
	b.WriteString("- Beantworte Anrufe professionell und höflich\n")
	b.WriteString("- Verwende formelles \"Sie\" (ausser explizit anders gewünscht)\n")
	b.WriteString("- Formatiere Datum als DD.MM.YYYY\n")
	b.WriteString("- Gib keine rechtlichen oder medizinischen Ratschläge\n")
	b.WriteString("- Bei Unsicherheit: Biete einen Rückruf an\n")
	b.WriteString("- Antworte kurz und präzise\n")

	if channel == constants.ChannelVoice {
		b.WriteString("- Deine Antwort wird vorgelesen: keine Aufzählungen, kein Markdown, keine Emojis\n")
		b.WriteString("- Höchstens zwei bis drei Sätze pro Antwort\n")
	}

	lang := utils.NormalizeLanguage(profile.Language)
	fmt.Fprintf(&b, "- Antworte auf %s, ausser der Anrufer spricht eine andere Sprache\n", utils.GetLanguageName(lang))

	if len(tools) > 0 {
		b.WriteString("\nVerfügbare Tools:\n")
		for _, tool := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
		}
		b.WriteString("\nNutze diese Tools, wenn der Anrufer entsprechende Anfragen stellt.\n")
	}

	b.WriteString("\nAm Ende des Gesprächs: Fasse zusammen, was vereinbart wurde, und wünsche einen schönen Tag.")
	return b.String()
}
