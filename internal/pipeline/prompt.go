package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/echoforge/internal/session"
	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

const (
	promptKnowledge = 3
	promptExchanges = 3
)

// FormatSystemPrompt renders the generation system prompt for st.
//
// The formatter is pure. Empty sections (no memory, no knowledge, no
// triggers) are omitted rather than rendered as empty headers.
func FormatSystemPrompt(st *TurnState) string {
	p := st.Profile
	var sb strings.Builder

	// ── Opening line ──────────────────────────────────────────────────────────
	name := p.Name
	if name == "" {
		name = "a character"
	}
	if p.Role != "" {
		fmt.Fprintf(&sb, "You are %s, %s.", name, p.Role)
	} else {
		fmt.Fprintf(&sb, "You are %s.", name)
	}
	if s := strings.TrimSpace(p.Personality); s != "" {
		sb.WriteString(" ")
		sb.WriteString(s)
	}

	// ── Identity section ──────────────────────────────────────────────────────
	if ident := formatIdentitySection(st); ident != "" {
		sb.WriteString("\n\n## Your Identity\n")
		sb.WriteString(ident)
	}

	// ── Memory section ────────────────────────────────────────────────────────
	if st.UseMemoryContext && st.ContextSummary != "" {
		sb.WriteString("\n\n## What You Remember\n")
		sb.WriteString(st.ContextSummary)
	}

	// ── Knowledge section ─────────────────────────────────────────────────────
	if k := formatKnowledgeSection(st); k != "" {
		sb.WriteString("\n\n## Relevant Knowledge\n")
		sb.WriteString(k)
	}

	// ── Player intent section ─────────────────────────────────────────────────
	if t := formatTriggerSection(st); t != "" {
		sb.WriteString("\n\n## What The Player Wants\n")
		sb.WriteString(t)
	}

	// ── Instructions ──────────────────────────────────────────────────────────
	sb.WriteString("\n\n## Instructions\n")
	sb.WriteString("- Stay in character and never mention being an AI.\n")
	sb.WriteString("- Answer in 2 to 3 sentences.\n")
	sb.WriteString("- Describe physical actions between *asterisks*.\n")
	sb.WriteString("- Refuse what the player asks for when it is listed as refused, and explain why in character.")

	return sb.String()
}

func formatIdentitySection(st *TurnState) string {
	p := st.Profile
	var lines []string
	if p.SpeechStyle != "" {
		lines = append(lines, "Speech style: "+p.SpeechStyle)
	}
	if p.Backstory != "" {
		lines = append(lines, "Backstory: "+p.Backstory)
	}
	if p.Mood != "" {
		lines = append(lines, "Current mood: "+p.Mood)
	}
	if len(p.SpecialKnowledge) > 0 {
		lines = append(lines, "You know a lot about: "+strings.Join(p.SpecialKnowledge, ", "))
	}
	if len(st.Actions) > 0 {
		lines = append(lines, "The player just did: "+strings.Join(st.Actions, "; "))
	}
	return strings.Join(lines, "\n")
}

func formatKnowledgeSection(st *TurnState) string {
	var sb strings.Builder
	n := 0
	for _, r := range st.RetrievalResults {
		if n == promptKnowledge {
			break
		}
		if !slices.Contains(st.RelevantKnowledge, r.Content) {
			continue
		}
		if n > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "- %s (relevance %.2f)", strings.TrimSpace(r.Content), r.Relevance)
		n++
	}
	return sb.String()
}

func formatTriggerSection(st *TurnState) string {
	var lines []string
	for _, name := range st.AcceptedInputTriggers {
		line := "- " + name
		if d := st.Profile.Triggers.Input[name].Description; d != "" {
			line += ": " + d
		}
		lines = append(lines, line)
	}
	for _, r := range st.RejectedInputTriggers {
		lines = append(lines, fmt.Sprintf("- %s (refused: %s)", r.Trigger, r.Reason))
	}
	return strings.Join(lines, "\n")
}

// generationMessages returns the last exchanges followed by the player's
// message as LLM conversation turns.
func generationMessages(st *TurnState) []llm.Message {
	recent := session.Tail(st.History, promptExchanges)
	msgs := make([]llm.Message, 0, 2*len(recent)+1)
	for _, ex := range recent {
		if ex.UserText != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Name: st.Player.Name, Content: ex.UserText})
		}
		if ex.AssistantText != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Name: st.Profile.Name, Content: ex.AssistantText})
		}
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Name: st.Player.Name, Content: st.Message})
}
