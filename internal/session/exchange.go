package session

import (
	"time"

	"github.com/MrWong99/echoforge/pkg/memory"
	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

// Exchange is one player message together with the character's reply.
type Exchange struct {
	UserText      string         `json:"user"`
	AssistantText string         `json:"assistant"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ToMessages normalises history into alternating user and assistant records,
// each tagged with the given keys. Empty sides are skipped.
func ToMessages(history []Exchange, character, thread string, session *string) []memory.Message {
	msgs := make([]memory.Message, 0, 2*len(history))
	for _, ex := range history {
		if ex.UserText != "" {
			msgs = append(msgs, memory.Message{
				CharacterName: character,
				ThreadID:      thread,
				SessionID:     session,
				Role:          memory.RoleUser,
				Content:       ex.UserText,
				Metadata:      ex.Metadata,
				CreatedAt:     ex.Timestamp,
			})
		}
		if ex.AssistantText != "" {
			msgs = append(msgs, memory.Message{
				CharacterName: character,
				ThreadID:      thread,
				SessionID:     session,
				Role:          memory.RoleAssistant,
				Content:       ex.AssistantText,
				CreatedAt:     ex.Timestamp,
			})
		}
	}
	return msgs
}

// transcript converts history into LLM messages for the summariser.
func transcript(history []Exchange, character string) []llm.Message {
	out := make([]llm.Message, 0, 2*len(history))
	for _, ex := range history {
		if ex.UserText != "" {
			out = append(out, llm.Message{Role: llm.RoleUser, Name: "Player", Content: ex.UserText})
		}
		if ex.AssistantText != "" {
			out = append(out, llm.Message{Role: llm.RoleAssistant, Name: character, Content: ex.AssistantText})
		}
	}
	return out
}
