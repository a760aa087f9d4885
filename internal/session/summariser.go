// Package session owns conversation memory for EchoForge characters.
//
// It includes the memory manager ([Manager]) that decides when a working
// history is condensed into a durable summary, the summarisation
// collaborator ([Summariser], [LLMSummariser]) and game-session bookkeeping
// ([Tracker]).
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

const (
	defaultSummaryPrompt = `You keep the memory of a character in a narrative game.
Condense the transcript below into at most four sentences written in the third person.
Keep what the player asked for, what the character revealed or promised, any items or
currency that changed hands, and the mood of the exchange. Leave out greetings and filler.`

	// defaultTranscriptBudget bounds the transcript sent for condensation.
	defaultTranscriptBudget = 12000

	defaultSummaryTemperature = 0.3
)

// Summariser condenses a window of conversation into a short text.
type Summariser interface {
	Summarise(ctx context.Context, messages []llm.Message) (string, error)
}

// SummariserFunc adapts a plain function to [Summariser].
type SummariserFunc func(ctx context.Context, messages []llm.Message) (string, error)

// Summarise implements [Summariser].
func (f SummariserFunc) Summarise(ctx context.Context, messages []llm.Message) (string, error) {
	return f(ctx, messages)
}

// LLMSummariser asks a chat model for the summary.
type LLMSummariser struct {
	model       llm.Provider
	prompt      string
	budget      int
	temperature float64
}

var _ Summariser = (*LLMSummariser)(nil)

// SummariserOption tunes an [LLMSummariser].
type SummariserOption func(*LLMSummariser)

// WithSummaryPrompt replaces the system prompt.
func WithSummaryPrompt(prompt string) SummariserOption {
	return func(s *LLMSummariser) {
		if strings.TrimSpace(prompt) != "" {
			s.prompt = prompt
		}
	}
}

// WithTranscriptBudget caps the transcript at n characters. Older lines are
// dropped first. n <= 0 keeps the default.
func WithTranscriptBudget(n int) SummariserOption {
	return func(s *LLMSummariser) {
		if n > 0 {
			s.budget = n
		}
	}
}

// WithSummaryTemperature sets the sampling temperature of summary requests.
func WithSummaryTemperature(t float64) SummariserOption {
	return func(s *LLMSummariser) { s.temperature = t }
}

// NewLLMSummariser returns a summariser backed by model.
func NewLLMSummariser(model llm.Provider, opts ...SummariserOption) *LLMSummariser {
	s := &LLMSummariser{
		model:       model,
		prompt:      defaultSummaryPrompt,
		budget:      defaultTranscriptBudget,
		temperature: defaultSummaryTemperature,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarise sends the conversation as one transcript in a single user
// message. An empty window is summarised as "" without calling the model.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []llm.Message) (string, error) {
	text := formatTranscript(messages, s.budget)
	if text == "" {
		return "", nil
	}

	resp, err := s.model.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: s.prompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Temperature:  llm.Temperature(s.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("session: summarise %d messages: %w", len(messages), err)
	}
	var out string
	if resp != nil {
		out = strings.TrimSpace(resp.Content)
	}
	if out == "" {
		return "", fmt.Errorf("session: summarise: %w", llm.ErrEmptyResponse)
	}
	return out, nil
}

// formatTranscript renders one "speaker: text" line per message, keeping
// the newest lines that fit in budget characters. A single line longer than
// the budget is cut from the front.
func formatTranscript(messages []llm.Message, budget int) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		speaker := m.Name
		if speaker == "" {
			speaker = m.Role
		}
		lines = append(lines, speaker+": "+content)
	}

	used, first := 0, len(lines)
	for first > 0 {
		n := len(lines[first-1]) + 1
		if used+n > budget {
			break
		}
		used += n
		first--
	}
	if first == len(lines) && first > 0 {
		last := lines[first-1]
		return last[len(last)-budget:]
	}
	return strings.Join(lines[first:], "\n")
}
