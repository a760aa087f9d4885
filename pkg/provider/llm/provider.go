// Package llm is the chat model abstraction EchoForge generates replies,
// analyses triggers, judges retrieval and writes summaries with.
//
// Implementations must be safe for concurrent use and return promptly when
// their context is cancelled.
package llm

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when a backend answered without any choice.
var ErrEmptyResponse = errors.New("llm: response has no choices")

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string
	Content string

	// Name optionally tells speakers of the same role apart.
	Name string
}

// Usage is the token accounting a backend reported for one completion.
// Backends count in their own token units.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is one call to the model. Messages must not be empty.
type CompletionRequest struct {
	// SystemPrompt goes before Messages as a system message.
	SystemPrompt string
	Messages     []Message

	// Temperature is nil for the backend default. Use [Temperature] to set
	// it, including to zero for repeatable classification.
	Temperature *float64

	// MaxTokens caps the reply; zero leaves it to the backend.
	MaxTokens int
}

// Temperature returns a pointer for [CompletionRequest.Temperature].
func Temperature(t float64) *float64 { return &t }

// Conversation is the full message list of req: the system prompt first,
// then Messages.
func (req CompletionRequest) Conversation() []Message {
	if req.SystemPrompt == "" {
		return req.Messages
	}
	out := make([]Message, 0, len(req.Messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: req.SystemPrompt})
	return append(out, req.Messages...)
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is a chat model backend.
type Provider interface {
	// Complete sends req and waits for the whole reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID names the model replies come from, for logs and status.
	ModelID() string
}
