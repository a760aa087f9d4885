package memory

import "time"

// Role identifies the author of a persisted conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TriggerKind records why a [Summary] was written.
type TriggerKind string

const (
	// TriggerExplicitFarewell is used when the player said goodbye (an accepted
	// farewell-class input trigger).
	TriggerExplicitFarewell TriggerKind = "explicit-farewell"

	// TriggerLengthThreshold is used when the working history reached the
	// configured length threshold.
	TriggerLengthThreshold TriggerKind = "length-threshold"
)

// IsValid reports whether k is a recognised trigger kind.
func (k TriggerKind) IsValid() bool {
	return k == TriggerExplicitFarewell || k == TriggerLengthThreshold
}

// Summary is a durable, condensed replacement for a window of conversation
// exchanges. Summaries are immutable once written.
type Summary struct {
	// ID is the store-assigned row identifier. Zero until persisted.
	ID int64

	CharacterName string
	ThreadID      string

	// SessionID scopes the summary to one game session. Nil means the summary
	// is session-agnostic.
	SessionID *string

	// Text is the condensed conversation.
	Text string

	// MessagesCount is the number of exchanges the summary covers.
	MessagesCount int

	// StartTime and EndTime bound the covered window.
	StartTime time.Time
	EndTime   time.Time

	TriggerKind     TriggerKind
	TriggerMetadata map[string]any

	CreatedAt time.Time
}

// Message is one persisted side of an exchange. Messages are written in the
// same transaction as the [Summary] that absorbs them.
type Message struct {
	ID            int64
	CharacterName string
	ThreadID      string
	SessionID     *string
	Role          Role
	Content       string
	Metadata      map[string]any

	// Sequence is monotonic per (CharacterName, ThreadID). Assigned by the
	// store when zero.
	Sequence int64

	IsSummarized bool
	SummaryID    *int64
	CreatedAt    time.Time
}

// Window is the unit of work persisted at summarisation time: the raw
// messages of a conversation window plus the summary replacing them.
type Window struct {
	Summary  Summary
	Messages []Message
}

// GameSession is one player save-game. Conversation memory is scoped by its
// SessionID so that separate playthroughs do not bleed into each other.
type GameSession struct {
	SessionID           string         `json:"sessionId"`
	Name                string         `json:"name,omitempty"`
	PlayerData          map[string]any `json:"playerData,omitempty"`
	GameState           map[string]any `json:"gameState,omitempty"`
	LastCharacterTalked string         `json:"lastCharacterTalked,omitempty"`
	MessagesCount       int            `json:"messagesCount"`
	Active              bool           `json:"active"`
	Completed           bool           `json:"completed"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
	LastPlayedAt        time.Time      `json:"lastPlayedAt"`
}

// SessionEvent is an append-only audit record of something game-affecting
// that happened inside a session (trigger activations, applied effects,
// written summaries).
type SessionEvent struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"sessionId"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Knowledge scopes.
const (
	// ScopeWorld holds lore shared by every character.
	ScopeWorld = "world"

	// scopeCharacterPrefix prefixes per-character knowledge scopes.
	scopeCharacterPrefix = "character:"
)

// CharacterScope returns the knowledge scope holding facts private to the
// named character.
func CharacterScope(name string) string {
	return scopeCharacterPrefix + name
}

// KnowledgeChunk is a retrievable piece of world or character lore together
// with its pre-computed embedding.
type KnowledgeChunk struct {
	// ID uniquely identifies the chunk. Re-indexing a chunk with the same ID
	// replaces the previous content.
	ID string

	// Scope is [ScopeWorld] or a value returned by [CharacterScope].
	Scope string

	// Source names the document the chunk was cut from.
	Source string

	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// KnowledgeResult pairs a chunk with its cosine distance to the query vector.
// Lower distance means more similar.
type KnowledgeResult struct {
	Chunk    KnowledgeChunk
	Distance float64
}

// Relevance converts the cosine distance into a similarity score in [0, 1].
func (r KnowledgeResult) Relevance() float64 {
	s := 1 - r.Distance
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
