// Package memory defines the durable memory model used by EchoForge
// characters.
//
// Memory is organised around three stores:
//
//   - [ConversationStore]: per-turn messages and the summaries that replace
//     them, keyed by (character, thread, session).
//   - [SessionRegistry]: game sessions (save-games) and their event log.
//   - [KnowledgeIndex]: embedded world and character lore used for retrieval.
//
// All interfaces are public so that alternative backends can be plugged in
// without depending on EchoForge internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that address a single record which does
// not exist.
var ErrNotFound = errors.New("memory: not found")

// ─────────────────────────────────────────────────────────────────────────────
// Conversation memory
// ─────────────────────────────────────────────────────────────────────────────

// ConversationStore persists conversation windows and answers filtered
// queries over them.
//
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	// SaveWindow persists w.Messages and w.Summary as one atomic unit: either
	// every row is committed or none is. Every message is stored with
	// IsSummarized=true and a back-reference to the new summary. Sequence
	// numbers are assigned when zero.
	//
	// Returns the ID of the stored summary.
	SaveWindow(ctx context.Context, w Window) (int64, error)

	// Summaries returns the summaries matching f, newest first, capped at
	// limit. A limit ≤ 0 returns every match. An empty, non-nil slice is
	// returned when nothing matches.
	Summaries(ctx context.Context, f Filter, limit int) ([]Summary, error)

	// CountMessages returns the number of message rows matching f.
	CountMessages(ctx context.Context, f Filter) (int, error)

	// CountSummaries returns the number of summaries matching f.
	CountSummaries(ctx context.Context, f Filter) (int, error)

	// SessionIDs lists the distinct non-null session identifiers that own at
	// least one summary, sorted ascending.
	SessionIDs(ctx context.Context) ([]string, error)

	// DeleteThread removes all messages of (character, thread). When
	// keepSummaries is false the thread's summaries are removed as well.
	DeleteThread(ctx context.Context, character, thread string, keepSummaries bool) error

	// Ping verifies that the backing store is reachable.
	Ping(ctx context.Context) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Game sessions
// ─────────────────────────────────────────────────────────────────────────────

// SessionRegistry tracks game sessions and their audit events.
//
// Implementations must be safe for concurrent use.
type SessionRegistry interface {
	// TouchSession records that character handled one more message inside
	// sessionID at time at. The session is created on first use.
	TouchSession(ctx context.Context, sessionID, character string, at time.Time) error

	// Session returns one game session or [ErrNotFound].
	Session(ctx context.Context, sessionID string) (*GameSession, error)

	// ListSessions returns sessions ordered by most recent play, capped at
	// limit. When activeOnly is true archived sessions are skipped.
	ListSessions(ctx context.Context, activeOnly bool, limit int) ([]GameSession, error)

	// AppendEvent appends e to the session's event log.
	AppendEvent(ctx context.Context, e SessionEvent) error

	// Events returns the newest events of sessionID, newest first.
	Events(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge
// ─────────────────────────────────────────────────────────────────────────────

// KnowledgeIndex stores embedded lore chunks and answers nearest-neighbour
// queries restricted to one scope.
type KnowledgeIndex interface {
	// UpsertChunks inserts or replaces chunks by ID.
	UpsertChunks(ctx context.Context, chunks []KnowledgeChunk) error

	// SearchKnowledge returns at most topK chunks of scope ordered by
	// ascending cosine distance to embedding.
	SearchKnowledge(ctx context.Context, embedding []float32, scope string, topK int) ([]KnowledgeResult, error)
}
