// Package checkpoint exposes conversation summaries as versioned checkpoints
// keyed by (character, thread, session).
//
// A checkpoint is a read-only view derived from a stored [memory.Summary];
// nothing is written through this package. [Select] picks between the
// store-backed [Adapter] and [Noop] with a single connectivity ping.
package checkpoint

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/echoforge/pkg/memory"
)

// Version is the checkpoint format tag.
const Version = 1

// namespace seeds every [ExternalID].
var namespace = uuid.MustParse("5f0c3c8e-8d2a-4b8e-9a57-2b6e1f1b7d40")

// ThreadKey addresses one conversation thread. A nil Session matches every
// session of the thread.
type ThreadKey struct {
	Character string
	Thread    string
	Session   *string
}

// Filter converts the key into the store filter it addresses.
func (k ThreadKey) Filter() memory.Filter {
	return memory.ThreadFilter(k.Character, k.Thread, k.Session)
}

// ChannelValues is the state payload carried by a [Checkpoint].
type ChannelValues struct {
	ConversationSummary string  `json:"conversation_summary"`
	MessagesCount       int     `json:"messages_count"`
	CharacterName       string  `json:"character_name"`
	SessionID           *string `json:"session_id"`
	ThreadID            string  `json:"thread_id"`
}

// Checkpoint is the versioned view of one stored summary.
type Checkpoint struct {
	ID        string        `json:"id"`
	Version   int           `json:"v"`
	Timestamp time.Time     `json:"ts"`
	Values    ChannelValues `json:"channel_values"`
}

// ExternalID derives the stable checkpoint identifier of a summary row. The
// same (character, rowID) always yields the same UUIDv5.
func ExternalID(character string, rowID int64) string {
	return uuid.NewSHA1(namespace, []byte(character+":"+strconv.FormatInt(rowID, 10))).String()
}

// FromSummary builds the checkpoint view of s.
func FromSummary(s memory.Summary) Checkpoint {
	ts := s.CreatedAt
	if ts.IsZero() {
		ts = s.EndTime
	}
	return Checkpoint{
		ID:        ExternalID(s.CharacterName, s.ID),
		Version:   Version,
		Timestamp: ts,
		Values: ChannelValues{
			ConversationSummary: s.Text,
			MessagesCount:       s.MessagesCount,
			CharacterName:       s.CharacterName,
			SessionID:           s.SessionID,
			ThreadID:            s.ThreadID,
		},
	}
}

// Saver is the checkpoint contract shared by [Adapter] and [Noop].
//
// Reads never fail on storage problems: they log and return empty results.
// Writes are accepted and discarded since summaries are persisted by the
// memory manager.
type Saver interface {
	// Get returns the newest checkpoint of key, or nil when there is none.
	Get(ctx context.Context, key ThreadKey) (*Checkpoint, error)

	// List returns up to limit checkpoints of key, newest first. A limit
	// ≤ 0 returns all of them.
	List(ctx context.Context, key ThreadKey, limit int) ([]Checkpoint, error)

	// Put accepts a checkpoint write and discards it.
	Put(ctx context.Context, key ThreadKey, cp Checkpoint) error

	// ListSessionIDs returns the distinct sessions owning at least one
	// checkpoint.
	ListSessionIDs(ctx context.Context) ([]string, error)

	// Enabled reports whether reads are served from durable storage.
	Enabled() bool
}
