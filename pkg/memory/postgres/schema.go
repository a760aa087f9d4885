// Package postgres keeps the EchoForge memory model in PostgreSQL:
// conversation windows, game sessions and the embedded knowledge index.
//
// The schema is versioned. [Migrate] applies every step the database has
// not seen yet, inside one transaction guarded by an advisory lock, so
// several replicas may start at once. The knowledge index needs the
// pgvector extension, which the migration installs.
//
//	store, err := postgres.NewStore(ctx, dsn, postgres.WithEmbeddingDimensions(768))
//	id, err := store.SaveWindow(ctx, window)
//	sums, err := store.Summaries(ctx, memory.ThreadFilter("Fathira", "t1", nil), 3)
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDimensionMismatch means the knowledge index was created for another
// embedding length than the one configured.
var ErrDimensionMismatch = errors.New("postgres: embedding dimensions do not match the knowledge index")

// migrationLock is the pg_advisory_xact_lock key serialising migrations.
const migrationLock int64 = 0x6563686f666f7267

// ─── Conversation memory ───

const ddlConversation = `
CREATE TABLE IF NOT EXISTS conversation_summaries (
    id                BIGSERIAL    PRIMARY KEY,
    character_name    TEXT         NOT NULL,
    thread_id         TEXT         NOT NULL,
    session_id        TEXT,
    summary_text      TEXT         NOT NULL,
    messages_count    INTEGER      NOT NULL,
    start_timestamp   TIMESTAMPTZ  NOT NULL,
    end_timestamp     TIMESTAMPTZ  NOT NULL,
    trigger_type      TEXT         NOT NULL,
    trigger_metadata  JSONB        NOT NULL DEFAULT '{}',
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_summaries_thread
    ON conversation_summaries (character_name, thread_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_summaries_session
    ON conversation_summaries (session_id);

CREATE TABLE IF NOT EXISTS conversation_messages (
    id                BIGSERIAL    PRIMARY KEY,
    character_name    TEXT         NOT NULL,
    thread_id         TEXT         NOT NULL,
    session_id        TEXT,
    role              TEXT         NOT NULL,
    content           TEXT         NOT NULL,
    message_metadata  JSONB        NOT NULL DEFAULT '{}',
    sequence_number   BIGINT       NOT NULL,
    is_summarized     BOOLEAN      NOT NULL DEFAULT false,
    summary_id        BIGINT       REFERENCES conversation_summaries (id) ON DELETE SET NULL,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_thread
    ON conversation_messages (character_name, thread_id, sequence_number);

CREATE INDEX IF NOT EXISTS idx_messages_session
    ON conversation_messages (session_id);
`

// ─── Game sessions ───

const ddlGameSessions = `
CREATE TABLE IF NOT EXISTS game_sessions (
    session_id             TEXT         PRIMARY KEY,
    session_name           TEXT         NOT NULL DEFAULT '',
    player_data            JSONB        NOT NULL DEFAULT '{}',
    game_state             JSONB        NOT NULL DEFAULT '{}',
    last_character_talked  TEXT         NOT NULL DEFAULT '',
    messages_count         INTEGER      NOT NULL DEFAULT 0,
    is_active              BOOLEAN      NOT NULL DEFAULT true,
    is_completed           BOOLEAN      NOT NULL DEFAULT false,
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_played_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_events (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES game_sessions (session_id) ON DELETE CASCADE,
    event_type  TEXT         NOT NULL,
    event_data  JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_events_session
    ON session_events (session_id, created_at DESC);
`

// ─── Knowledge index ───

const ddlKnowledge = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_chunks (
    id          TEXT         PRIMARY KEY,
    scope       TEXT         NOT NULL,
    source      TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    metadata    JSONB        NOT NULL DEFAULT '{}',
    indexed_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_scope
    ON knowledge_chunks (scope);

CREATE INDEX IF NOT EXISTS idx_knowledge_embedding
    ON knowledge_chunks USING hnsw (embedding vector_cosine_ops);
`

const ddlMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER      PRIMARY KEY,
    name        TEXT         NOT NULL,
    applied_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// migration is one schema step. Steps are never edited once released;
// changes go into a new step.
type migration struct {
	version int
	name    string
	ddl     string
	sized   bool // ddl holds one %d for the embedding dimensions
}

var migrations = []migration{
	{1, "conversation memory", ddlConversation, false},
	{2, "game sessions", ddlGameSessions, false},
	{3, "knowledge index", ddlKnowledge, true},
}

func (m migration) statement(dims int) string {
	if m.sized {
		return fmt.Sprintf(m.ddl, dims)
	}
	return m.ddl
}

// Migrate applies the pending schema steps and checks that the knowledge
// index stores vectors of length dims.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLock); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		if _, err := tx.Exec(ctx, ddlMigrations); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, "SELECT version FROM schema_migrations")
		if err != nil {
			return err
		}
		done, err := pgx.CollectRows(rows, pgx.RowTo[int])
		if err != nil {
			return err
		}
		for _, m := range pending(done) {
			if _, err := tx.Exec(ctx, m.statement(dims)); err != nil {
				return fmt.Errorf("step %d (%s): %w", m.version, m.name, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.version, m.name); err != nil {
				return err
			}
		}
		return checkDimensions(ctx, tx, dims)
	})
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// pending returns the steps whose versions are not in done, in order.
func pending(done []int) []migration {
	applied := make(map[int]bool, len(done))
	for _, v := range done {
		applied[v] = true
	}
	var out []migration
	for _, m := range migrations {
		if !applied[m.version] {
			out = append(out, m)
		}
	}
	return out
}

// checkDimensions compares dims with the type modifier of the embedding
// column, which pgvector sets to the vector length.
func checkDimensions(ctx context.Context, tx pgx.Tx, dims int) error {
	var have int
	err := tx.QueryRow(ctx, `
SELECT atttypmod FROM pg_attribute
WHERE attrelid = 'knowledge_chunks'::regclass AND attname = 'embedding'`).Scan(&have)
	if err != nil {
		return fmt.Errorf("read embedding column: %w", err)
	}
	if have > 0 && have != dims {
		return fmt.Errorf("%w: index has %d, configured %d", ErrDimensionMismatch, have, dims)
	}
	return nil
}
