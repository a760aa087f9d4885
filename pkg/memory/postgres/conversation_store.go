package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/echoforge/pkg/memory"
)

// SaveWindow implements [memory.ConversationStore]. The summary and every
// message are written inside one transaction. A transaction-scoped advisory
// lock keyed by (character, thread) serialises sequence number assignment
// across processes.
func (s *Store) SaveWindow(ctx context.Context, w memory.Window) (int64, error) {
	sum := w.Summary
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("conversation store: begin: %w", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		sum.CharacterName+"\x00"+sum.ThreadID,
	); err != nil {
		return 0, fmt.Errorf("conversation store: lock thread: %w", err)
	}

	const insertSummary = `
		INSERT INTO conversation_summaries
		    (character_name, thread_id, session_id, summary_text, messages_count,
		     start_timestamp, end_timestamp, trigger_type, trigger_metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	var summaryID int64
	if err := tx.QueryRow(ctx, insertSummary,
		sum.CharacterName,
		sum.ThreadID,
		sum.SessionID,
		sum.Text,
		sum.MessagesCount,
		sum.StartTime,
		sum.EndTime,
		string(sum.TriggerKind),
		jsonObject(sum.TriggerMetadata),
		sum.CreatedAt,
	).Scan(&summaryID); err != nil {
		return 0, fmt.Errorf("conversation store: insert summary: %w", err)
	}

	if len(w.Messages) > 0 {
		var seq int64
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(sequence_number), 0)
			FROM   conversation_messages
			WHERE  character_name = $1 AND thread_id = $2`,
			sum.CharacterName, sum.ThreadID,
		).Scan(&seq); err != nil {
			return 0, fmt.Errorf("conversation store: next sequence: %w", err)
		}

		const insertMessage = `
			INSERT INTO conversation_messages
			    (character_name, thread_id, session_id, role, content, message_metadata,
			     sequence_number, is_summarized, summary_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, $9)`

		batch := &pgx.Batch{}
		for _, m := range w.Messages {
			if m.Sequence == 0 {
				seq++
				m.Sequence = seq
			}
			if m.CreatedAt.IsZero() {
				m.CreatedAt = sum.CreatedAt
			}
			batch.Queue(insertMessage,
				m.CharacterName,
				m.ThreadID,
				m.SessionID,
				string(m.Role),
				m.Content,
				jsonObject(m.Metadata),
				m.Sequence,
				summaryID,
				m.CreatedAt,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range w.Messages {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return 0, fmt.Errorf("conversation store: insert message: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return 0, fmt.Errorf("conversation store: close batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("conversation store: commit: %w", err)
	}
	return summaryID, nil
}

// Summaries implements [memory.ConversationStore].
func (s *Store) Summaries(ctx context.Context, f memory.Filter, limit int) ([]memory.Summary, error) {
	where, args := filterClause(f)

	q := "SELECT id, character_name, thread_id, session_id, summary_text, messages_count,\n" +
		"       start_timestamp, end_timestamp, trigger_type, trigger_metadata, created_at\n" +
		"FROM   conversation_summaries\n" +
		"WHERE  " + where + "\n" +
		"ORDER  BY created_at DESC, id DESC"

	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation store: summaries: %w", err)
	}

	sums, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Summary, error) {
		var (
			sm   memory.Summary
			kind string
		)
		if err := row.Scan(
			&sm.ID,
			&sm.CharacterName,
			&sm.ThreadID,
			&sm.SessionID,
			&sm.Text,
			&sm.MessagesCount,
			&sm.StartTime,
			&sm.EndTime,
			&kind,
			&sm.TriggerMetadata,
			&sm.CreatedAt,
		); err != nil {
			return memory.Summary{}, err
		}
		sm.TriggerKind = memory.TriggerKind(kind)
		return sm, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan summaries: %w", err)
	}
	if sums == nil {
		sums = []memory.Summary{}
	}
	return sums, nil
}

// CountMessages implements [memory.ConversationStore].
func (s *Store) CountMessages(ctx context.Context, f memory.Filter) (int, error) {
	where, args := filterClause(f)
	q := "SELECT count(*) FROM conversation_messages WHERE " + where

	var n int
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("conversation store: count messages: %w", err)
	}
	return n, nil
}

// CountSummaries implements [memory.ConversationStore].
func (s *Store) CountSummaries(ctx context.Context, f memory.Filter) (int, error) {
	where, args := filterClause(f)
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM conversation_summaries WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("conversation store: count summaries: %w", err)
	}
	return n, nil
}

// SessionIDs implements [memory.ConversationStore].
func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	const q = `
		SELECT DISTINCT session_id
		FROM   conversation_summaries
		WHERE  session_id IS NOT NULL
		ORDER  BY session_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("conversation store: session ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan session ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// DeleteThread implements [memory.ConversationStore].
func (s *Store) DeleteThread(ctx context.Context, character, thread string, keepSummaries bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_messages WHERE character_name = $1 AND thread_id = $2`,
		character, thread,
	); err != nil {
		return fmt.Errorf("conversation store: delete messages: %w", err)
	}
	if !keepSummaries {
		if _, err := tx.Exec(ctx,
			`DELETE FROM conversation_summaries WHERE character_name = $1 AND thread_id = $2`,
			character, thread,
		); err != nil {
			return fmt.Errorf("conversation store: delete summaries: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation store: commit: %w", err)
	}
	return nil
}

// filterClause renders f as a WHERE clause with positional arguments. The
// session condition is omitted entirely when f.SessionID is nil, so an absent
// session never degenerates into "session_id IS NULL".
func filterClause(f memory.Filter) (string, []any) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"character_name = " + next(f.CharacterName),
		"thread_id = " + next(f.ThreadID),
	}
	if f.SessionID != nil {
		conditions = append(conditions, "session_id = "+next(*f.SessionID))
	}
	return strings.Join(conditions, "\n  AND  "), args
}
