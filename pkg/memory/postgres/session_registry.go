package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/echoforge/pkg/memory"
)

const sessionColumns = `session_id, session_name, player_data, game_state, last_character_talked,
       messages_count, is_active, is_completed, created_at, updated_at, last_played_at`

// TouchSession implements [memory.SessionRegistry].
func (s *Store) TouchSession(ctx context.Context, sessionID, character string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	const q = `
		INSERT INTO game_sessions
		    (session_id, last_character_talked, messages_count, created_at, updated_at, last_played_at)
		VALUES ($1, $2, 1, $3, $3, $3)
		ON CONFLICT (session_id) DO UPDATE SET
		    last_character_talked = EXCLUDED.last_character_talked,
		    messages_count        = game_sessions.messages_count + 1,
		    updated_at            = EXCLUDED.updated_at,
		    last_played_at        = EXCLUDED.last_played_at`

	if _, err := s.pool.Exec(ctx, q, sessionID, character, at); err != nil {
		return fmt.Errorf("session registry: touch %q: %w", sessionID, err)
	}
	return nil
}

// Session implements [memory.SessionRegistry].
func (s *Store) Session(ctx context.Context, sessionID string) (*memory.GameSession, error) {
	q := "SELECT " + sessionColumns + " FROM game_sessions WHERE session_id = $1"

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session registry: get %q: %w", sessionID, err)
	}
	gs, err := pgx.CollectExactlyOneRow(rows, scanGameSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session registry: scan %q: %w", sessionID, err)
	}
	return &gs, nil
}

// ListSessions implements [memory.SessionRegistry].
func (s *Store) ListSessions(ctx context.Context, activeOnly bool, limit int) ([]memory.GameSession, error) {
	var args []any
	q := "SELECT " + sessionColumns + " FROM game_sessions"
	if activeOnly {
		q += " WHERE is_active"
	}
	q += " ORDER BY last_played_at DESC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session registry: list: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanGameSession)
	if err != nil {
		return nil, fmt.Errorf("session registry: scan list: %w", err)
	}
	if sessions == nil {
		sessions = []memory.GameSession{}
	}
	return sessions, nil
}

// AppendEvent implements [memory.SessionRegistry]. The owning session row is
// created if it does not exist yet so that events never violate the foreign
// key.
func (s *Store) AppendEvent(ctx context.Context, e memory.SessionEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session registry: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO game_sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`,
		e.SessionID,
	); err != nil {
		return fmt.Errorf("session registry: ensure session %q: %w", e.SessionID, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4)`,
		e.SessionID, e.Type, jsonObject(e.Data), e.CreatedAt,
	); err != nil {
		return fmt.Errorf("session registry: append event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session registry: commit: %w", err)
	}
	return nil
}

// Events implements [memory.SessionRegistry].
func (s *Store) Events(ctx context.Context, sessionID string, limit int) ([]memory.SessionEvent, error) {
	args := []any{sessionID}
	q := `SELECT id, session_id, event_type, event_data, created_at
	      FROM   session_events
	      WHERE  session_id = $1
	      ORDER  BY created_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session registry: events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SessionEvent, error) {
		var e memory.SessionEvent
		err := row.Scan(&e.ID, &e.SessionID, &e.Type, &e.Data, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("session registry: scan events: %w", err)
	}
	if events == nil {
		events = []memory.SessionEvent{}
	}
	return events, nil
}

func scanGameSession(row pgx.CollectableRow) (memory.GameSession, error) {
	var gs memory.GameSession
	err := row.Scan(
		&gs.SessionID,
		&gs.Name,
		&gs.PlayerData,
		&gs.GameState,
		&gs.LastCharacterTalked,
		&gs.MessagesCount,
		&gs.Active,
		&gs.Completed,
		&gs.CreatedAt,
		&gs.UpdatedAt,
		&gs.LastPlayedAt,
	)
	return gs, err
}
