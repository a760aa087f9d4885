package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echoforge/pkg/memory"
)

// Session event types written by [Tracker.LogEvent].
const (
	EventTrigger = "trigger"
	EventEffect  = "effect"
	EventSummary = "summary"
)

// Tracker records game-session activity. Like [Manager] it never returns
// errors; failures are logged and swallowed.
type Tracker struct {
	registry memory.SessionRegistry
	enabled  atomic.Bool
}

// NewTracker creates a [Tracker]. A nil registry disables tracking.
func NewTracker(registry memory.SessionRegistry) *Tracker {
	t := &Tracker{registry: registry}
	t.enabled.Store(registry != nil)
	return t
}

// SetEnabled toggles tracking. Enabling has no effect without a registry.
func (t *Tracker) SetEnabled(enabled bool) {
	t.enabled.Store(enabled && t.registry != nil)
}

// Touch records that character answered one more message in sessionID.
// Empty session identifiers are ignored.
func (t *Tracker) Touch(ctx context.Context, sessionID, character string) {
	if sessionID == "" || !t.enabled.Load() {
		return
	}
	if err := t.registry.TouchSession(ctx, sessionID, character, time.Now().UTC()); err != nil {
		slog.Warn("session tracker: touch failed", "session", sessionID, "character", character, "error", err)
	}
}

// LogEvent appends an event to sessionID's audit log.
func (t *Tracker) LogEvent(ctx context.Context, sessionID, eventType string, data map[string]any) {
	if sessionID == "" || !t.enabled.Load() {
		return
	}
	err := t.registry.AppendEvent(ctx, memory.SessionEvent{
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
	})
	if err != nil {
		slog.Warn("session tracker: log event failed", "session", sessionID, "type", eventType, "error", err)
	}
}

// Sessions lists sessions, most recently played first.
func (t *Tracker) Sessions(ctx context.Context, activeOnly bool, limit int) []memory.GameSession {
	if !t.enabled.Load() {
		return []memory.GameSession{}
	}
	list, err := t.registry.ListSessions(ctx, activeOnly, limit)
	if err != nil {
		slog.Warn("session tracker: list failed", "error", err)
		return []memory.GameSession{}
	}
	return list
}

// Events returns the newest events of sessionID.
func (t *Tracker) Events(ctx context.Context, sessionID string, limit int) []memory.SessionEvent {
	if sessionID == "" || !t.enabled.Load() {
		return []memory.SessionEvent{}
	}
	events, err := t.registry.Events(ctx, sessionID, limit)
	if err != nil {
		slog.Warn("session tracker: events failed", "session", sessionID, "error", err)
		return []memory.SessionEvent{}
	}
	return events
}
