package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echoforge/pkg/memory"
)

// Defaults applied by [NewManager] for zero-valued [Config] fields.
const (
	DefaultMaxMessagesWithoutSummary = 10
	DefaultKeepRecentMessages        = 3
	DefaultMaxContextSummaries       = 3
)

// DefaultFarewellTriggers is the farewell trigger class used when
// [Config.FarewellTriggers] is empty.
var DefaultFarewellTriggers = []string{"farewell", "goodbye", "bye"}

// Config tunes the summarisation policy of a [Manager].
type Config struct {
	// MaxMessagesWithoutSummary is the working-history length (in exchanges)
	// at which a summary is written.
	MaxMessagesWithoutSummary int

	// KeepRecentMessages is how many exchanges survive truncation.
	KeepRecentMessages int

	// MaxContextSummaries caps the summaries loaded into a turn's context.
	MaxContextSummaries int

	// FarewellTriggers names the input triggers that end a conversation and
	// force a summary regardless of length.
	FarewellTriggers []string
}

func (c Config) withDefaults() Config {
	if c.MaxMessagesWithoutSummary <= 0 {
		c.MaxMessagesWithoutSummary = DefaultMaxMessagesWithoutSummary
	}
	if c.KeepRecentMessages <= 0 {
		c.KeepRecentMessages = DefaultKeepRecentMessages
	}
	if c.MaxContextSummaries <= 0 {
		c.MaxContextSummaries = DefaultMaxContextSummaries
	}
	if len(c.FarewellTriggers) == 0 {
		c.FarewellTriggers = DefaultFarewellTriggers
	}
	return c
}

// Decision is the outcome of [Manager.ShouldSummarize].
type Decision struct {
	Summarize bool
	Kind      memory.TriggerKind
	Reason    string

	// Metadata is stored with the summary as its trigger metadata.
	Metadata map[string]any
}

// Context is the memory loaded at the start of a turn.
type Context struct {
	// Summaries are the most recent summaries, newest first.
	Summaries []memory.Summary

	// TotalInteractions counts the persisted message rows.
	TotalInteractions int
}

// SummaryError reports a failed summarisation. Summary is still fully
// populated with placeholder text so the window can be persisted anyway.
type SummaryError struct {
	Summary memory.Summary
	Err     error
}

func (e *SummaryError) Error() string {
	return fmt.Sprintf("session: summarise %s/%s: %v", e.Summary.CharacterName, e.Summary.ThreadID, e.Err)
}

func (e *SummaryError) Unwrap() error { return e.Err }

// FallbackSummaryText is the placeholder stored when summarisation fails.
func FallbackSummaryText(character string, exchanges int) string {
	return fmt.Sprintf("conversation with %s — %d exchanges", character, exchanges)
}

// Manager decides when working histories are summarised and moves them into
// durable storage.
//
// No storage-touching method returns an error. Failures are logged, the
// manager is marked as degraded and the empty result is returned so that a
// turn is never lost to a memory problem.
//
// All methods are safe for concurrent use.
type Manager struct {
	store      memory.ConversationStore
	summariser Summariser
	cfg        Config

	persist  atomic.Bool
	degraded atomic.Bool
}

// NewManager creates a [Manager]. A nil store yields a manager whose
// persistence is permanently off.
func NewManager(store memory.ConversationStore, summariser Summariser, cfg Config) *Manager {
	m := &Manager{
		store:      store,
		summariser: summariser,
		cfg:        cfg.withDefaults(),
	}
	m.persist.Store(store != nil)
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// SetPersistence turns durable reads and writes on or off. Enabling has no
// effect without a store.
func (m *Manager) SetPersistence(enabled bool) {
	m.persist.Store(enabled && m.store != nil)
}

// Persistent reports whether reads and writes reach the store.
func (m *Manager) Persistent() bool { return m.persist.Load() }

// IsDegraded reports whether the most recent store operation failed.
func (m *Manager) IsDegraded() bool { return m.degraded.Load() }

// ShouldSummarize applies the summarisation policy. An accepted farewell
// trigger wins over the length threshold.
func (m *Manager) ShouldSummarize(accepted []string, historyLen int) Decision {
	for _, name := range accepted {
		if m.isFarewell(name) {
			return Decision{
				Summarize: true,
				Kind:      memory.TriggerExplicitFarewell,
				Reason:    "farewell trigger " + name,
				Metadata:  map[string]any{"trigger": name, "history_length": historyLen},
			}
		}
	}
	if historyLen >= m.cfg.MaxMessagesWithoutSummary {
		return Decision{
			Summarize: true,
			Kind:      memory.TriggerLengthThreshold,
			Reason:    fmt.Sprintf("history reached %d exchanges", historyLen),
			Metadata:  map[string]any{"threshold": m.cfg.MaxMessagesWithoutSummary, "history_length": historyLen},
		}
	}
	return Decision{}
}

func (m *Manager) isFarewell(name string) bool {
	return slices.ContainsFunc(m.cfg.FarewellTriggers, func(f string) bool {
		return strings.EqualFold(f, name)
	})
}

// CreateSummary condenses history into a [memory.Summary]. MessagesCount is
// the number of exchanges covered. When the summariser fails or is absent
// the returned error is a [*SummaryError] whose Summary carries placeholder
// text; the first return value is that same summary.
func (m *Manager) CreateSummary(ctx context.Context, history []Exchange, character, thread string, session *string) (memory.Summary, error) {
	now := time.Now().UTC()
	s := memory.Summary{
		CharacterName: character,
		ThreadID:      thread,
		SessionID:     session,
		MessagesCount: len(history),
		StartTime:     now,
		EndTime:       now,
	}
	if len(history) > 0 {
		if ts := history[0].Timestamp; !ts.IsZero() {
			s.StartTime = ts
		}
		if ts := history[len(history)-1].Timestamp; !ts.IsZero() {
			s.EndTime = ts
		}
	}

	var (
		text string
		err  error
	)
	if m.summariser == nil {
		err = fmt.Errorf("no summariser configured")
	} else {
		text, err = m.summariser.Summarise(ctx, transcript(history, character))
	}
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("summariser returned no text")
	}
	if err != nil {
		s.Text = FallbackSummaryText(character, len(history))
		return s, &SummaryError{Summary: s, Err: err}
	}
	s.Text = text
	return s, nil
}

// SaveWindow persists summary and messages atomically. Every message is
// tagged with the summary's character, thread and session. It returns the
// stored summary ID and whether the write committed.
func (m *Manager) SaveWindow(ctx context.Context, summary memory.Summary, messages []memory.Message) (int64, bool) {
	if !m.Persistent() {
		return 0, false
	}
	tagged := make([]memory.Message, len(messages))
	for i, msg := range messages {
		msg.CharacterName = summary.CharacterName
		msg.ThreadID = summary.ThreadID
		msg.SessionID = summary.SessionID
		tagged[i] = msg
	}

	id, err := m.store.SaveWindow(ctx, memory.Window{Summary: summary, Messages: tagged})
	if err != nil {
		m.degraded.Store(true)
		slog.Warn("memory manager: SaveWindow failed, window not persisted",
			"character", summary.CharacterName,
			"thread", summary.ThreadID,
			"session", memory.SessionValue(summary.SessionID),
			"error", err,
		)
		return 0, false
	}
	m.degraded.Store(false)
	return id, true
}

// SaveMessages persists history as the messages absorbed by summary.
func (m *Manager) SaveMessages(ctx context.Context, summary memory.Summary, history []Exchange) (int64, bool) {
	return m.SaveWindow(ctx, summary, ToMessages(history, summary.CharacterName, summary.ThreadID, summary.SessionID))
}

// SaveSummary persists a summary without messages.
func (m *Manager) SaveSummary(ctx context.Context, summary memory.Summary) (int64, bool) {
	return m.SaveWindow(ctx, summary, nil)
}

// Truncate keeps the last KeepRecentMessages exchanges. The input slice is
// never modified.
func (m *Manager) Truncate(history []Exchange) []Exchange {
	return Tail(history, m.cfg.KeepRecentMessages)
}

// Tail returns a copy of the last n exchanges of history.
func Tail(history []Exchange, n int) []Exchange {
	if n < 0 {
		n = 0
	}
	if len(history) <= n {
		return slices.Clone(history)
	}
	return slices.Clone(history[len(history)-n:])
}

// GetContext loads up to maxSummaries summaries (newest first) and the
// persisted message count for one thread. A nil session does not filter by
// session. A maxSummaries ≤ 0 uses the configured default.
func (m *Manager) GetContext(ctx context.Context, character, thread string, session *string, maxSummaries int) Context {
	empty := Context{Summaries: []memory.Summary{}}
	if !m.Persistent() {
		return empty
	}
	if maxSummaries <= 0 {
		maxSummaries = m.cfg.MaxContextSummaries
	}
	f := memory.ThreadFilter(character, thread, session)

	sums, err := m.store.Summaries(ctx, f, maxSummaries)
	if err != nil {
		m.warnRead("Summaries", f, err)
		return empty
	}
	n, err := m.store.CountMessages(ctx, f)
	if err != nil {
		m.warnRead("CountMessages", f, err)
		return Context{Summaries: sums}
	}
	m.degraded.Store(false)
	return Context{Summaries: sums, TotalInteractions: n}
}

// Summaries returns up to limit summaries of one thread, newest first, or an
// empty slice.
func (m *Manager) Summaries(ctx context.Context, character, thread string, session *string, limit int) []memory.Summary {
	if !m.Persistent() {
		return []memory.Summary{}
	}
	if limit <= 0 {
		limit = m.cfg.MaxContextSummaries
	}
	f := memory.ThreadFilter(character, thread, session)
	sums, err := m.store.Summaries(ctx, f, limit)
	if err != nil {
		m.warnRead("Summaries", f, err)
		return []memory.Summary{}
	}
	return sums
}

// CountMessages returns the persisted message count for one thread, or 0.
func (m *Manager) CountMessages(ctx context.Context, character, thread string, session *string) int {
	if !m.Persistent() {
		return 0
	}
	f := memory.ThreadFilter(character, thread, session)
	n, err := m.store.CountMessages(ctx, f)
	if err != nil {
		m.warnRead("CountMessages", f, err)
		return 0
	}
	return n
}

// CountSummaries returns the stored summary count for one thread, or 0.
func (m *Manager) CountSummaries(ctx context.Context, character, thread string, session *string) int {
	if !m.Persistent() {
		return 0
	}
	f := memory.ThreadFilter(character, thread, session)
	n, err := m.store.CountSummaries(ctx, f)
	if err != nil {
		m.warnRead("CountSummaries", f, err)
		return 0
	}
	return n
}

func (m *Manager) warnRead(op string, f memory.Filter, err error) {
	m.degraded.Store(true)
	slog.Warn("memory manager: "+op+" failed, returning empty",
		"character", f.CharacterName,
		"thread", f.ThreadID,
		"session", memory.SessionValue(f.SessionID),
		"error", err,
	)
}

// SummaryOverview is one entry of a [HistoryOverview].
type SummaryOverview struct {
	ID            int64              `json:"id"`
	Text          string             `json:"summary"`
	MessagesCount int                `json:"messagesCount"`
	TriggerKind   memory.TriggerKind `json:"triggerType"`
	SessionID     *string            `json:"sessionId"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// HistoryOverview describes the stored memory of one thread.
type HistoryOverview struct {
	Character         string            `json:"characterName"`
	Thread            string            `json:"threadId"`
	TotalSummaries    int               `json:"totalSummaries"`
	TotalMessages     int               `json:"totalMessages"`
	Summaries         []SummaryOverview `json:"summaries"`
	FirstConversation *time.Time        `json:"firstConversation,omitempty"`
	LastConversation  *time.Time        `json:"lastConversation,omitempty"`
}

// DefaultHistorySummaries is the number of summaries listed by
// [Manager.HistorySummary] when limit ≤ 0.
const DefaultHistorySummaries = 5

// HistorySummary returns an overview of a thread across all sessions: the
// newest limit summaries, totals and the first and last conversation times.
func (m *Manager) HistorySummary(ctx context.Context, character, thread string, limit int) HistoryOverview {
	if limit <= 0 {
		limit = DefaultHistorySummaries
	}
	ov := HistoryOverview{Character: character, Thread: thread, Summaries: []SummaryOverview{}}
	if !m.Persistent() {
		return ov
	}

	f := memory.ThreadFilter(character, thread, nil)
	all, err := m.store.Summaries(ctx, f, 0)
	if err != nil {
		m.warnRead("Summaries", f, err)
		return ov
	}
	ov.TotalSummaries = len(all)
	ov.TotalMessages = m.CountMessages(ctx, character, thread, nil)

	for i, s := range all {
		if i < limit {
			ov.Summaries = append(ov.Summaries, SummaryOverview{
				ID:            s.ID,
				Text:          s.Text,
				MessagesCount: s.MessagesCount,
				TriggerKind:   s.TriggerKind,
				SessionID:     s.SessionID,
				CreatedAt:     s.CreatedAt,
			})
		}
	}
	if len(all) > 0 {
		// all is newest first.
		first, last := all[len(all)-1].CreatedAt, all[0].CreatedAt
		ov.FirstConversation, ov.LastConversation = &first, &last
	}
	return ov
}

// ClearThread deletes the stored messages of a thread and, unless
// keepSummaries is set, its summaries. It reports whether the delete ran.
func (m *Manager) ClearThread(ctx context.Context, character, thread string, keepSummaries bool) bool {
	if !m.Persistent() {
		return false
	}
	if err := m.store.DeleteThread(ctx, character, thread, keepSummaries); err != nil {
		m.degraded.Store(true)
		slog.Warn("memory manager: DeleteThread failed",
			"character", character,
			"thread", thread,
			"error", err,
		)
		return false
	}
	m.degraded.Store(false)
	return true
}
