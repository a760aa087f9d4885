// Package mock provides an in-memory test double for the memory layer
// interfaces.
//
// [Store] is stateful: saved windows are kept and answered by later queries,
// so scenario tests can drive several turns against it. Every method call is
// recorded for assertion and each method has an exported *Err field that,
// when non-nil, is returned instead of touching the state. Store is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := mock.NewStore()
//	store.SaveWindowErr = errors.New("disk full")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("SaveWindow"); got != 1 {
//	    t.Errorf("expected 1 SaveWindow call, got %d", got)
//	}
package mock

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/echoforge/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.ConversationStore = (*Store)(nil)
	_ memory.SessionRegistry   = (*Store)(nil)
	_ memory.KnowledgeIndex    = (*Store)(nil)
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a stateful, configurable test double implementing
// [memory.ConversationStore], [memory.SessionRegistry] and
// [memory.KnowledgeIndex].
type Store struct {
	mu    sync.Mutex
	calls []Call

	nextSummaryID int64
	nextMessageID int64
	nextEventID   int64

	summaries []memory.Summary
	messages  []memory.Message
	sessions  map[string]*memory.GameSession
	events    []memory.SessionEvent
	chunks    map[string]memory.KnowledgeChunk

	// Error injection. A non-nil value is returned by the matching method.
	SaveWindowErr      error
	SummariesErr       error
	CountMessagesErr   error
	CountSummariesErr  error
	SessionIDsErr      error
	DeleteThreadErr    error
	PingErr            error
	TouchSessionErr    error
	SessionErr         error
	ListSessionsErr    error
	AppendEventErr     error
	EventsErr          error
	UpsertChunksErr    error
	SearchKnowledgeErr error

	// SearchResults, when non-nil, is returned by SearchKnowledge for the
	// matching scope instead of computing distances over stored chunks.
	SearchResults map[string][]memory.KnowledgeResult
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*memory.GameSession),
		chunks:   make(map[string]memory.KnowledgeChunk),
	}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored state or error
// configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Messages returns a copy of every stored message.
func (m *Store) Messages() []memory.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.messages)
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// ─────────────────────────────────────────────────────────────────────────────
// ConversationStore
// ─────────────────────────────────────────────────────────────────────────────

// SaveWindow implements [memory.ConversationStore]. With SaveWindowErr set
// nothing is stored.
func (m *Store) SaveWindow(_ context.Context, w memory.Window) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveWindow", w)
	if m.SaveWindowErr != nil {
		return 0, m.SaveWindowErr
	}

	m.nextSummaryID++
	sum := w.Summary
	sum.ID = m.nextSummaryID
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	m.summaries = append(m.summaries, sum)

	var seq int64
	for _, msg := range m.messages {
		if msg.CharacterName == sum.CharacterName && msg.ThreadID == sum.ThreadID {
			seq = max(seq, msg.Sequence)
		}
	}
	for _, msg := range w.Messages {
		m.nextMessageID++
		msg.ID = m.nextMessageID
		if msg.Sequence == 0 {
			seq++
			msg.Sequence = seq
		}
		id := sum.ID
		msg.SummaryID = &id
		msg.IsSummarized = true
		m.messages = append(m.messages, msg)
	}
	return sum.ID, nil
}

// Summaries implements [memory.ConversationStore].
func (m *Store) Summaries(_ context.Context, f memory.Filter, limit int) ([]memory.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Summaries", f, limit)
	if m.SummariesErr != nil {
		return nil, m.SummariesErr
	}

	out := []memory.Summary{}
	for i := len(m.summaries) - 1; i >= 0; i-- {
		s := m.summaries[i]
		if !f.Matches(s.CharacterName, s.ThreadID, s.SessionID) {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CountMessages implements [memory.ConversationStore].
func (m *Store) CountMessages(_ context.Context, f memory.Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CountMessages", f)
	if m.CountMessagesErr != nil {
		return 0, m.CountMessagesErr
	}
	n := 0
	for _, msg := range m.messages {
		if f.Matches(msg.CharacterName, msg.ThreadID, msg.SessionID) {
			n++
		}
	}
	return n, nil
}

// CountSummaries implements [memory.ConversationStore].
func (m *Store) CountSummaries(_ context.Context, f memory.Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CountSummaries", f)
	if m.CountSummariesErr != nil {
		return 0, m.CountSummariesErr
	}
	n := 0
	for _, s := range m.summaries {
		if f.Matches(s.CharacterName, s.ThreadID, s.SessionID) {
			n++
		}
	}
	return n, nil
}

// SessionIDs implements [memory.ConversationStore].
func (m *Store) SessionIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SessionIDs")
	if m.SessionIDsErr != nil {
		return nil, m.SessionIDsErr
	}
	ids := []string{}
	for _, s := range m.summaries {
		if s.SessionID != nil && !slices.Contains(ids, *s.SessionID) {
			ids = append(ids, *s.SessionID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// DeleteThread implements [memory.ConversationStore].
func (m *Store) DeleteThread(_ context.Context, character, thread string, keepSummaries bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteThread", character, thread, keepSummaries)
	if m.DeleteThreadErr != nil {
		return m.DeleteThreadErr
	}
	inThread := func(c, t string) bool { return c == character && t == thread }
	m.messages = slices.DeleteFunc(m.messages, func(msg memory.Message) bool {
		return inThread(msg.CharacterName, msg.ThreadID)
	})
	if !keepSummaries {
		m.summaries = slices.DeleteFunc(m.summaries, func(s memory.Summary) bool {
			return inThread(s.CharacterName, s.ThreadID)
		})
	}
	return nil
}

// Ping implements [memory.ConversationStore].
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// ─────────────────────────────────────────────────────────────────────────────
// SessionRegistry
// ─────────────────────────────────────────────────────────────────────────────

// TouchSession implements [memory.SessionRegistry].
func (m *Store) TouchSession(_ context.Context, sessionID, character string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("TouchSession", sessionID, character, at)
	if m.TouchSessionErr != nil {
		return m.TouchSessionErr
	}
	gs := m.ensureSession(sessionID, at)
	gs.LastCharacterTalked = character
	gs.MessagesCount++
	gs.UpdatedAt = at
	gs.LastPlayedAt = at
	return nil
}

// Session implements [memory.SessionRegistry].
func (m *Store) Session(_ context.Context, sessionID string) (*memory.GameSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Session", sessionID)
	if m.SessionErr != nil {
		return nil, m.SessionErr
	}
	gs, ok := m.sessions[sessionID]
	if !ok {
		return nil, memory.ErrNotFound
	}
	cp := *gs
	return &cp, nil
}

// ListSessions implements [memory.SessionRegistry].
func (m *Store) ListSessions(_ context.Context, activeOnly bool, limit int) ([]memory.GameSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListSessions", activeOnly, limit)
	if m.ListSessionsErr != nil {
		return nil, m.ListSessionsErr
	}
	out := []memory.GameSession{}
	for _, gs := range m.sessions {
		if activeOnly && !gs.Active {
			continue
		}
		out = append(out, *gs)
	}
	slices.SortFunc(out, func(a, b memory.GameSession) int {
		return b.LastPlayedAt.Compare(a.LastPlayedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendEvent implements [memory.SessionRegistry].
func (m *Store) AppendEvent(_ context.Context, e memory.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendEvent", e)
	if m.AppendEventErr != nil {
		return m.AppendEventErr
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.ensureSession(e.SessionID, e.CreatedAt)
	m.nextEventID++
	e.ID = m.nextEventID
	m.events = append(m.events, e)
	return nil
}

// Events implements [memory.SessionRegistry].
func (m *Store) Events(_ context.Context, sessionID string, limit int) ([]memory.SessionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Events", sessionID, limit)
	if m.EventsErr != nil {
		return nil, m.EventsErr
	}
	out := []memory.SessionEvent{}
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].SessionID != sessionID {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Store) ensureSession(id string, at time.Time) *memory.GameSession {
	gs, ok := m.sessions[id]
	if !ok {
		gs = &memory.GameSession{
			SessionID:    id,
			PlayerData:   map[string]any{},
			GameState:    map[string]any{},
			Active:       true,
			CreatedAt:    at,
			UpdatedAt:    at,
			LastPlayedAt: at,
		}
		m.sessions[id] = gs
	}
	return gs
}

// ─────────────────────────────────────────────────────────────────────────────
// KnowledgeIndex
// ─────────────────────────────────────────────────────────────────────────────

// UpsertChunks implements [memory.KnowledgeIndex].
func (m *Store) UpsertChunks(_ context.Context, chunks []memory.KnowledgeChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpsertChunks", chunks)
	if m.UpsertChunksErr != nil {
		return m.UpsertChunksErr
	}
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

// SearchKnowledge implements [memory.KnowledgeIndex] using brute-force cosine
// distance over the stored chunks.
func (m *Store) SearchKnowledge(_ context.Context, embedding []float32, scope string, topK int) ([]memory.KnowledgeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SearchKnowledge", embedding, scope, topK)
	if m.SearchKnowledgeErr != nil {
		return nil, m.SearchKnowledgeErr
	}
	if m.SearchResults != nil {
		res := slices.Clone(m.SearchResults[scope])
		if res == nil {
			res = []memory.KnowledgeResult{}
		}
		if topK > 0 && len(res) > topK {
			res = res[:topK]
		}
		return res, nil
	}

	out := []memory.KnowledgeResult{}
	for _, c := range m.chunks {
		if c.Scope != scope {
			continue
		}
		out = append(out, memory.KnowledgeResult{Chunk: c, Distance: cosineDistance(embedding, c.Embedding)})
	}
	slices.SortFunc(out, func(a, b memory.KnowledgeResult) int {
		return cmp.Or(cmp.Compare(a.Distance, b.Distance), cmp.Compare(a.Chunk.ID, b.Chunk.ID))
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range min(len(a), len(b)) {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
