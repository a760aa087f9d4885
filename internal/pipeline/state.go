package pipeline

import (
	"slices"
	"time"

	"github.com/MrWong99/echoforge/internal/character"
	"github.com/MrWong99/echoforge/internal/retrieval"
	"github.com/MrWong99/echoforge/internal/session"
	"github.com/MrWong99/echoforge/internal/trigger"
	"github.com/MrWong99/echoforge/pkg/memory"
)

// Intent is the rule-based classification of a player message.
type Intent string

const (
	IntentGreeting    Intent = "greeting"
	IntentFarewell    Intent = "farewell"
	IntentQuestion    Intent = "question"
	IntentRequest     Intent = "request"
	IntentTransaction Intent = "transaction"
	IntentEmotional   Intent = "emotional"
	IntentGameAction  Intent = "game_action"
	IntentSmallTalk   Intent = "small_talk"
	IntentGeneral     Intent = "general"
)

// Complexity decides whether a message gets a templated or a generated reply.
type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

// Metadata is attached to every turn regardless of the tier that served it.
type Metadata struct {
	ThreadID           string  `json:"threadId"`
	SessionID          *string `json:"sessionId"`
	PersistenceEnabled bool    `json:"persistenceEnabled"`
	SummaryCount       int     `json:"summaryCount"`
	TotalInteractions  int     `json:"totalInteractions"`
}

// TurnState is the working state of one dialogue turn. It is created once per
// message and owned by exactly one pipeline run; nothing in it is shared.
type TurnState struct {
	// ── Input ────────────────────────────────────────────────────────────────
	UserMessage string   `json:"userMessage"`
	Message     string   `json:"message"`
	Actions     []string `json:"actions,omitempty"`

	Intent     Intent     `json:"intent"`
	Complexity Complexity `json:"complexity"`

	Character string            `json:"character"`
	Profile   character.Profile `json:"-"`
	Player    character.Player  `json:"player"`

	ThreadID  string  `json:"threadId"`
	SessionID *string `json:"sessionId,omitempty"`

	// ── Memory ───────────────────────────────────────────────────────────────
	History           []session.Exchange `json:"history"`
	ContextSummary    string             `json:"contextSummary,omitempty"`
	Summaries         []memory.Summary   `json:"-"`
	TotalInteractions int                `json:"totalInteractions"`
	StoredSummaries   int                `json:"storedSummaries"`
	MemoryLoaded      bool               `json:"memoryLoaded"`
	UseMemoryContext  bool               `json:"useMemoryContext"`

	// Summary is set when this turn wrote a summary.
	Summary *memory.Summary `json:"-"`

	// ── Retrieval ────────────────────────────────────────────────────────────
	NeedsRetrieval      bool               `json:"needsRetrieval"`
	RetrievalQueries    []string           `json:"retrievalQueries,omitempty"`
	RetrievalResults    []retrieval.Result `json:"retrievalResults,omitempty"`
	RelevantKnowledge   []string           `json:"relevantKnowledge,omitempty"`
	NeedsRetrievalRetry bool               `json:"needsRetrievalRetry"`
	RetryReason         string             `json:"retryReason,omitempty"`

	searchFailed bool

	// ── Triggers ─────────────────────────────────────────────────────────────
	InputTriggerProbs       map[string]float64   `json:"inputTriggerProbs,omitempty"`
	AcceptedInputTriggers   []string             `json:"acceptedInputTriggers,omitempty"`
	RejectedInputTriggers   []trigger.Rejection  `json:"rejectedInputTriggers,omitempty"`
	OutputTriggerProbs      map[string]float64   `json:"outputTriggerProbs,omitempty"`
	ActivatedOutputTriggers []trigger.Activation `json:"activatedOutputTriggers,omitempty"`
	AppliedEffects          []trigger.Applied    `json:"appliedEffects,omitempty"`

	// UpdatedStats is a copy of Player.Stats with the effects applied.
	UpdatedStats character.Stats `json:"updatedStats"`

	// ── Output ───────────────────────────────────────────────────────────────
	Response string `json:"response"`

	Trace     []Stage        `json:"trace"`
	StartedAt time.Time      `json:"startedAt"`
	Elapsed   time.Duration  `json:"elapsed"`
	Debug     map[string]any `json:"debug,omitempty"`

	Tier              string `json:"tier"`
	FallbackReason    string `json:"fallbackReason,omitempty"`
	EmergencyFallback bool   `json:"emergencyFallback"`
	Error             string `json:"error,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// NewTurnState builds the initial state of a turn. History is copied; the
// memory-derived fields stay unset until LoadMemory runs.
func NewTurnState(message string, profile character.Profile, player character.Player, thread string, sessionID *string, history []session.Exchange) *TurnState {
	st := &TurnState{
		UserMessage:  message,
		Message:      message,
		Character:    profile.Name,
		Profile:      profile,
		Player:       player,
		ThreadID:     thread,
		SessionID:    sessionID,
		History:      append([]session.Exchange(nil), history...),
		Summaries:    []memory.Summary{},
		UpdatedStats: player.Stats.Clone(),
		Debug:        map[string]any{},
	}
	return st
}

// Committed reports whether the turn reached [StageMemoryUpdate]. From
// there on its writes run to completion whatever happens to the caller.
func (st *TurnState) Committed() bool {
	return slices.Contains(st.Trace, StageMemoryUpdate)
}

// AttachMetadata fills Metadata from the current state. SummaryCount is the
// thread's stored summary total as counted in Finalize, not only the
// summaries loaded into this turn's context.
func (st *TurnState) AttachMetadata(persistenceEnabled bool) {
	st.Metadata = Metadata{
		ThreadID:           st.ThreadID,
		SessionID:          st.SessionID,
		PersistenceEnabled: persistenceEnabled,
		SummaryCount:       st.StoredSummaries,
		TotalInteractions:  st.TotalInteractions,
	}
}

func (st *TurnState) debug(key string, v any) {
	if st.Debug == nil {
		st.Debug = map[string]any{}
	}
	st.Debug[key] = v
}
