// Package api is the HTTP surface of EchoForge.
//
// Routes (all JSON):
//
//	POST   /v1/characters/{name}/turns                         run one dialogue turn
//	GET    /v1/characters                                      list characters
//	GET    /v1/characters/{name}/threads/{thread}/history      stored memory overview
//	GET    /v1/characters/{name}/threads/{thread}/checkpoints  summary checkpoints
//	DELETE /v1/characters/{name}/threads/{thread}              forget a thread
//	GET    /v1/sessions                                        session ids with checkpoints
//	GET    /v1/game-sessions                                   tracked game sessions
//	GET    /v1/game-sessions/{id}/events                       session audit log
//	GET    /v1/status                                          orchestrator status
//	GET    /v1/chat                                            WebSocket chat
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/echoforge/internal/character"
	"github.com/MrWong99/echoforge/internal/checkpoint"
	"github.com/MrWong99/echoforge/internal/orchestrator"
	"github.com/MrWong99/echoforge/internal/pipeline"
	"github.com/MrWong99/echoforge/internal/session"
	"github.com/MrWong99/echoforge/internal/trigger"
	"github.com/MrWong99/echoforge/pkg/memory"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Backend is the part of the orchestrator the API serves.
type Backend interface {
	ProcessMessage(ctx context.Context, message, characterName string, player *character.Player, thread string, sessionID *string) (*pipeline.TurnState, error)
	Status() orchestrator.Status
	Characters() []string
	HistorySummary(ctx context.Context, character, thread string, limit int) session.HistoryOverview
	ClearMemory(ctx context.Context, character, thread string, keepSummaries bool) bool
	ListSessions(ctx context.Context) []string
	GameSessions(ctx context.Context, activeOnly bool, limit int) []memory.GameSession
	SessionEvents(ctx context.Context, sessionID string, limit int) []memory.SessionEvent
	Checkpoints(ctx context.Context, character, thread string, sessionID *string, limit int) []checkpoint.Checkpoint
}

var _ Backend = (*orchestrator.Orchestrator)(nil)

// Server serves the EchoForge HTTP API.
type Server struct {
	backend Backend
	player  func() character.Player

	// turnTimeout bounds one turn, WebSocket turns included.
	turnTimeout time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithDefaultPlayer sets the player used when a request carries none.
func WithDefaultPlayer(fn func() character.Player) Option {
	return func(s *Server) { s.player = fn }
}

// WithTurnTimeout bounds every turn. Default: 60s.
func WithTurnTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.turnTimeout = d
		}
	}
}

// New creates a [Server] in front of backend.
func New(backend Backend, opts ...Option) *Server {
	s := &Server{
		backend:     backend,
		player:      func() character.Player { return character.Player{Name: "Player"} },
		turnTimeout: 60 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/characters/{name}/turns", s.handleTurn)
	mux.HandleFunc("GET /v1/characters", s.handleCharacters)
	mux.HandleFunc("GET /v1/characters/{name}/threads/{thread}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/characters/{name}/threads/{thread}/checkpoints", s.handleCheckpoints)
	mux.HandleFunc("DELETE /v1/characters/{name}/threads/{thread}", s.handleClear)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/game-sessions", s.handleGameSessions)
	mux.HandleFunc("GET /v1/game-sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/chat", s.handleChat)
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

// TurnRequest is the body of a turn request.
type TurnRequest struct {
	Message   string            `json:"message"`
	ThreadID  string            `json:"threadId,omitempty"`
	SessionID *string           `json:"sessionId,omitempty"`
	Player    *character.Player `json:"player,omitempty"`
}

// TurnResponse is the client view of a finished turn.
type TurnResponse struct {
	Character         string               `json:"character"`
	Response          string               `json:"response"`
	Tier              string               `json:"tier"`
	FallbackReason    string               `json:"fallbackReason,omitempty"`
	EmergencyFallback bool                 `json:"emergencyFallback"`
	Intent            pipeline.Intent      `json:"intent,omitempty"`
	Actions           []string             `json:"actions,omitempty"`
	InputTriggers     []string             `json:"acceptedInputTriggers,omitempty"`
	RejectedTriggers  []trigger.Rejection  `json:"rejectedInputTriggers,omitempty"`
	OutputTriggers    []trigger.Activation `json:"activatedOutputTriggers,omitempty"`
	AppliedEffects    []trigger.Applied    `json:"appliedEffects,omitempty"`
	UpdatedStats      character.Stats      `json:"updatedStats"`
	Trace             []pipeline.Stage     `json:"trace"`
	ElapsedMS         int64                `json:"elapsedMs"`
	Metadata          pipeline.Metadata    `json:"metadata"`
}

// NewTurnResponse projects st onto the client view.
func NewTurnResponse(st *pipeline.TurnState) TurnResponse {
	trace := st.Trace
	if trace == nil {
		trace = []pipeline.Stage{}
	}
	return TurnResponse{
		Character:         st.Character,
		Response:          st.Response,
		Tier:              st.Tier,
		FallbackReason:    st.FallbackReason,
		EmergencyFallback: st.EmergencyFallback,
		Intent:            st.Intent,
		Actions:           st.Actions,
		InputTriggers:     st.AcceptedInputTriggers,
		RejectedTriggers:  st.RejectedInputTriggers,
		OutputTriggers:    st.ActivatedOutputTriggers,
		AppliedEffects:    st.AppliedEffects,
		UpdatedStats:      st.UpdatedStats,
		Trace:             trace,
		ElapsedMS:         st.Elapsed.Milliseconds(),
		Metadata:          st.Metadata,
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	st, err := s.turn(r.Context(), r.PathValue("name"), req)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewTurnResponse(st))
}

func (s *Server) turn(ctx context.Context, name string, req TurnRequest) (*pipeline.TurnState, error) {
	player := s.player()
	if req.Player != nil {
		player = req.Player.Clone()
	}
	ctx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	defer cancel()
	return s.backend.ProcessMessage(ctx, req.Message, name, &player, req.ThreadID, req.SessionID)
}

func writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownCharacter):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "turn timed out")
	default:
		// The client went away; nobody reads this.
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Memory views
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleCharacters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"characters": s.backend.Characters()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", session.DefaultHistorySummaries)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.backend.HistorySummary(r.Context(), r.PathValue("name"), r.PathValue("thread"), limit))
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 10)
	if !ok {
		return
	}
	var sessionID *string
	if v := r.URL.Query().Get("sessionId"); v != "" {
		sessionID = &v
	}
	cps := s.backend.Checkpoints(r.Context(), r.PathValue("name"), r.PathValue("thread"), sessionID, limit)
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	keep := r.URL.Query().Get("keepSummaries") == "true"
	cleared := s.backend.ClearMemory(r.Context(), r.PathValue("name"), r.PathValue("thread"), keep)
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared, "keepSummaries": keep})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.backend.ListSessions(r.Context())})
}

func (s *Server) handleGameSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	active := r.URL.Query().Get("active") == "true"
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.backend.GameSessions(r.Context(), active, limit)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.backend.SessionEvents(r.Context(), r.PathValue("id"), limit)})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func queryInt(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
