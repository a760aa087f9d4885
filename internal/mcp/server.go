// Package mcp exposes EchoForge to tool-using LLM clients as an MCP server.
//
// Three tools are registered by [NewServer]:
//   - "conversation_context": stored summaries plus the working history of a
//     character thread.
//   - "list_sessions": tracked game sessions and the sessions owning
//     checkpoints.
//   - "talk_to_character": runs one dialogue turn.
//
// Tool results are JSON documents carried as text content. Handler errors are
// reported as tool errors (IsError) so the calling model can react to them.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/echoforge/internal/api"
	"github.com/MrWong99/echoforge/internal/character"
	"github.com/MrWong99/echoforge/internal/observe"
	"github.com/MrWong99/echoforge/internal/pipeline"
	"github.com/MrWong99/echoforge/internal/session"
	"github.com/MrWong99/echoforge/pkg/memory"
)

// Backend is the part of the orchestrator the tools use.
type Backend interface {
	ProcessMessage(ctx context.Context, message, characterName string, player *character.Player, thread string, sessionID *string) (*pipeline.TurnState, error)
	Characters() []string
	HistorySummary(ctx context.Context, character, thread string, limit int) session.HistoryOverview
	WorkingHistory(character, thread string) []session.Exchange
	ListSessions(ctx context.Context) []string
	GameSessions(ctx context.Context, activeOnly bool, limit int) []memory.GameSession
}

// Version is reported to MCP clients during initialisation.
const Version = "1.0.0"

// ─────────────────────────────────────────────────────────────────────────────
// conversation_context
// ─────────────────────────────────────────────────────────────────────────────

type contextArgs struct {
	Character    string `json:"character" jsonschema:"name of the character"`
	ThreadID     string `json:"thread_id,omitempty" jsonschema:"conversation thread, default is used when empty"`
	MaxSummaries int    `json:"max_summaries,omitempty" jsonschema:"number of summaries to include, default 5"`
}

type contextResult struct {
	Overview session.HistoryOverview `json:"overview"`
	Working  []session.Exchange      `json:"workingHistory"`
}

// ─────────────────────────────────────────────────────────────────────────────
// list_sessions
// ─────────────────────────────────────────────────────────────────────────────

type sessionsArgs struct {
	ActiveOnly bool `json:"active_only,omitempty" jsonschema:"only list sessions that are still active"`
	Limit      int  `json:"limit,omitempty" jsonschema:"maximum number of game sessions, default 20"`
}

type sessionsResult struct {
	GameSessions       []memory.GameSession `json:"gameSessions"`
	CheckpointSessions []string             `json:"checkpointSessions"`
}

// ─────────────────────────────────────────────────────────────────────────────
// talk_to_character
// ─────────────────────────────────────────────────────────────────────────────

type talkArgs struct {
	Character string            `json:"character" jsonschema:"name of the character to talk to"`
	Message   string            `json:"message" jsonschema:"what the player says, actions between asterisks"`
	ThreadID  string            `json:"thread_id,omitempty" jsonschema:"conversation thread"`
	SessionID string            `json:"session_id,omitempty" jsonschema:"game session scoping the memory"`
	Player    *character.Player `json:"player,omitempty" jsonschema:"player snapshot, the configured default player when omitted"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Server
// ─────────────────────────────────────────────────────────────────────────────

// Server wraps the MCP server with the EchoForge tools registered.
type Server struct {
	backend Backend
	player  func() character.Player
	srv     *mcpsdk.Server
}

// NewServer registers the tools against backend. player supplies the
// default player snapshot for talk_to_character.
func NewServer(backend Backend, player func() character.Player) *Server {
	s := &Server{
		backend: backend,
		player:  player,
		srv:     mcpsdk.NewServer(&mcpsdk.Implementation{Name: "echoforge", Version: Version}, nil),
	}

	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "conversation_context",
		Description: "Return what a character remembers about a conversation thread: stored summaries and the recent exchanges.",
	}, s.conversationContext)
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "list_sessions",
		Description: "List tracked game sessions and the sessions that own conversation checkpoints.",
	}, s.listSessions)
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "talk_to_character",
		Description: "Say something to a character and receive the in-character reply together with triggered game effects.",
	}, s.talk)
	return s
}

// SDK returns the underlying MCP server, e.g. for in-memory connections.
func (s *Server) SDK() *mcpsdk.Server { return s.srv }

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.srv }, nil)
}

func (s *Server) conversationContext(ctx context.Context, _ *mcpsdk.CallToolRequest, args contextArgs) (*mcpsdk.CallToolResult, any, error) {
	if err := s.knownCharacter(args.Character); err != nil {
		return nil, nil, err
	}
	thread := args.ThreadID
	if thread == "" {
		thread = "default"
	}
	res := contextResult{
		Overview: s.backend.HistorySummary(ctx, args.Character, thread, args.MaxSummaries),
		Working:  s.backend.WorkingHistory(args.Character, thread),
	}
	return textResult(res)
}

func (s *Server) listSessions(ctx context.Context, _ *mcpsdk.CallToolRequest, args sessionsArgs) (*mcpsdk.CallToolResult, any, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}
	return textResult(sessionsResult{
		GameSessions:       s.backend.GameSessions(ctx, args.ActiveOnly, limit),
		CheckpointSessions: s.backend.ListSessions(ctx),
	})
}

func (s *Server) talk(ctx context.Context, _ *mcpsdk.CallToolRequest, args talkArgs) (*mcpsdk.CallToolResult, any, error) {
	if args.Message == "" {
		return nil, nil, errors.New("message is required")
	}
	player := s.player()
	if args.Player != nil {
		player = args.Player.Clone()
	}
	var sessionID *string
	if args.SessionID != "" {
		sessionID = &args.SessionID
	}

	st, err := s.backend.ProcessMessage(ctx, args.Message, args.Character, &player, args.ThreadID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	observe.Logger(ctx).Debug("mcp: talk_to_character", "character", st.Character, "tier", st.Tier)
	return textResult(api.NewTurnResponse(st))
}

func (s *Server) knownCharacter(name string) error {
	for _, n := range s.backend.Characters() {
		if strings.EqualFold(n, name) {
			return nil
		}
	}
	return fmt.Errorf("unknown character %q", name)
}

func textResult(v any) (*mcpsdk.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("mcp: encode result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil, nil
}
