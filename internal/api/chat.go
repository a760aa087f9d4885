package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/echoforge/internal/character"
	"github.com/MrWong99/echoforge/internal/observe"
	"github.com/MrWong99/echoforge/internal/orchestrator"
)

// Chat frame types.
const (
	FrameMessage = "message"
	FrameReply   = "reply"
	FrameError   = "error"
	FrameReset   = "reset"
)

// ChatFrame is one WebSocket message in either direction.
//
// The first "message" frame fixes the character unless later frames name
// another one. Every connection gets its own thread id unless the client sets
// one, and the player's stats are carried from reply to reply so effects
// such as a granted gold purse persist for the connection.
type ChatFrame struct {
	Type      string            `json:"type"`
	Character string            `json:"character,omitempty"`
	Content   string            `json:"content,omitempty"`
	ThreadID  string            `json:"threadId,omitempty"`
	SessionID *string           `json:"sessionId,omitempty"`
	Player    *character.Player `json:"player,omitempty"`
	Turn      *TurnResponse     `json:"turn,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type chatConn struct {
	character string
	thread    string
	sessionID *string
	player    character.Player
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	log := observe.Logger(ctx)
	cc := &chatConn{thread: uuid.NewString(), player: s.player()}
	log.Debug("api: chat connected", "thread", cc.thread)

	for {
		var in ChatFrame
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				log.Debug("api: chat read ended", "thread", cc.thread, "error", err)
			}
			return
		}

		out := s.chatTurn(ctx, cc, in)
		if err := wsjson.Write(ctx, conn, out); err != nil {
			log.Debug("api: chat write failed", "thread", cc.thread, "error", err)
			return
		}
	}
}

func (s *Server) chatTurn(ctx context.Context, cc *chatConn, in ChatFrame) ChatFrame {
	if in.Character != "" {
		cc.character = in.Character
	}
	if in.ThreadID != "" {
		cc.thread = in.ThreadID
	}
	if in.SessionID != nil {
		cc.sessionID = in.SessionID
	}
	if in.Player != nil {
		cc.player = in.Player.Clone()
	}

	switch in.Type {
	case FrameReset:
		cc.player = s.player()
		cc.thread = uuid.NewString()
		return ChatFrame{Type: FrameReset, ThreadID: cc.thread, Player: &cc.player}
	case FrameMessage:
	default:
		return ChatFrame{Type: FrameError, Error: "unknown frame type " + in.Type}
	}

	if cc.character == "" {
		return ChatFrame{Type: FrameError, Error: "character is required"}
	}
	if in.Content == "" {
		return ChatFrame{Type: FrameError, Error: "content is required"}
	}

	st, err := s.turn(ctx, cc.character, TurnRequest{
		Message:   in.Content,
		ThreadID:  cc.thread,
		SessionID: cc.sessionID,
		Player:    &cc.player,
	})
	if err != nil {
		msg := err.Error()
		if errors.Is(err, orchestrator.ErrUnknownCharacter) {
			cc.character = ""
		}
		return ChatFrame{Type: FrameError, Error: msg}
	}

	cc.player.Stats = st.UpdatedStats.Clone()
	resp := NewTurnResponse(st)
	return ChatFrame{
		Type:      FrameReply,
		Character: st.Character,
		Content:   st.Response,
		ThreadID:  cc.thread,
		SessionID: cc.sessionID,
		Turn:      &resp,
	}
}
