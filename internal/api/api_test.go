package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/echoforge/internal/character"
	"github.com/MrWong99/echoforge/internal/checkpoint"
	"github.com/MrWong99/echoforge/internal/orchestrator"
	"github.com/MrWong99/echoforge/internal/pipeline"
	"github.com/MrWong99/echoforge/internal/session"
	"github.com/MrWong99/echoforge/pkg/memory"
)

// fakeBackend answers every turn for "Roberte" by granting one gold.
type fakeBackend struct {
	mu      sync.Mutex
	turns   []turnCall
	cleared []string
}

type turnCall struct {
	message, character, thread string
	sessionID                  *string
	player                     character.Player
}

var _ Backend = (*fakeBackend)(nil)

func (f *fakeBackend) ProcessMessage(ctx context.Context, message, name string, player *character.Player, thread string, sessionID *string) (*pipeline.TurnState, error) {
	f.mu.Lock()
	f.turns = append(f.turns, turnCall{message, name, thread, sessionID, player.Clone()})
	f.mu.Unlock()

	if name != "Roberte" {
		return nil, fmt.Errorf("%w: %q", orchestrator.ErrUnknownCharacter, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := pipeline.NewTurnState(message, character.Profile{Name: name}, *player, thread, sessionID, nil)
	st.Response = "Bonjour!"
	st.Tier = orchestrator.TierFull
	st.Trace = []pipeline.Stage{pipeline.StageSimpleResponse, pipeline.StageFinalize}
	st.UpdatedStats.Gold++
	st.Metadata = pipeline.Metadata{ThreadID: thread, SessionID: sessionID, PersistenceEnabled: true, TotalInteractions: 1}
	return st, nil
}

func (f *fakeBackend) Status() orchestrator.Status {
	return orchestrator.Status{StoreAvailable: true, CheckpointingEnabled: true, PipelinesBuilt: 1, SessionSupport: true}
}

func (f *fakeBackend) Characters() []string { return []string{"Fathira", "Roberte"} }

func (f *fakeBackend) HistorySummary(_ context.Context, c, thread string, limit int) session.HistoryOverview {
	return session.HistoryOverview{Character: c, Thread: thread, TotalSummaries: limit, Summaries: []session.SummaryOverview{}}
}

func (f *fakeBackend) ClearMemory(_ context.Context, c, thread string, keep bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, fmt.Sprintf("%s/%s/%t", c, thread, keep))
	return true
}

func (f *fakeBackend) ListSessions(context.Context) []string { return []string{"s1", "s2"} }

func (f *fakeBackend) GameSessions(_ context.Context, active bool, limit int) []memory.GameSession {
	return []memory.GameSession{{SessionID: fmt.Sprintf("active=%t,limit=%d", active, limit)}}
}

func (f *fakeBackend) SessionEvents(_ context.Context, id string, _ int) []memory.SessionEvent {
	return []memory.SessionEvent{{SessionID: id}}
}

func (f *fakeBackend) Checkpoints(_ context.Context, _, _ string, sessionID *string, limit int) []checkpoint.Checkpoint {
	out := make([]checkpoint.Checkpoint, 0, limit)
	for i := range limit {
		id := fmt.Sprintf("cp-%d", i)
		if sessionID != nil {
			id = *sessionID + "-" + id
		}
		out = append(out, checkpoint.Checkpoint{ID: id})
	}
	return out
}

func newServer(t *testing.T, opts ...Option) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{}
	mux := http.NewServeMux()
	New(fb, append([]Option{WithDefaultPlayer(func() character.Player {
		return character.Player{Name: "Alex", Stats: character.Stats{Gold: 3}}
	})}, opts...)...).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fb, srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, out
}

func TestTurn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		check    func(t *testing.T, body map[string]any)
	}{
		{
			name:     "ok",
			path:     "/v1/characters/Roberte/turns",
			body:     `{"message":"Hello","threadId":"t1","sessionId":"s1"}`,
			wantCode: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				if body["response"] != "Bonjour!" || body["tier"] != orchestrator.TierFull {
					t.Errorf("body = %v", body)
				}
				md := body["metadata"].(map[string]any)
				if md["threadId"] != "t1" || md["sessionId"] != "s1" || md["persistenceEnabled"] != true {
					t.Errorf("metadata = %v", md)
				}
				stats := body["updatedStats"].(map[string]any)
				if stats["gold"] != float64(4) {
					t.Errorf("gold = %v, want 4", stats["gold"])
				}
			},
		},
		{
			name:     "unknown character",
			path:     "/v1/characters/Nobody/turns",
			body:     `{"message":"Hello"}`,
			wantCode: http.StatusNotFound,
		},
		{
			name:     "empty message",
			path:     "/v1/characters/Roberte/turns",
			body:     `{"message":""}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "malformed body",
			path:     "/v1/characters/Roberte/turns",
			body:     `{"message":`,
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, srv := newServer(t)
			resp, body := do(t, http.MethodPost, srv.URL+tt.path, tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %v)", resp.StatusCode, tt.wantCode, body)
			}
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestTurn_PlayerFromRequestOverridesDefault(t *testing.T) {
	t.Parallel()
	fb, srv := newServer(t)

	do(t, http.MethodPost, srv.URL+"/v1/characters/Roberte/turns", `{"message":"Hi"}`)
	do(t, http.MethodPost, srv.URL+"/v1/characters/Roberte/turns", `{"message":"Hi","player":{"name":"Sam","stats":{"gold":40}}}`)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(fb.turns))
	}
	if fb.turns[0].player.Name != "Alex" || fb.turns[0].player.Stats.Gold != 3 {
		t.Errorf("default player = %+v", fb.turns[0].player)
	}
	if fb.turns[1].player.Name != "Sam" || fb.turns[1].player.Stats.Gold != 40 {
		t.Errorf("request player = %+v", fb.turns[1].player)
	}
	if fb.turns[0].sessionID != nil {
		t.Errorf("sessionID = %v, want nil", *fb.turns[0].sessionID)
	}
}

func TestMemoryViews(t *testing.T) {
	t.Parallel()
	fb, srv := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		check  func(t *testing.T, body map[string]any)
	}{
		{"characters", http.MethodGet, "/v1/characters", func(t *testing.T, b map[string]any) {
			if len(b["characters"].([]any)) != 2 {
				t.Errorf("body = %v", b)
			}
		}},
		{"history", http.MethodGet, "/v1/characters/Roberte/threads/t1/history?limit=2", func(t *testing.T, b map[string]any) {
			if b["characterName"] != "Roberte" || b["threadId"] != "t1" || b["totalSummaries"] != float64(2) {
				t.Errorf("body = %v", b)
			}
		}},
		{"checkpoints", http.MethodGet, "/v1/characters/Roberte/threads/t1/checkpoints?limit=2&sessionId=s9", func(t *testing.T, b map[string]any) {
			cps := b["checkpoints"].([]any)
			if len(cps) != 2 || cps[0].(map[string]any)["id"] != "s9-cp-0" {
				t.Errorf("body = %v", b)
			}
		}},
		{"clear", http.MethodDelete, "/v1/characters/Roberte/threads/t1?keepSummaries=true", func(t *testing.T, b map[string]any) {
			if b["cleared"] != true || b["keepSummaries"] != true {
				t.Errorf("body = %v", b)
			}
		}},
		{"sessions", http.MethodGet, "/v1/sessions", func(t *testing.T, b map[string]any) {
			if len(b["sessions"].([]any)) != 2 {
				t.Errorf("body = %v", b)
			}
		}},
		{"game sessions", http.MethodGet, "/v1/game-sessions?active=true&limit=7", func(t *testing.T, b map[string]any) {
			s := b["sessions"].([]any)[0].(map[string]any)
			if s["sessionId"] != "active=true,limit=7" {
				t.Errorf("body = %v", b)
			}
		}},
		{"events", http.MethodGet, "/v1/game-sessions/s1/events", func(t *testing.T, b map[string]any) {
			if len(b["events"].([]any)) != 1 {
				t.Errorf("body = %v", b)
			}
		}},
		{"status", http.MethodGet, "/v1/status", func(t *testing.T, b map[string]any) {
			for _, k := range []string{"storeAvailable", "checkpointingEnabled", "sessionSupport"} {
				if b[k] != true {
					t.Errorf("%s = %v, want true", k, b[k])
				}
			}
			if b["pipelinesBuilt"] != float64(1) {
				t.Errorf("pipelinesBuilt = %v", b["pipelinesBuilt"])
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("code = %d, body %v", resp.StatusCode, body)
			}
			tt.check(t, body)
		})
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.cleared) != 1 || fb.cleared[0] != "Roberte/t1/true" {
		t.Errorf("cleared = %v", fb.cleared)
	}
}

func TestBadLimit(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)
	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/game-sessions?limit=abc", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", resp.StatusCode)
	}
}

func TestChat(t *testing.T) {
	t.Parallel()
	fb, srv := newServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/chat", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	send := func(in ChatFrame) ChatFrame {
		t.Helper()
		if err := wsjson.Write(ctx, conn, in); err != nil {
			t.Fatalf("write: %v", err)
		}
		var out ChatFrame
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			t.Fatalf("read: %v", err)
		}
		return out
	}

	if out := send(ChatFrame{Type: FrameMessage, Content: "Hi"}); out.Type != FrameError {
		t.Fatalf("frame without character = %+v, want error", out)
	}

	first := send(ChatFrame{Type: FrameMessage, Character: "Roberte", Content: "Hello"})
	if first.Type != FrameReply || first.Content != "Bonjour!" || first.ThreadID == "" {
		t.Fatalf("first reply = %+v", first)
	}
	second := send(ChatFrame{Type: FrameMessage, Content: "Again"})
	if second.ThreadID != first.ThreadID {
		t.Errorf("thread changed from %q to %q", first.ThreadID, second.ThreadID)
	}
	if second.Turn.UpdatedStats.Gold != 5 {
		t.Errorf("gold = %d, want 5 (carried across turns)", second.Turn.UpdatedStats.Gold)
	}

	reset := send(ChatFrame{Type: FrameReset})
	if reset.Type != FrameReset || reset.ThreadID == first.ThreadID || reset.Player.Stats.Gold != 3 {
		t.Errorf("reset = %+v", reset)
	}

	if out := send(ChatFrame{Type: FrameMessage, Character: "Nobody", Content: "Hi"}); out.Type != FrameError {
		t.Errorf("unknown character frame = %+v, want error", out)
	}
	if out := send(ChatFrame{Type: "bogus"}); out.Type != FrameError {
		t.Errorf("bogus frame = %+v, want error", out)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.turns) != 3 {
		t.Fatalf("turns = %d, want 3", len(fb.turns))
	}
	if fb.turns[1].player.Stats.Gold != 4 {
		t.Errorf("second turn saw gold %d, want 4", fb.turns[1].player.Stats.Gold)
	}
}
