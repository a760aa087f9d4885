package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/echoforge/internal/app"
	"github.com/MrWong99/echoforge/internal/config"
	"github.com/MrWong99/echoforge/internal/orchestrator"
	"github.com/MrWong99/echoforge/internal/resilience"
	memorymock "github.com/MrWong99/echoforge/pkg/memory/mock"
	"github.com/MrWong99/echoforge/pkg/provider/embeddings"
	embedmock "github.com/MrWong99/echoforge/pkg/provider/embeddings/mock"
	"github.com/MrWong99/echoforge/pkg/provider/llm"
	llmmock "github.com/MrWong99/echoforge/pkg/provider/llm/mock"
)

// testConfig returns a minimal config with one character for tests.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Pipeline: config.PipelineConfig{
			TriggerAnalyser: config.TriggerAnalyserKeyword,
		},
		Characters: []config.CharacterConfig{
			{
				Name:        "Roberte",
				Role:        "baker",
				Personality: "Warm and chatty.",
				Templates: map[string][]string{
					"greeting": {"Bonjour! I am {name}."},
				},
			},
		},
		Player: config.PlayerConfig{Name: "Traveller", Gold: 3},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns a mock LLM that always answers with the same line.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: "Fresh bread, still warm."},
		},
	}
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func postTurn(t *testing.T, h http.Handler, character, message string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/characters/"+character+"/turns",
		strings.NewReader(`{"message":"`+message+`","threadId":"t1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	return out
}

func TestNew_Tiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		store     func() *memorymock.Store
		wantTier  string
		wantStore bool
	}{
		{
			name:      "reachable store serves full tier",
			store:     memorymock.NewStore,
			wantTier:  orchestrator.TierFull,
			wantStore: true,
		},
		{
			name: "unreachable store serves simplified tier",
			store: func() *memorymock.Store {
				s := memorymock.NewStore()
				s.PingErr = errors.New("connection refused")
				return s
			},
			wantTier: orchestrator.TierSimplified,
		},
		{
			name:     "no store and no dsn serves simplified tier",
			wantTier: orchestrator.TierSimplified,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var opts []app.Option
			if tc.store != nil {
				opts = append(opts, app.WithStore(tc.store()))
			}
			a := newApp(t, testConfig(), opts...)

			if got := a.Orchestrator().Status().StoreAvailable; got != tc.wantStore {
				t.Errorf("StoreAvailable = %v, want %v", got, tc.wantStore)
			}
			out := postTurn(t, a.Handler(), "Roberte", "Hello there")
			if got := out["tier"]; got != tc.wantTier {
				t.Errorf("tier = %v, want %q", got, tc.wantTier)
			}
			if got, _ := out["response"].(string); got == "" {
				t.Error("response is empty")
			}
		})
	}
}

func TestHandler_UnknownCharacter(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), app.WithStore(memorymock.NewStore()))
	req := httptest.NewRequest(http.MethodPost, "/v1/characters/Nobody/turns", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandler_Readiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingErr    error
		wantStatus string
	}{
		{name: "store reachable", wantStatus: "ok"},
		{name: "store down", pingErr: errors.New("down"), wantStatus: "degraded"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := memorymock.NewStore()
			store.PingErr = tc.pingErr
			a := newApp(t, testConfig(), app.WithStore(store))

			rec := httptest.NewRecorder()
			a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("readyz status = %d, want 200", rec.Code)
			}
			var body struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode readyz: %v", err)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("readyz status = %q, want %q", body.Status, tc.wantStatus)
			}
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
}

func TestReload(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	old := testConfig()
	a := newApp(t, old, app.WithStore(memorymock.NewStore()), app.WithLevelVar(&level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Player.Gold = 42
	off := false
	next.Memory.Persistence = &off
	next.Characters = append(next.Characters, config.CharacterConfig{Name: "Claude", Role: "tinkerer"})

	a.Reload(old, next)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
	if got := a.Characters().Player().Stats.Gold; got != 42 {
		t.Errorf("default player gold = %d, want 42", got)
	}
	if got := a.Characters().Names(); len(got) != 2 {
		t.Errorf("characters = %v, want 2 names", got)
	}
	st := a.Orchestrator().Status()
	if st.CheckpointingEnabled {
		t.Error("checkpointing still enabled after persistence was switched off")
	}
	if st.SessionSupport {
		t.Error("session support still reported after persistence was switched off")
	}
	if a.Config() != next {
		t.Error("Config() does not return the reloaded config")
	}
}

func TestReload_NoChanges(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	a := newApp(t, cfg, app.WithStore(memorymock.NewStore()))
	a.Reload(cfg, testConfig())
	if a.Config() != cfg {
		t.Error("config replaced although nothing changed")
	}
}

func TestReloadConfig_WithoutWatcher(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	if applied, err := a.ReloadConfig(); applied || err != nil {
		t.Errorf("ReloadConfig() without hot reload = %v, %v", applied, err)
	}
}

func TestReloadConfig_AppliesFileEdit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "echoforge.yaml")
	write := func(gold int) {
		t.Helper()
		yaml := "server:\n  listen_addr: 127.0.0.1:0\npipeline:\n  trigger_analyser: keyword\n" +
			"characters:\n  - name: Roberte\n    role: baker\n" +
			"player:\n  name: Traveller\n  gold: " + strconv.Itoa(gold) + "\n"
		if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
			t.Fatal(err)
		}
		later := time.Now().Add(time.Duration(gold) * time.Second)
		if err := os.Chtimes(path, later, later); err != nil {
			t.Fatal(err)
		}
	}
	write(3)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a := newApp(t, cfg, app.WithConfigPath(path))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runErr
	})

	write(50)
	deadline := time.Now().Add(2 * time.Second)
	for a.Characters().Player().Stats.Gold != 50 {
		if time.Now().After(deadline) {
			t.Fatal("edited player gold was never applied")
		}
		// The watcher starts inside Run; retry until it exists.
		if _, err := a.ReloadConfig(); err != nil {
			t.Fatalf("ReloadConfig: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIngestKnowledge(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	world := filepath.Join(dir, "world")
	chars := filepath.Join(dir, "characters", "Roberte")
	for _, d := range []string{world, chars} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(world, "village.txt"), []byte("The village bakery opens at dawn."), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(chars, "recipes.md"), []byte("Roberte bakes bread with chestnut flour."), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Knowledge.WorldDir = world
	cfg.Knowledge.CharactersDir = filepath.Join(dir, "characters")

	providers := testProviders()
	providers.Embeddings = embedmock.NewProvider("bread", "bakery", "village", "flour")
	a, err := app.New(context.Background(), cfg, providers, app.WithStore(memorymock.NewStore()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Shutdown(context.Background())

	n, err := a.IngestKnowledge(context.Background())
	if err != nil {
		t.Fatalf("IngestKnowledge() error: %v", err)
	}
	if n != 2 {
		t.Errorf("chunks = %d, want 2", n)
	}
}

func TestIngestKnowledge_SkippedWithoutStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Knowledge.WorldDir = t.TempDir()
	providers := testProviders()
	providers.Embeddings = embedmock.NewProvider("bread")

	a, err := app.New(context.Background(), cfg, providers)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Shutdown(context.Background())

	n, err := a.IngestKnowledge(context.Background())
	if err != nil || n != 0 {
		t.Errorf("IngestKnowledge() = (%d, %v), want (0, nil)", n, err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithStore(memorymock.NewStore()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	// Give Run a moment to start listening.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// A second call is a no-op.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestNew_NilConfig(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), nil, nil); err == nil {
		t.Fatal("New(nil config) returned no error")
	}
}

// ─── Providers ───────────────────────────────────────────────────────────────

func TestBuildProviders_Fallbacks(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}
	embed := embedmock.NewProvider("bread")

	reg := config.NewRegistry()
	reg.RegisterLLM("primary", func(config.ProviderEntry) (llm.Provider, error) { return primary, nil })
	reg.RegisterLLM("secondary", func(config.ProviderEntry) (llm.Provider, error) { return secondary, nil })
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, errors.New("bad key") })
	reg.RegisterEmbeddings("bow", func(config.ProviderEntry) (embeddings.Provider, error) { return embed, nil })

	cfg := testConfig()
	cfg.Providers = config.ProvidersConfig{
		LLM:          config.ProviderEntry{Name: "primary", Model: "big"},
		LLMFallbacks: []config.ProviderEntry{{Name: "broken"}, {Name: "secondary"}},
		Embeddings:   config.ProviderEntry{Name: "bow"},
	}

	ps, err := app.BuildProviders(cfg, reg, nil)
	if err != nil {
		t.Fatalf("BuildProviders() error: %v", err)
	}

	resp, err := ps.LLM.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("Content = %q, want %q", resp.Content, "from secondary")
	}

	fb, ok := ps.LLM.(*resilience.LLMFallback)
	if !ok {
		t.Fatalf("LLM is %T, want *resilience.LLMFallback", ps.LLM)
	}
	states := fb.States()
	if len(states) != 2 {
		t.Errorf("states = %v, want primary/big and secondary", states)
	}
	if _, ok := states["primary/big"]; !ok {
		t.Errorf("states = %v, missing primary/big", states)
	}

	if ps.Embeddings == nil || ps.Embeddings.ModelID() != "mock-bow" {
		t.Errorf("Embeddings = %v, want wrapped mock", ps.Embeddings)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, errors.New("bad key") })

	tests := []struct {
		name    string
		entry   config.ProviderEntry
		wantErr bool
		wantLLM bool
	}{
		{name: "unconfigured", entry: config.ProviderEntry{}},
		{name: "unregistered is skipped", entry: config.ProviderEntry{Name: "nope"}},
		{name: "failing primary", entry: config.ProviderEntry{Name: "broken"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			cfg.Providers.LLM = tc.entry
			ps, err := app.BuildProviders(cfg, reg, nil)
			if (err != nil) != tc.wantErr {
				t.Fatalf("BuildProviders() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil && (ps.LLM != nil) != tc.wantLLM {
				t.Errorf("LLM = %v, wantLLM %v", ps.LLM, tc.wantLLM)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := app.SlogLevel(tc.in); got != tc.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
