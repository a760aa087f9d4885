// Package app wires all EchoForge subsystems into a running application.
//
// The App struct owns the full lifecycle: New pings the conversation store
// once and assembles the orchestrator, Run serves HTTP and ingests lore, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echoforge/internal/api"
	"github.com/MrWong99/echoforge/internal/character"
	"github.com/MrWong99/echoforge/internal/checkpoint"
	"github.com/MrWong99/echoforge/internal/config"
	"github.com/MrWong99/echoforge/internal/health"
	"github.com/MrWong99/echoforge/internal/mcp"
	"github.com/MrWong99/echoforge/internal/observe"
	"github.com/MrWong99/echoforge/internal/orchestrator"
	"github.com/MrWong99/echoforge/internal/pipeline"
	"github.com/MrWong99/echoforge/internal/resilience"
	"github.com/MrWong99/echoforge/internal/retrieval"
	"github.com/MrWong99/echoforge/internal/session"
	"github.com/MrWong99/echoforge/internal/trigger"
	"github.com/MrWong99/echoforge/pkg/memory"
	"github.com/MrWong99/echoforge/pkg/memory/postgres"
)

// shutdownGrace bounds the HTTP drain when Run's context is cancelled.
const shutdownGrace = 10 * time.Second

// Store is everything EchoForge persists: conversation windows, game sessions
// and the knowledge index. The Postgres store implements all three.
type Store interface {
	memory.ConversationStore
	memory.SessionRegistry
	memory.KnowledgeIndex
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	store          Store
	storeAvailable bool
	chars          *character.Registry
	effects        *trigger.Effects
	retriever      retrieval.Retriever
	orch           *orchestrator.Orchestrator
	handler        http.Handler
	server         *http.Server

	configPath string
	watcher    *config.Watcher
	version    string

	mu  sync.Mutex
	cfg *config.Config

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the store instead of connecting to cfg.Memory.PostgresDSN.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics replaces the default OpenTelemetry instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reloads change the log level of the running logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath enables hot reload: Run watches path and applies changed
// characters, player stats, pipeline tuning, persistence and log level.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithVersion reports the build version on the health endpoints.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (populated via the config registry); either field may be nil.
//
// The store is pinged exactly once here. When the ping fails the process
// serves the simplified tier until restarted.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Characters ────────────────────────────────────────────────────
	a.chars = character.NewRegistry(cfg)

	// ── 2. Memory store ──────────────────────────────────────────────────
	a.initStore(ctx)

	// ── 3. Checkpoints, summaries, game sessions ─────────────────────────
	var conv memory.ConversationStore
	if a.store != nil {
		conv = a.store
	}
	saver, available := checkpoint.Select(ctx, conv)
	a.storeAvailable = available

	var (
		managerStore memory.ConversationStore
		registry     memory.SessionRegistry
	)
	if available {
		managerStore, registry = a.store, a.store
	}
	var summariser session.Summariser
	if providers.LLM != nil {
		summariser = session.NewLLMSummariser(providers.LLM)
	}
	manager := session.NewManager(managerStore, summariser, sessionConfig(cfg))
	tracker := session.NewTracker(registry)

	// ── 4. Knowledge retrieval ───────────────────────────────────────────
	a.retriever = retrieval.Noop{}
	if available && providers.Embeddings != nil {
		a.retriever = retrieval.NewVectorRetriever(providers.Embeddings, a.store)
	}
	a.effects = trigger.NewEffects()

	// ── 5. Orchestrator ──────────────────────────────────────────────────
	a.orch = orchestrator.New(orchestrator.Config{
		Characters:     a.chars,
		Memory:         manager,
		Checkpoints:    saver,
		Tracker:        tracker,
		StoreAvailable: available,
		Collaborators:  a.collaborators(cfg),
		Pipeline:       pipelineConfig(cfg),
		Metrics:        a.metrics,
	}, orchestrator.WithHistoryLimit(cfg.Memory.WorkingHistoryThreads, cfg.Memory.WorkingHistoryIdle))
	a.orch.SetPersistence(cfg.Memory.PersistenceEnabled())

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.routes()

	slog.Info("app initialised",
		"characters", len(cfg.Characters),
		"store_available", available,
		"persistence", cfg.Memory.PersistenceEnabled(),
		"llm", providers.LLM != nil,
		"embeddings", providers.Embeddings != nil,
	)
	return a, nil
}

// initStore connects to Postgres unless a store was injected. A failed
// connection is logged and leaves the store nil.
func (a *App) initStore(ctx context.Context) {
	if a.store != nil {
		return
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Warn("no postgres_dsn configured, serving simplified tier")
		return
	}
	s, err := postgres.NewStore(ctx, dsn,
		postgres.WithEmbeddingDimensions(a.cfg.Memory.EmbeddingDimensions),
		postgres.WithQueryTracing(),
	)
	if err != nil {
		slog.Warn("conversation store unavailable, serving simplified tier", "err", err)
		return
	}
	a.store = s
	a.closers = append(a.closers, func() error {
		s.Close()
		return nil
	})
}

// collaborators builds the model-backed pipeline dependencies for cfg.
func (a *App) collaborators(cfg *config.Config) pipeline.Deps {
	deps := pipeline.Deps{
		Generator:      a.providers.LLM,
		Reformulator:   a.providers.LLM,
		InputAnalyser:  trigger.NewKeywordAnalyser(),
		OutputAnalyser: trigger.NewKeywordAnalyser(),
		Effects:        a.effects,
		Retriever:      a.retriever,
		Metrics:        a.metrics,
	}
	if a.providers.LLM == nil {
		return deps
	}
	if cfg.Pipeline.UseLLMJudge {
		deps.Judge = a.providers.LLM
	}
	if cfg.Pipeline.TriggerAnalyser == config.TriggerAnalyserLLM {
		deps.InputAnalyser = trigger.NewLLMAnalyser(a.providers.LLM, trigger.NewKeywordAnalyser())
		deps.OutputAnalyser = trigger.NewLLMAnalyser(a.providers.LLM, trigger.NewKeywordAnalyser())
	}
	return deps
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	api.New(a.orch, api.WithDefaultPlayer(a.chars.Player)).Register(mux)
	mux.Handle("/mcp", mcp.NewServer(a.orch, a.chars.Player).Handler())
	mux.Handle("GET /metrics", promhttp.Handler())

	checks := []health.Checker{a.storeCheck()}
	if s, ok := a.providers.LLM.(stateReporter); ok {
		checks = append(checks, health.BreakerCheck("llm", s.States, true))
	}
	if s, ok := a.providers.Embeddings.(stateReporter); ok {
		checks = append(checks, health.BreakerCheck("embeddings", s.States, true))
	}
	health.New(checks, health.WithVersion(a.version)).Register(mux)

	return observe.Middleware(a.metrics,
		observe.WithQuietRoutes("GET /healthz", "GET /readyz", "GET /metrics"),
	)(mux)
}

func (a *App) storeCheck() health.Checker {
	if !a.storeAvailable {
		return health.StoreCheck(nil)
	}
	return health.StoreCheck(a.store)
}

type stateReporter interface {
	States() map[string]resilience.State
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the instrumented HTTP handler serving the API, the chat
// websocket, the MCP endpoint, metrics and health endpoints.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the turn orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Characters returns the character registry.
func (a *App) Characters() *character.Registry { return a.chars }

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr and ingests the configured lore
// in the background. It blocks until ctx is cancelled or the listener fails.
// A failed ingestion is logged; the service keeps running without it.
func (a *App) Run(ctx context.Context) error {
	if err := a.startWatcher(); err != nil {
		return err
	}

	cfg := a.Config()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return nil
	})

	g.Go(func() error {
		if _, err := a.IngestKnowledge(gctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("knowledge ingestion failed, retrieval may return nothing", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// IngestKnowledge embeds the world and character lore into the knowledge
// index. It is a no-op returning zero when the store or the embeddings
// provider is unavailable, or when no lore directory is configured.
func (a *App) IngestKnowledge(ctx context.Context) (int, error) {
	cfg := a.Config()
	k := cfg.Knowledge
	if !a.storeAvailable || a.providers.Embeddings == nil || (k.WorldDir == "" && k.CharactersDir == "") {
		return 0, nil
	}
	ing := retrieval.NewIngester(a.providers.Embeddings, a.store,
		retrieval.WithChunkSize(k.ChunkSize),
		retrieval.WithWorkers(k.Workers),
	)
	start := time.Now()
	n, err := ing.IngestKnowledge(ctx, k.WorldDir, k.CharactersDir, a.chars.Names())
	if err != nil {
		return n, fmt.Errorf("app: ingest knowledge: %w", err)
	}
	slog.Info("knowledge ingested", "chunks", n, "duration", time.Since(start))
	return n, nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.mu.Lock()
		w := a.watcher
		a.mu.Unlock()
		if w != nil {
			w.Stop()
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		MaxMessagesWithoutSummary: cfg.Memory.MaxMessagesWithoutSummary,
		KeepRecentMessages:        cfg.Memory.KeepRecentMessages,
		MaxContextSummaries:       cfg.Memory.MaxContextSummaries,
		FarewellTriggers:          cfg.Memory.FarewellTriggers,
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		MinRelevance:        cfg.Pipeline.MinRelevance,
		MaxRetrievalRetries: cfg.Pipeline.MaxRetrievalRetries,
		WorldTopK:           cfg.Pipeline.WorldTopK,
		CharacterTopK:       cfg.Pipeline.CharacterTopK,
		MaxHistory:          cfg.Pipeline.MaxHistory,
		ContextCharBudget:   cfg.Memory.ContextCharBudget,
		MaxContextSummaries: cfg.Memory.MaxContextSummaries,
	}
}

// SlogLevel maps a configured log level to its slog counterpart.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
