// Package pipeline runs one dialogue turn as an explicit state machine.
//
// A turn walks the stages LoadMemory, InterpretInput, Perceive,
// CheckMemoryIntegration, then either SimpleResponse or the retrieval branch
// followed by GenerateResponse, and finally InterpretOutput, MemoryUpdate and
// Finalize. [Next] is the pure transition function; [Pipeline.Run] loops
// stage → handler → Next until the terminal stage completes.
//
// Stages never return errors for collaborator failures. A failing LLM,
// retriever or store degrades the turn (templated reply, no knowledge, no
// persistence) and the failure is noted in [TurnState.Debug]. Errors returned
// by Run are cancellations or programming errors, which the orchestrator turns
// into its emergency tier.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/echoforge/internal/checkpoint"
	"github.com/MrWong99/echoforge/internal/observe"
	"github.com/MrWong99/echoforge/internal/retrieval"
	"github.com/MrWong99/echoforge/internal/session"
	"github.com/MrWong99/echoforge/internal/trigger"
	"github.com/MrWong99/echoforge/pkg/memory"
	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

// Defaults applied by [New] for zero-valued [Config] fields.
const (
	DefaultMinRelevance        = 0.6
	DefaultMaxRetrievalRetries = 1
	DefaultWorldTopK           = 3
	DefaultCharacterTopK       = 5
	DefaultMaxHistory          = 10
	DefaultContextCharBudget   = 1500
	DefaultMaxContextSummaries = 3
	DefaultKnowledgeResults    = 5
)

// Config tunes a [Pipeline].
type Config struct {
	// MinRelevance is the top-result relevance below which a search is
	// retried with a reformulated query.
	MinRelevance float64

	// MaxRetrievalRetries is 0 or 1: whether a weak search may be
	// reformulated once. Other values are clamped.
	MaxRetrievalRetries int

	WorldTopK     int
	CharacterTopK int

	// MaxHistory caps the working history when nothing is persisted.
	MaxHistory int

	// ContextCharBudget hard-limits the condensed memory context in runes.
	ContextCharBudget int

	MaxContextSummaries int
}

// DefaultConfig returns the configuration with every default applied.
func DefaultConfig() Config {
	return Config{
		MinRelevance:        DefaultMinRelevance,
		MaxRetrievalRetries: DefaultMaxRetrievalRetries,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.WorldTopK <= 0 {
		c.WorldTopK = DefaultWorldTopK
	}
	if c.CharacterTopK <= 0 {
		c.CharacterTopK = DefaultCharacterTopK
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.ContextCharBudget <= 0 {
		c.ContextCharBudget = DefaultContextCharBudget
	}
	if c.MaxContextSummaries <= 0 {
		c.MaxContextSummaries = DefaultMaxContextSummaries
	}
	c.MaxRetrievalRetries = min(max(c.MaxRetrievalRetries, 0), 1)
	return c
}

// Deps are the collaborators of a [Pipeline]. Only Memory and Checkpoints
// decide persistence; every other nil field gets a working default.
type Deps struct {
	Memory      *session.Manager
	Checkpoints checkpoint.Saver

	// Generator writes replies. Nil means every reply is templated.
	Generator llm.Provider

	// Judge decides whether retrieval is needed. Nil uses the keyword scorer.
	Judge llm.Provider

	// Reformulator rewrites queries on a retry. Nil uses keyword expansion.
	Reformulator llm.Provider

	InputAnalyser  trigger.Analyser
	OutputAnalyser trigger.Analyser
	Effects        *trigger.Effects
	Retriever      retrieval.Retriever
	Tracker        *session.Tracker
	Metrics        *observe.Metrics
}

// Handler runs one stage against st.
type Handler func(ctx context.Context, st *TurnState) error

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithHandler replaces the handler of stage s.
func WithHandler(s Stage, h Handler) Option {
	return func(p *Pipeline) {
		p.handlers[s] = h
	}
}

// Pipeline executes turns. It holds no per-turn state and is safe for
// concurrent use; turns of one thread must be serialised by the caller.
type Pipeline struct {
	name     string
	deps     Deps
	cfg      Config
	initial  Stage
	next     func(Stage, *TurnState) Stage
	handlers map[Stage]Handler
}

// New builds the full pipeline.
func New(deps Deps, cfg Config, opts ...Option) *Pipeline {
	p := newPipeline("full", deps, cfg, StageLoadMemory, Next)
	p.handlers = map[Stage]Handler{
		StageLoadMemory:             p.loadMemory,
		StageInterpretInput:         p.interpretInput,
		StagePerceive:               p.perceive,
		StageCheckMemoryIntegration: p.checkMemoryIntegration,
		StageAssessRetrievalNeed:    p.assessRetrievalNeed,
		StageRetrievalSearch:        p.retrievalSearch,
		StageValidateRetrieval:      p.validateRetrieval,
		StageSimpleResponse:         p.simpleResponse,
		StageGenerateResponse:       p.generateResponse,
		StageInterpretOutput:        p.interpretOutput,
		StageMemoryUpdate:           p.memoryUpdate,
		StageFinalize:               p.finalize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewSimplified builds the single-stage pipeline that answers from templates
// and keeps no memory.
func NewSimplified(deps Deps, cfg Config, opts ...Option) *Pipeline {
	p := newPipeline("simplified", deps, cfg, StageSimpleResponse, nextSimplified)
	p.handlers = map[Stage]Handler{
		StageSimpleResponse: p.simpleResponse,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func newPipeline(name string, deps Deps, cfg Config, initial Stage, next func(Stage, *TurnState) Stage) *Pipeline {
	if deps.Checkpoints == nil {
		deps.Checkpoints = checkpoint.Noop{}
	}
	if deps.InputAnalyser == nil {
		deps.InputAnalyser = trigger.NewKeywordAnalyser()
	}
	if deps.OutputAnalyser == nil {
		deps.OutputAnalyser = trigger.NewKeywordAnalyser()
	}
	if deps.Effects == nil {
		deps.Effects = trigger.NewEffects()
	}
	if deps.Retriever == nil {
		deps.Retriever = retrieval.Noop{}
	}
	if deps.Tracker == nil {
		deps.Tracker = session.NewTracker(nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Pipeline{
		name:    name,
		deps:    deps,
		cfg:     cfg.withDefaults(),
		initial: initial,
		next:    next,
	}
}

// Name returns "full" or "simplified".
func (p *Pipeline) Name() string { return p.name }

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Persistent reports whether turns of this pipeline are written to the store.
// It requires both checkpointing and the memory manager to be enabled.
func (p *Pipeline) Persistent() bool {
	return p.name == "full" &&
		p.deps.Checkpoints.Enabled() &&
		p.deps.Memory != nil &&
		p.deps.Memory.Persistent()
}

// Run executes st from the initial stage until the terminal stage has run.
// A cancelled ctx aborts the turn before the next stage; once MemoryUpdate
// has started the turn runs to completion.
func (p *Pipeline) Run(ctx context.Context, st *TurnState) error {
	ctx, span := observe.StartTurn(ctx, p.name, st.Character, st.ThreadID, memory.SessionValue(st.SessionID))
	defer span.End()

	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now()
	}
	for stage := p.initial; stage != StageDone; stage = p.next(stage, st) {
		if stage.cancellable() {
			if err := ctx.Err(); err != nil {
				span.SetStatus(codes.Error, "cancelled")
				return fmt.Errorf("pipeline: before %s: %w", stage, err)
			}
		}
		h, ok := p.handlers[stage]
		if !ok {
			return fmt.Errorf("pipeline: no handler for stage %q", stage)
		}
		if err := p.runStage(ctx, stage, h, st); err != nil {
			observe.Fail(span, err)
			return err
		}
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, h Handler, st *TurnState) error {
	ctx, span := observe.StartStage(ctx, string(stage))
	defer span.End()

	start := time.Now()
	st.Trace = append(st.Trace, stage)
	err := h(ctx, st)
	p.deps.Metrics.RecordStage(ctx, string(stage), time.Since(start))
	if err != nil {
		observe.Fail(span, err)
		return fmt.Errorf("pipeline: stage %s: %w", stage, err)
	}
	return nil
}
