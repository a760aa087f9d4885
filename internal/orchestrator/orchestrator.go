// Package orchestrator serves dialogue turns for many characters and
// threads at once.
//
// The [Orchestrator] owns one lazily built pipeline per character, serialises
// the turns of each (character, thread) pair and runs every turn through an
// ordered chain of tiers. When the store was reachable at startup the chain
// is full → emergency; otherwise it is simplified → emergency. The emergency
// tier never fails, so [Orchestrator.ProcessMessage] always yields a reply
// for a known character.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/MrWong99/echoforge/internal/character"
	"github.com/MrWong99/echoforge/internal/checkpoint"
	"github.com/MrWong99/echoforge/internal/observe"
	"github.com/MrWong99/echoforge/internal/pipeline"
	"github.com/MrWong99/echoforge/internal/session"
	"github.com/MrWong99/echoforge/pkg/memory"
)

// Tier names.
const (
	TierFull       = "full"
	TierSimplified = "simplified"
	TierEmergency  = "emergency"
)

// Fallback reasons.
const (
	ReasonStoreUnavailable = "store-unavailable"
	ReasonPipelineError    = "pipeline-error"
)

// DefaultThread is used when a turn names no thread.
const DefaultThread = "default"

// Working history bounds. A thread idle for longer than DefaultHistoryIdle,
// or pushed out by DefaultHistoryThreads more recent ones, restarts from the
// character's configured history. Its stored summaries are unaffected.
const (
	DefaultHistoryThreads = 10_000
	DefaultHistoryIdle    = 24 * time.Hour
)

// ErrUnknownCharacter is returned for turns addressed to a character that is
// not configured.
var ErrUnknownCharacter = errors.New("orchestrator: unknown character")

const emergencyReply = "*pauses, looking distracted* Forgive me, my thoughts are elsewhere right now. Could you say that again in a moment?"

// Tier is one strategy of the fallback chain. Run receives a fresh
// [pipeline.TurnState] built from the turn's inputs.
type Tier struct {
	Name string
	Run  func(ctx context.Context, st *pipeline.TurnState) (*pipeline.TurnState, error)
}

// Status describes the memory capabilities of the running orchestrator.
type Status struct {
	StoreAvailable       bool `json:"storeAvailable"`
	CheckpointingEnabled bool `json:"checkpointingEnabled"`
	PipelinesBuilt       int  `json:"pipelinesBuilt"`
	SessionSupport       bool `json:"sessionSupport"`
}

// Config holds the collaborators of an [Orchestrator].
type Config struct {
	Characters *character.Registry

	// Memory, Checkpoints and Tracker are handed to every full pipeline.
	Memory      *session.Manager
	Checkpoints checkpoint.Saver
	Tracker     *session.Tracker

	// StoreAvailable is the outcome of the single startup ping.
	StoreAvailable bool

	// Collaborators are the remaining pipeline dependencies (LLMs,
	// analysers, retriever, effects). Its memory fields are ignored.
	Collaborators pipeline.Deps
	Pipeline      pipeline.Config

	Metrics *observe.Metrics
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithPipelineOptions passes opts to every pipeline the orchestrator builds.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(o *Orchestrator) {
		o.pipelineOpts = append(o.pipelineOpts, opts...)
	}
}

// WithHistoryLimit bounds the in-memory working histories to threads
// entries, each dropped after idle without a turn. Non-positive values keep
// the defaults.
func WithHistoryLimit(threads int, idle time.Duration) Option {
	return func(o *Orchestrator) {
		if threads > 0 {
			o.historyThreads = threads
		}
		if idle > 0 {
			o.historyIdle = idle
		}
	}
}

// Orchestrator routes turns to per-character pipelines.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	chars          *character.Registry
	memory         *session.Manager
	checkpoints    checkpoint.Saver
	tracker        *session.Tracker
	storeAvailable bool
	metrics        *observe.Metrics
	pipelineOpts   []pipeline.Option
	chain          []Tier

	mu        sync.RWMutex
	pipelines map[string]*pipeline.Pipeline
	deps      pipeline.Deps
	pcfg      pipeline.Config

	historyThreads int
	historyIdle    time.Duration
	histories      *expirable.LRU[string, []session.Exchange]

	locks *keyedMutex
}

// New creates an [Orchestrator].
func New(cfg Config, opts ...Option) *Orchestrator {
	if cfg.Checkpoints == nil {
		cfg.Checkpoints = checkpoint.Noop{}
	}
	if cfg.Tracker == nil {
		cfg.Tracker = session.NewTracker(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Characters == nil {
		cfg.Characters = character.NewRegistry(nil)
	}
	o := &Orchestrator{
		chars:          cfg.Characters,
		memory:         cfg.Memory,
		checkpoints:    cfg.Checkpoints,
		tracker:        cfg.Tracker,
		storeAvailable: cfg.StoreAvailable,
		metrics:        cfg.Metrics,
		pipelines:      make(map[string]*pipeline.Pipeline),
		deps:           cfg.Collaborators,
		pcfg:           cfg.Pipeline,
		historyThreads: DefaultHistoryThreads,
		historyIdle:    DefaultHistoryIdle,
		locks:          newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.histories = expirable.NewLRU[string, []session.Exchange](o.historyThreads, func(key string, _ []session.Exchange) {
		slog.Debug("orchestrator: working history dropped", "thread", strings.ReplaceAll(key, "\x00", "/"))
	}, o.historyIdle)

	emergency := Tier{Name: TierEmergency, Run: o.runEmergency}
	if o.storeAvailable {
		o.chain = []Tier{{Name: TierFull, Run: o.runFull}, emergency}
	} else {
		o.chain = []Tier{{Name: TierSimplified, Run: o.runSimplified}, emergency}
	}
	return o
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

// ProcessMessage runs one turn of characterName's conversation in thread.
// A nil player uses the configured default player; an empty thread uses
// [DefaultThread]; a nil sessionID leaves the turn unscoped.
//
// The only errors are [ErrUnknownCharacter] and the caller's own
// cancellation. Every other failure is absorbed by the fallback tiers.
func (o *Orchestrator) ProcessMessage(ctx context.Context, message, characterName string, player *character.Player, thread string, sessionID *string) (*pipeline.TurnState, error) {
	profile, ok := o.chars.Profile(characterName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCharacter, characterName)
	}
	if thread == "" {
		thread = DefaultThread
	}
	pl := o.chars.Player()
	if player != nil {
		pl = player.Clone()
	}

	key := historyKey(profile.Name, thread)
	unlock, err := o.locks.lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: waiting for thread %s/%s: %w", profile.Name, thread, err)
	}
	defer unlock()

	start := time.Now()
	history := o.history(key, profile)
	seed := func() *pipeline.TurnState {
		st := pipeline.NewTurnState(message, profile.Clone(), pl.Clone(), thread, sessionID, history)
		st.StartedAt = start
		return st
	}

	st := o.runChain(ctx, seed)
	if err := ctx.Err(); err != nil && !st.Committed() {
		return nil, fmt.Errorf("orchestrator: turn cancelled: %w", err)
	}
	// A committed turn is finished even when the caller has gone.
	ctx = context.WithoutCancel(ctx)

	persistent := st.Tier == TierFull && o.Persistent()
	if st.Elapsed == 0 {
		st.Elapsed = time.Since(start)
	}
	st.AttachMetadata(persistent)
	o.setHistory(key, st.History)

	if persistent {
		o.tracker.Touch(ctx, memory.SessionValue(sessionID), profile.Name)
	}
	o.metrics.RecordTurn(ctx, profile.Name, st.Tier, st.FallbackReason, st.Elapsed)
	return st, nil
}

// runChain tries each tier in order on a fresh state. The chain is a primary
// tier followed by the emergency tier, which cannot fail.
func (o *Orchestrator) runChain(ctx context.Context, seed func() *pipeline.TurnState) *pipeline.TurnState {
	var cause error
	for _, t := range o.chain {
		st := seed()
		if t.Name == TierEmergency {
			st.Error = errString(cause)
		}
		out, err := safeRun(ctx, t, st)
		if err == nil && out != nil {
			return out
		}
		if err == nil {
			err = fmt.Errorf("orchestrator: tier %s returned no state", t.Name)
		}
		cause = err
		observe.Logger(ctx).Warn("orchestrator: tier failed",
			"tier", t.Name,
			"character", st.Character,
			"thread", st.ThreadID,
			"error", err,
		)
	}
	// Unreachable while the chain ends with the emergency tier.
	return emergencyState(seed(), cause)
}

// safeRun runs t and turns a panic into an error.
func safeRun(ctx context.Context, t Tier, st *pipeline.TurnState) (out *pipeline.TurnState, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("orchestrator: tier %s panicked: %v", t.Name, r)
		}
	}()
	return t.Run(ctx, st)
}

func (o *Orchestrator) runFull(ctx context.Context, st *pipeline.TurnState) (*pipeline.TurnState, error) {
	st.Tier = TierFull
	if err := o.pipeline(st.Character).Run(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (o *Orchestrator) runSimplified(ctx context.Context, st *pipeline.TurnState) (*pipeline.TurnState, error) {
	st.Tier = TierSimplified
	st.FallbackReason = ReasonStoreUnavailable
	if err := o.pipeline(st.Character).Run(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (o *Orchestrator) runEmergency(_ context.Context, st *pipeline.TurnState) (*pipeline.TurnState, error) {
	return emergencyState(st, errors.New(st.Error)), nil
}

// emergencyState turns st into the character's apology, or the built-in one
// when it has none. Session and history are left exactly as they came in.
func emergencyState(st *pipeline.TurnState, cause error) *pipeline.TurnState {
	st.Tier = TierEmergency
	st.EmergencyFallback = true
	st.FallbackReason = ReasonPipelineError
	st.Error = errString(cause)
	st.Response = st.Profile.Apology(emergencyReply)
	return st
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline registry
// ─────────────────────────────────────────────────────────────────────────────

// pipeline returns the cached pipeline of name, building it on first use.
func (o *Orchestrator) pipeline(name string) *pipeline.Pipeline {
	o.mu.RLock()
	p, ok := o.pipelines[name]
	o.mu.RUnlock()
	if ok {
		return p
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.pipelines[name]; ok {
		return p
	}
	deps := o.deps
	deps.Memory = o.memory
	deps.Checkpoints = o.checkpoints
	deps.Tracker = o.tracker
	deps.Metrics = o.metrics
	if o.storeAvailable {
		p = pipeline.New(deps, o.pcfg, o.pipelineOpts...)
	} else {
		p = pipeline.NewSimplified(deps, o.pcfg, o.pipelineOpts...)
	}
	o.pipelines[name] = p
	o.metrics.RecordPipelines(context.Background(), 1)
	return p
}

// Invalidate drops every cached pipeline. They are rebuilt on next use.
func (o *Orchestrator) Invalidate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invalidateLocked()
}

func (o *Orchestrator) invalidateLocked() {
	if n := len(o.pipelines); n > 0 {
		o.metrics.RecordPipelines(context.Background(), -n)
	}
	o.pipelines = make(map[string]*pipeline.Pipeline)
}

// SetPipelineConfig replaces the pipeline settings and collaborators used for
// future pipelines and invalidates the cache.
func (o *Orchestrator) SetPipelineConfig(cfg pipeline.Config, collaborators pipeline.Deps) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pcfg = cfg
	o.deps = collaborators
	o.invalidateLocked()
}

// SetPersistence switches checkpointing, summary persistence and session
// tracking together, then invalidates the pipeline cache.
func (o *Orchestrator) SetPersistence(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.checkpoints.(interface{ SetEnabled(bool) }); ok {
		t.SetEnabled(enabled)
	}
	if o.memory != nil {
		o.memory.SetPersistence(enabled)
	}
	o.tracker.SetEnabled(enabled)
	o.invalidateLocked()
	slog.Info("orchestrator: persistence toggled", "enabled", enabled)
}

// Persistent reports whether full turns are currently written to the store.
func (o *Orchestrator) Persistent() bool {
	return o.storeAvailable &&
		o.checkpoints.Enabled() &&
		o.memory != nil &&
		o.memory.Persistent()
}

// Status reports the memory capabilities.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	built := len(o.pipelines)
	o.mu.RUnlock()
	return Status{
		StoreAvailable:       o.storeAvailable,
		CheckpointingEnabled: o.checkpoints.Enabled(),
		PipelinesBuilt:       built,
		SessionSupport:       o.Persistent(),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Working histories
// ─────────────────────────────────────────────────────────────────────────────

func historyKey(character, thread string) string {
	return character + "\x00" + thread
}

// history returns a copy of the working history of key, seeded from the
// profile's stored exchanges on first use.
func (o *Orchestrator) history(key string, profile character.Profile) []session.Exchange {
	h, ok := o.histories.Get(key)
	if !ok {
		h = profile.History
	}
	return append([]session.Exchange(nil), h...)
}

// setHistory stores a copy of h and restarts the idle clock of key.
func (o *Orchestrator) setHistory(key string, h []session.Exchange) {
	o.histories.Add(key, append([]session.Exchange(nil), h...))
}

// WorkingHistory returns a copy of the in-memory history of a thread.
func (o *Orchestrator) WorkingHistory(character, thread string) []session.Exchange {
	if thread == "" {
		thread = DefaultThread
	}
	profile, ok := o.chars.Profile(character)
	if !ok {
		return []session.Exchange{}
	}
	return o.history(historyKey(profile.Name, thread), profile)
}

// ─────────────────────────────────────────────────────────────────────────────
// Memory views
// ─────────────────────────────────────────────────────────────────────────────

// Characters lists the configured character names.
func (o *Orchestrator) Characters() []string {
	return o.chars.Names()
}

// HistorySummary describes the stored memory of a thread across sessions.
func (o *Orchestrator) HistorySummary(ctx context.Context, character, thread string, limit int) session.HistoryOverview {
	if thread == "" {
		thread = DefaultThread
	}
	if o.memory == nil {
		return session.HistoryOverview{Character: character, Thread: thread, Summaries: []session.SummaryOverview{}}
	}
	return o.memory.HistorySummary(ctx, character, thread, limit)
}

// ClearMemory forgets a thread: the working history always, the stored
// messages and (unless keepSummaries) summaries when persistence is on. It
// reports whether the stored data was deleted.
func (o *Orchestrator) ClearMemory(ctx context.Context, character, thread string, keepSummaries bool) bool {
	if thread == "" {
		thread = DefaultThread
	}
	key := historyKey(character, thread)
	unlock, err := o.locks.lock(ctx, key)
	if err != nil {
		return false
	}
	defer unlock()

	o.setHistory(key, []session.Exchange{})

	if o.memory == nil {
		return false
	}
	return o.memory.ClearThread(ctx, character, thread, keepSummaries)
}

// ListSessions returns the sessions that own at least one checkpoint.
func (o *Orchestrator) ListSessions(ctx context.Context) []string {
	ids, err := o.checkpoints.ListSessionIDs(ctx)
	if err != nil {
		observe.Logger(ctx).Warn("orchestrator: listing sessions failed", "error", err)
		return []string{}
	}
	sort.Strings(ids)
	return ids
}

// GameSessions lists tracked game sessions, most recently played first.
func (o *Orchestrator) GameSessions(ctx context.Context, activeOnly bool, limit int) []memory.GameSession {
	return o.tracker.Sessions(ctx, activeOnly, limit)
}

// SessionEvents returns the newest audit events of a game session.
func (o *Orchestrator) SessionEvents(ctx context.Context, sessionID string, limit int) []memory.SessionEvent {
	return o.tracker.Events(ctx, sessionID, limit)
}

// Checkpoints returns up to limit checkpoints of a thread, newest first.
func (o *Orchestrator) Checkpoints(ctx context.Context, character, thread string, sessionID *string, limit int) []checkpoint.Checkpoint {
	if thread == "" {
		thread = DefaultThread
	}
	cps, err := o.checkpoints.List(ctx, checkpoint.ThreadKey{Character: character, Thread: thread, Session: sessionID}, limit)
	if err != nil {
		observe.Logger(ctx).Warn("orchestrator: listing checkpoints failed", "character", character, "thread", thread, "error", err)
		return []checkpoint.Checkpoint{}
	}
	return cps
}
