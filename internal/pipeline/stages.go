package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echoforge/internal/character"
	"github.com/MrWong99/echoforge/internal/observe"
	"github.com/MrWong99/echoforge/internal/retrieval"
	"github.com/MrWong99/echoforge/internal/session"
	"github.com/MrWong99/echoforge/internal/trigger"
	"github.com/MrWong99/echoforge/pkg/memory"
	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

// persistedKey marks exchanges whose messages are already stored.
const persistedKey = "persisted"

// ─────────────────────────────────────────────────────────────────────────────
// Memory
// ─────────────────────────────────────────────────────────────────────────────

func (p *Pipeline) loadMemory(ctx context.Context, st *TurnState) error {
	defer func() { st.MemoryLoaded = true }()
	if !p.Persistent() {
		return nil
	}

	var (
		sums  []memory.Summary
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sums = p.deps.Memory.Summaries(gctx, st.Character, st.ThreadID, st.SessionID, p.cfg.MaxContextSummaries)
		return nil
	})
	g.Go(func() error {
		total = p.deps.Memory.CountMessages(gctx, st.Character, st.ThreadID, st.SessionID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load memory: %w", err)
	}

	st.Summaries = sums
	st.TotalInteractions = total
	st.ContextSummary = CondenseSummaries(sums, p.cfg.MaxContextSummaries, p.cfg.ContextCharBudget)
	return nil
}

// CondenseSummaries joins the texts of at most n summaries (given newest
// first) with blank lines and cuts the result to budget runes.
func CondenseSummaries(sums []memory.Summary, n, budget int) string {
	parts := make([]string, 0, min(n, len(sums)))
	for _, s := range sums {
		if len(parts) == n {
			break
		}
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	out := strings.Join(parts, "\n\n")
	if budget > 0 && utf8.RuneCountInString(out) > budget {
		out = string([]rune(out)[:budget])
	}
	return out
}

func (p *Pipeline) memoryUpdate(ctx context.Context, st *TurnState) error {
	ctx = context.WithoutCancel(ctx)

	st.History = append(st.History, session.Exchange{
		UserText:      st.UserMessage,
		AssistantText: st.Response,
		Timestamp:     time.Now().UTC(),
		Metadata:      annotations(st),
	})

	if !p.Persistent() {
		st.History = session.Tail(st.History, p.cfg.MaxHistory)
		return nil
	}

	mem := p.deps.Memory
	dec := mem.ShouldSummarize(st.AcceptedInputTriggers, len(st.History))
	if !dec.Summarize {
		return nil
	}

	log := observe.Logger(ctx)
	status := "ok"
	sum, err := mem.CreateSummary(ctx, st.History, st.Character, st.ThreadID, st.SessionID)
	var se *session.SummaryError
	if errors.As(err, &se) {
		log.Warn("pipeline: summarisation failed, storing placeholder", "character", st.Character, "thread", st.ThreadID, "error", se.Err)
		st.debug("summary_error", se.Err.Error())
		sum, status = se.Summary, "fallback"
	}
	sum.TriggerKind = dec.Kind
	sum.TriggerMetadata = dec.Metadata

	id, ok := mem.SaveMessages(ctx, sum, unpersisted(st.History))
	if !ok {
		p.deps.Metrics.RecordSummary(ctx, string(dec.Kind), "error")
		st.debug("summary_error", "window not persisted")
		// Keep the unsaved exchanges so the next turn can retry, within bounds.
		st.History = session.Tail(st.History, max(p.cfg.MaxHistory, mem.Config().MaxMessagesWithoutSummary))
		return nil
	}
	sum.ID = id
	st.Summary = &sum
	st.History = markPersisted(mem.Truncate(st.History))
	p.deps.Metrics.RecordSummary(ctx, string(dec.Kind), status)
	log.Info("pipeline: summary written", "character", st.Character, "thread", st.ThreadID, "kind", dec.Kind, "exchanges", sum.MessagesCount, "reason", dec.Reason)

	p.deps.Tracker.LogEvent(ctx, memory.SessionValue(st.SessionID), session.EventSummary, map[string]any{
		"character":      st.Character,
		"thread":         st.ThreadID,
		"summary_id":     id,
		"trigger_kind":   string(dec.Kind),
		"messages_count": sum.MessagesCount,
	})
	return nil
}

// unpersisted returns the exchanges whose messages are not stored yet.
func unpersisted(history []session.Exchange) []session.Exchange {
	out := make([]session.Exchange, 0, len(history))
	for _, ex := range history {
		if done, _ := ex.Metadata[persistedKey].(bool); !done {
			out = append(out, ex)
		}
	}
	return out
}

// markPersisted flags every exchange as stored. Metadata maps are copied.
func markPersisted(history []session.Exchange) []session.Exchange {
	for i, ex := range history {
		md := make(map[string]any, len(ex.Metadata)+1)
		for k, v := range ex.Metadata {
			md[k] = v
		}
		md[persistedKey] = true
		history[i].Metadata = md
	}
	return history
}

// ─────────────────────────────────────────────────────────────────────────────
// Understanding the player
// ─────────────────────────────────────────────────────────────────────────────

func (p *Pipeline) interpretInput(ctx context.Context, st *TurnState) error {
	res := p.deps.InputAnalyser.Analyse(ctx, trigger.Request{
		Direction:   trigger.Input,
		Character:   st.Character,
		Text:        strings.TrimSpace(st.UserMessage),
		Definitions: trigger.Definitions(st.Profile.Triggers.Input),
		Attributes:  character.Attributes(st.Profile, st.Player),
	})
	st.InputTriggerProbs = res.Probabilities
	st.AcceptedInputTriggers = res.Accepted
	st.RejectedInputTriggers = res.Rejected
	st.debug("input_trigger_method", res.Method)
	return nil
}

func (p *Pipeline) perceive(_ context.Context, st *TurnState) error {
	classify(st)
	st.NeedsRetrieval = false
	st.NeedsRetrievalRetry = false
	st.RetryReason = ""
	st.RetrievalQueries = nil
	st.RetrievalResults = nil
	st.RelevantKnowledge = nil
	st.searchFailed = false
	return nil
}

// classify trims the message, extracts actions and sets intent and
// complexity from the spoken part.
func classify(st *TurnState) {
	st.Message = strings.TrimSpace(st.UserMessage)
	actions, speech := ParseActions(st.Message)
	st.Actions = actions
	if speech == "" {
		speech = st.Message
	}
	st.Intent = ClassifyIntent(speech)
	st.Complexity = ClassifyComplexity(speech, st.Intent)
}

func (p *Pipeline) checkMemoryIntegration(_ context.Context, st *TurnState) error {
	st.UseMemoryContext = len(st.Summaries) > 0 || st.ContextSummary != ""
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Retrieval
// ─────────────────────────────────────────────────────────────────────────────

func (p *Pipeline) assessRetrievalNeed(ctx context.Context, st *TurnState) error {
	var a Assessment
	if p.deps.Judge != nil {
		var err error
		a, err = judge(ctx, p.deps.Judge, st)
		if err != nil {
			observe.Logger(ctx).Warn("pipeline: retrieval judge failed, using keyword scorer", "character", st.Character, "error", err)
			st.debug("judge_error", err.Error())
			a = AssessKeywords(st.Message, st.Intent)
		}
	} else {
		a = AssessKeywords(st.Message, st.Intent)
	}
	if a.NeedsRetrieval && a.Query == "" {
		if a.Query = AssessKeywords(st.Message, st.Intent).Query; a.Query == "" {
			a.Query = capQuery(st.Message)
		}
	}

	st.NeedsRetrieval = a.NeedsRetrieval
	if a.NeedsRetrieval {
		st.RetrievalQueries = []string{a.Query}
	}
	st.debug("retrieval_assessment", map[string]any{
		"method":     a.Method,
		"confidence": a.Confidence,
		"reasoning":  a.Reasoning,
	})
	return nil
}

func (p *Pipeline) retrievalSearch(ctx context.Context, st *TurnState) error {
	if len(st.RetrievalQueries) == 0 {
		st.RetrievalQueries = []string{capQuery(st.Message)}
	}
	query := st.RetrievalQueries[len(st.RetrievalQueries)-1]
	if st.NeedsRetrievalRetry {
		q, method := reformulate(ctx, p.deps.Reformulator, st, query)
		st.RetrievalQueries = append(st.RetrievalQueries, q)
		st.NeedsRetrievalRetry = false
		st.debug("reformulation_method", method)
		p.deps.Metrics.RecordRetrieval(ctx, "retry")
		query = q
	}

	results, err := retrieval.Search(ctx, p.deps.Retriever, query, st.Character, p.cfg.WorldTopK, p.cfg.CharacterTopK)
	if err != nil {
		observe.Logger(ctx).Warn("pipeline: knowledge search failed", "character", st.Character, "query", query, "error", err)
		st.debug("retrieval_error", err.Error())
		st.searchFailed = true
		p.deps.Metrics.RecordRetrieval(ctx, "error")
		return nil
	}
	st.searchFailed = false
	st.RetrievalResults = mergeResults(st.RetrievalResults, results)
	return nil
}

// mergeResults adds the results of a new attempt, keeping the higher
// relevance for content seen twice, sorted by relevance.
func mergeResults(prev, next []retrieval.Result) []retrieval.Result {
	out := append([]retrieval.Result(nil), prev...)
	for _, r := range next {
		dup := false
		for i := range out {
			if out[i].Content == r.Content {
				out[i].Relevance = max(out[i].Relevance, r.Relevance)
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, r)
		}
	}
	retrieval.SortByRelevance(out)
	return out
}

func (p *Pipeline) validateRetrieval(ctx context.Context, st *TurnState) error {
	top := 0.0
	if len(st.RetrievalResults) > 0 {
		top = st.RetrievalResults[0].Relevance
	}
	retries := len(st.RetrievalQueries) - 1
	if !st.searchFailed && top < p.cfg.MinRelevance && retries < p.cfg.MaxRetrievalRetries {
		st.NeedsRetrievalRetry = true
		st.RetryReason = fmt.Sprintf("top relevance %.2f below %.2f", top, p.cfg.MinRelevance)
		return nil
	}

	st.NeedsRetrievalRetry = false
	st.RelevantKnowledge = retrieval.Best(st.RetrievalResults, DefaultKnowledgeResults)
	if !st.searchFailed {
		outcome := "miss"
		if top >= p.cfg.MinRelevance {
			outcome = "hit"
		}
		p.deps.Metrics.RecordRetrieval(ctx, outcome)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Replying
// ─────────────────────────────────────────────────────────────────────────────

func (p *Pipeline) simpleResponse(_ context.Context, st *TurnState) error {
	if st.Intent == "" {
		classify(st)
	}
	st.Response = st.Profile.Reply(string(st.Intent))
	return nil
}

func (p *Pipeline) generateResponse(ctx context.Context, st *TurnState) error {
	if p.deps.Generator == nil {
		st.debug("generation", "no provider configured")
		st.Response = st.Profile.Reply(string(st.Intent))
		return nil
	}

	resp, err := p.deps.Generator.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: FormatSystemPrompt(st),
		Messages:     generationMessages(st),
		Temperature:  llm.Temperature(0.8),
		MaxTokens:    300,
	})
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = errors.New("empty completion")
	}
	if err != nil {
		observe.Logger(ctx).Warn("pipeline: generation failed, using template reply", "character", st.Character, "error", err)
		st.debug("generation_error", err.Error())
		st.Response = st.Profile.Reply(string(st.Intent))
		return nil
	}
	st.Response = strings.TrimSpace(resp.Content)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Consequences
// ─────────────────────────────────────────────────────────────────────────────

func (p *Pipeline) interpretOutput(ctx context.Context, st *TurnState) error {
	st.UpdatedStats = st.Player.Stats.Clone()
	st.ActivatedOutputTriggers = []trigger.Activation{}
	st.AppliedEffects = []trigger.Applied{}

	defs := trigger.Definitions(st.Profile.Triggers.Output)
	if len(defs) == 0 {
		st.OutputTriggerProbs = map[string]float64{}
		return nil
	}

	res := p.deps.OutputAnalyser.Analyse(ctx, trigger.Request{
		Direction:   trigger.Output,
		Character:   st.Character,
		Text:        st.Response,
		Definitions: defs,
		Attributes:  character.Attributes(st.Profile, st.Player),
	})
	st.OutputTriggerProbs = res.Probabilities
	st.ActivatedOutputTriggers = res.Activations(defs)
	st.UpdatedStats, st.AppliedEffects = p.deps.Effects.Apply(st.Player.Stats, st.ActivatedOutputTriggers)
	if len(res.Rejected) > 0 {
		st.debug("rejected_output_triggers", res.Rejected)
	}
	return nil
}

func (p *Pipeline) finalize(ctx context.Context, st *TurnState) error {
	ctx = context.WithoutCancel(ctx)
	persistent := p.Persistent()
	if persistent {
		st.TotalInteractions = p.deps.Memory.CountMessages(ctx, st.Character, st.ThreadID, st.SessionID)
		st.StoredSummaries = p.deps.Memory.CountSummaries(ctx, st.Character, st.ThreadID, st.SessionID)
	}

	m := p.deps.Metrics
	sessionID := memory.SessionValue(st.SessionID)
	for _, name := range st.AcceptedInputTriggers {
		m.RecordTrigger(ctx, string(trigger.Input), name)
	}
	for _, a := range st.ActivatedOutputTriggers {
		m.RecordTrigger(ctx, string(trigger.Output), a.Name)
		p.deps.Tracker.LogEvent(ctx, sessionID, session.EventTrigger, map[string]any{
			"character":   st.Character,
			"trigger":     a.Name,
			"probability": a.Probability,
		})
	}
	for _, e := range st.AppliedEffects {
		p.deps.Tracker.LogEvent(ctx, sessionID, session.EventEffect, map[string]any{
			"character": st.Character,
			"trigger":   e.Trigger,
			"type":      string(e.Type),
			"item":      e.Item,
			"flag":      e.Flag,
			"amount":    e.Amount,
		})
	}

	st.Elapsed = time.Since(st.StartedAt)
	st.AttachMetadata(persistent)
	return nil
}
