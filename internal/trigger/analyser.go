package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

// Analyser estimates trigger probabilities for a piece of dialogue. It never
// fails: implementations degrade to a weaker method or to [Zero].
type Analyser interface {
	Analyse(ctx context.Context, req Request) Result
}

const analysisPrompt = `You detect game-relevant intents in dialogue of a narrative game.
You receive a list of triggers as JSON, each with a description and a probability threshold,
and one piece of dialogue. Estimate for every trigger the probability in [0, 1] that the
dialogue expresses it. When a trigger carries a value (for example an amount of gold), report it.

Answer with JSON only, in exactly this shape:
{"trigger_probs": {"<trigger>": <probability>}, "values": {"<trigger>": <value>},
 "refused": [{"trigger": "<trigger>", "reason_refused": "<short reason>"}]}`

// verdict is the JSON shape requested from the model. The input_* and
// output_* aliases are accepted as well.
type verdict struct {
	Probs        map[string]float64 `json:"trigger_probs"`
	InputProbs   map[string]float64 `json:"input_trigger_probs"`
	OutputProbs  map[string]float64 `json:"output_trigger_probs"`
	Values       map[string]any     `json:"values"`
	Refused      []Rejection        `json:"refused"`
	InputRefused []Rejection        `json:"refused_input_triggers"`
}

func (v verdict) probabilities() map[string]float64 {
	switch {
	case v.Probs != nil:
		return v.Probs
	case v.InputProbs != nil:
		return v.InputProbs
	default:
		return v.OutputProbs
	}
}

// LLMAnalyser asks a language model for trigger probabilities. Acceptance is
// always recomputed locally with [Decide], so the model cannot bypass
// thresholds or conditions.
type LLMAnalyser struct {
	llm      llm.Provider
	fallback Analyser
}

var _ Analyser = (*LLMAnalyser)(nil)

// NewLLMAnalyser returns an analyser backed by provider. When the provider
// call fails the analysis is delegated to fallback; a nil fallback means a
// [KeywordAnalyser] with default options.
func NewLLMAnalyser(provider llm.Provider, fallback Analyser) *LLMAnalyser {
	if fallback == nil {
		fallback = NewKeywordAnalyser()
	}
	return &LLMAnalyser{llm: provider, fallback: fallback}
}

// Analyse implements [Analyser].
func (a *LLMAnalyser) Analyse(ctx context.Context, req Request) Result {
	if len(req.Definitions) == 0 {
		return Zero(nil, "llm")
	}

	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: analysisPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: buildAnalysisInput(req)}},
		Temperature:  llm.Temperature(0),
	})
	if err != nil {
		slog.Warn("trigger: llm analysis failed, using keyword fallback",
			"direction", req.Direction, "character", req.Character, "err", err)
		return a.fallback.Analyse(ctx, req)
	}

	raw := ""
	if resp != nil {
		raw = resp.Content
	}
	v, err := parseVerdict(raw)
	if err != nil {
		slog.Warn("trigger: unparseable analysis, nothing activated",
			"direction", req.Direction, "character", req.Character, "err", err, "raw", raw)
		return Zero(req.Definitions, "llm")
	}

	res := Decide(req.Definitions, v.probabilities(), req.Attributes)
	res.Method = "llm"
	res.Values = v.Values

	// Prefer the model's wording for refusals it explains itself.
	reasons := make(map[string]string)
	for _, r := range append(v.Refused, v.InputRefused...) {
		if r.Reason != "" {
			reasons[r.Trigger] = r.Reason
		}
	}
	for i, r := range res.Rejected {
		if why, ok := reasons[r.Trigger]; ok {
			res.Rejected[i].Reason = r.Reason + " (" + why + ")"
		}
	}
	return res
}

func parseVerdict(raw string) (verdict, error) {
	js := ExtractJSON(raw)
	if js == "" {
		return verdict{}, fmt.Errorf("trigger: no json object in response")
	}
	var v verdict
	if err := json.Unmarshal([]byte(js), &v); err != nil {
		return verdict{}, fmt.Errorf("trigger: decode verdict: %w", err)
	}
	if v.probabilities() == nil {
		return verdict{}, fmt.Errorf("trigger: verdict has no probabilities")
	}
	return v, nil
}

type promptTrigger struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Threshold   float64 `json:"threshold"`
}

func buildAnalysisInput(req Request) string {
	list := make([]promptTrigger, 0, len(req.Definitions))
	for _, d := range req.Definitions {
		list = append(list, promptTrigger{Name: d.Name, Description: d.Description, Threshold: d.Threshold})
	}
	js, _ := json.Marshal(list)

	speaker := "Player"
	if req.Direction == Output {
		speaker = req.Character
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Triggers (%s):\n%s\n\n", req.Direction, js)
	fmt.Fprintf(&sb, "Dialogue by %s:\n%q\n", speaker, req.Text)
	return sb.String()
}
