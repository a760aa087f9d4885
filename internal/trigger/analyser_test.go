package trigger

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/echoforge/internal/config"
	"github.com/MrWong99/echoforge/pkg/provider/llm"
	llmmock "github.com/MrWong99/echoforge/pkg/provider/llm/mock"
)

func fathiraInput() []Definition {
	return Definitions(map[string]config.TriggerConfig{
		"ask_gold": {
			Description: "The player asks for gold",
			Threshold:   0.7,
			Keywords:    []string{"gold", "money", "coins"},
			Conditions:  []string{"gold < 10"},
		},
		"farewell": {
			Threshold: 0.6,
			Keywords:  []string{"goodbye", "farewell", "bye"},
		},
	})
}

func TestDefinitions_SortedByName(t *testing.T) {
	t.Parallel()
	defs := fathiraInput()
	if len(defs) != 2 || defs[0].Name != "ask_gold" || defs[1].Name != "farewell" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()
	defs := fathiraInput()

	t.Run("threshold is inclusive", func(t *testing.T) {
		t.Parallel()
		res := Decide(defs, map[string]float64{"farewell": 0.6}, nil)
		if len(res.Accepted) != 1 || res.Accepted[0] != "farewell" {
			t.Errorf("accepted: got %v", res.Accepted)
		}
	})

	t.Run("below threshold is neither accepted nor rejected", func(t *testing.T) {
		t.Parallel()
		res := Decide(defs, map[string]float64{"farewell": 0.59}, nil)
		if len(res.Accepted) != 0 || len(res.Rejected) != 0 {
			t.Errorf("got accepted=%v rejected=%v", res.Accepted, res.Rejected)
		}
	})

	t.Run("failed condition rejects", func(t *testing.T) {
		t.Parallel()
		res := Decide(defs, map[string]float64{"ask_gold": 0.9}, map[string]any{"gold": 50})
		if len(res.Accepted) != 0 {
			t.Errorf("accepted: got %v", res.Accepted)
		}
		if len(res.Rejected) != 1 || !strings.Contains(res.Rejected[0].Reason, "gold < 10") {
			t.Errorf("rejected: got %+v", res.Rejected)
		}
	})

	t.Run("condition holds", func(t *testing.T) {
		t.Parallel()
		res := Decide(defs, map[string]float64{"ask_gold": 0.9}, map[string]any{"gold": 0})
		if len(res.Accepted) != 1 || res.Accepted[0] != "ask_gold" {
			t.Errorf("accepted: got %v", res.Accepted)
		}
	})

	t.Run("probabilities are clamped", func(t *testing.T) {
		t.Parallel()
		res := Decide(defs, map[string]float64{"farewell": 7, "ask_gold": -1}, map[string]any{"gold": 0})
		if res.Probabilities["farewell"] != 1 || res.Probabilities["ask_gold"] != 0 {
			t.Errorf("probabilities: got %v", res.Probabilities)
		}
	})
}

func TestKeywordAnalyser(t *testing.T) {
	t.Parallel()
	k := NewKeywordAnalyser()
	attrs := map[string]any{"gold": 0}

	tests := []struct {
		name     string
		text     string
		accepted []string
	}{
		{name: "exact keyword", text: "Could you spare some gold?", accepted: []string{"ask_gold"}},
		{name: "misspelt farewell", text: "Well, goodby then!", accepted: []string{"farewell"}},
		{name: "short word does not fuzz", text: "By the way, nice hat.", accepted: nil},
		{name: "both", text: "Coins please, and then farewell.", accepted: []string{"ask_gold", "farewell"}},
		{name: "nothing", text: "What a lovely island.", accepted: nil},
		{name: "prefix of a keyword", text: "Good morning, mayor!", accepted: nil},
		{name: "prefix mid-sentence", text: "The soup smells good today", accepted: nil},
		{name: "transposed farewell", text: "Well, godbye.", accepted: []string{"farewell"}},
		{name: "exact goodbye", text: "Goodbye, Fathira.", accepted: []string{"farewell"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := k.Analyse(context.Background(), Request{Text: tc.text, Definitions: fathiraInput(), Attributes: attrs})
			if strings.Join(res.Accepted, ",") != strings.Join(tc.accepted, ",") {
				t.Errorf("accepted: got %v, want %v (probs %v)", res.Accepted, tc.accepted, res.Probabilities)
			}
			if res.Method != "keyword" {
				t.Errorf("method: got %q", res.Method)
			}
		})
	}
}

func TestComparableLength(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a, b string
		want bool
	}{
		{"good", "goodbye", false},
		{"goodby", "goodbye", true},
		{"godbye", "goodbye", true},
		{"farewel", "farewell", true},
		{"fare", "farewell", false},
		{"goodbyeeeee", "goodbye", false},
	}
	for _, tc := range tests {
		if got := comparableLength(tc.a, tc.b); got != tc.want {
			t.Errorf("comparableLength(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestKeywordAnalyser_NameAsKeyword(t *testing.T) {
	t.Parallel()
	defs := []Definition{{Name: "repair_montgolfiere", Threshold: 0.5}}
	res := NewKeywordAnalyser().Analyse(context.Background(), Request{Text: "Can you repair it?", Definitions: defs})
	if len(res.Accepted) != 1 {
		t.Errorf("expected name words to act as keywords, got %+v", res)
	}
}

func TestLLMAnalyser(t *testing.T) {
	t.Parallel()
	attrs := map[string]any{"gold": 0}

	t.Run("parses fenced verdict and applies thresholds locally", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
			Content: "```json\n{\"input_trigger_probs\": {\"ask_gold\": 0.95, \"farewell\": 0.2}, \"activated_input_triggers\": [\"ask_gold\", \"farewell\"]}\n```",
		}}
		res := NewLLMAnalyser(p, nil).Analyse(context.Background(), Request{
			Direction: Input, Character: "Fathira", Text: "Give me gold", Definitions: fathiraInput(), Attributes: attrs,
		})
		if strings.Join(res.Accepted, ",") != "ask_gold" {
			t.Errorf("accepted: got %v", res.Accepted)
		}
		if res.Method != "llm" {
			t.Errorf("method: got %q", res.Method)
		}
		if len(p.CompleteCalls) != 1 {
			t.Fatalf("expected 1 llm call, got %d", len(p.CompleteCalls))
		}
		prompt := p.CompleteCalls[0].Req.Messages[0].Content
		if !strings.Contains(prompt, "ask_gold") || !strings.Contains(prompt, "Give me gold") {
			t.Errorf("prompt missing triggers or text: %s", prompt)
		}
	})

	t.Run("model refusal reason is kept", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
			Content: `Final Answer: {"trigger_probs": {"ask_gold": 0.9}, "refused": [{"trigger": "ask_gold", "reason_refused": "already rich"}]}`,
		}}
		res := NewLLMAnalyser(p, nil).Analyse(context.Background(), Request{
			Text: "gold!", Definitions: fathiraInput(), Attributes: map[string]any{"gold": 100},
		})
		if len(res.Rejected) != 1 || !strings.Contains(res.Rejected[0].Reason, "already rich") {
			t.Errorf("rejected: got %+v", res.Rejected)
		}
	})

	t.Run("provider error falls back to keywords", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
		res := NewLLMAnalyser(p, nil).Analyse(context.Background(), Request{
			Text: "goodbye", Definitions: fathiraInput(), Attributes: attrs,
		})
		if res.Method != "keyword" || strings.Join(res.Accepted, ",") != "farewell" {
			t.Errorf("got %+v", res)
		}
	})

	t.Run("malformed output activates nothing", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "I think they want gold, maybe."}}
		res := NewLLMAnalyser(p, nil).Analyse(context.Background(), Request{
			Text: "goodbye and give me gold", Definitions: fathiraInput(), Attributes: attrs,
		})
		if len(res.Accepted) != 0 {
			t.Errorf("accepted: got %v", res.Accepted)
		}
		for name, prob := range res.Probabilities {
			if prob != 0 {
				t.Errorf("%s: got %v, want 0", name, prob)
			}
		}
		if len(res.Probabilities) != 2 {
			t.Errorf("expected a zero entry per trigger, got %v", res.Probabilities)
		}
	})

	t.Run("no definitions skips the model", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{}
		NewLLMAnalyser(p, nil).Analyse(context.Background(), Request{Text: "hi"})
		if len(p.CompleteCalls) != 0 {
			t.Errorf("expected no llm call, got %d", len(p.CompleteCalls))
		}
	})

	t.Run("output values are reported", func(t *testing.T) {
		t.Parallel()
		defs := Definitions(map[string]config.TriggerConfig{
			"give_gold": {Threshold: 0.8, Effect: &config.EffectConfig{Type: config.EffectGrantCurrency, Amount: 10}},
		})
		p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
			Content: `{"output_trigger_probs": {"give_gold": 0.8}, "values": {"give_gold": 25}}`,
		}}
		res := NewLLMAnalyser(p, nil).Analyse(context.Background(), Request{
			Direction: Output, Character: "Fathira", Text: "*hands over 25 coins*", Definitions: defs,
		})
		acts := res.Activations(defs)
		if len(acts) != 1 || acts[0].Value != 25.0 || acts[0].Effect == nil {
			t.Fatalf("activations: got %+v", acts)
		}
	})
}
