package pipeline

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/echoforge/internal/retrieval"
)

func TestParseActions(t *testing.T) {
	t.Parallel()

	actions, speech := ParseActions("*waves* Hello   there *smiles warmly*")
	if !slices.Equal(actions, []string{"waves", "smiles warmly"}) {
		t.Errorf("actions = %q", actions)
	}
	if speech != "Hello there" {
		t.Errorf("speech = %q, want %q", speech, "Hello there")
	}

	actions, speech = ParseActions("no actions here")
	if len(actions) != 0 || speech != "no actions here" {
		t.Errorf("got %q / %q", actions, speech)
	}
}

func TestClassifyIntent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want Intent
	}{
		{"Hello there!", IntentGreeting},
		{"Goodbye, Fathira", IntentFarewell},
		{"Why is the balloon broken?", IntentQuestion},
		{"Could you repair my boat", IntentRequest},
		{"I want to buy fabric", IntentTransaction},
		{"I am so sad today", IntentEmotional},
		{"I take the lantern", IntentGameAction},
		{"Nice weather today", IntentSmallTalk},
		{"The sea is calm", IntentGeneral},
		{"this is it", IntentGeneral},
	}
	for _, tc := range tests {
		t.Run(tc.msg, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyIntent(tc.msg); got != tc.want {
				t.Errorf("ClassifyIntent(%q) = %q, want %q", tc.msg, got, tc.want)
			}
		})
	}
}

func TestClassifyComplexity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want Complexity
	}{
		{"Hello", Simple},
		{"yes", Simple},
		{"Goodbye Fathira", Simple},
		{"Tell me about the history of the island", Complex},
		{"Why?", Complex},
		{"I want to buy fabric", Medium},
		{"The sea is calm", Medium},
		{"one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen", Complex},
	}
	for _, tc := range tests {
		t.Run(tc.msg, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyComplexity(tc.msg, ClassifyIntent(tc.msg)); got != tc.want {
				t.Errorf("ClassifyComplexity(%q) = %q, want %q", tc.msg, got, tc.want)
			}
		})
	}
}

func TestAssessKeywords(t *testing.T) {
	t.Parallel()

	t.Run("lore question needs retrieval", func(t *testing.T) {
		t.Parallel()
		a := AssessKeywords("Tell me about the history of this island and its founding", IntentGeneral)
		if !a.NeedsRetrieval {
			t.Fatalf("NeedsRetrieval = false (%s)", a.Reasoning)
		}
		for _, w := range []string{"history", "island", "founding"} {
			if !strings.Contains(a.Query, w) {
				t.Errorf("query %q misses %q", a.Query, w)
			}
		}
		if strings.Contains(a.Query, "about") {
			t.Errorf("query %q contains a stopword", a.Query)
		}
	})

	t.Run("greeting does not", func(t *testing.T) {
		t.Parallel()
		a := AssessKeywords("Hello!", IntentGreeting)
		if a.NeedsRetrieval || a.Query != "" {
			t.Errorf("got %+v", a)
		}
		if a.Confidence != 0.3 {
			t.Errorf("Confidence = %v, want 0.3", a.Confidence)
		}
	})

	t.Run("confidence is capped", func(t *testing.T) {
		t.Parallel()
		a := AssessKeywords("What is the secret of the old lighthouse?", IntentQuestion)
		if !a.NeedsRetrieval || a.Confidence != 0.8 {
			t.Errorf("got %+v", a)
		}
	})

	t.Run("query length is capped", func(t *testing.T) {
		t.Parallel()
		msg := "tell me the history " + strings.Repeat("lighthouse ", 10)
		for i := range 60 {
			msg += " word" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		}
		a := AssessKeywords(msg, IntentGeneral)
		if len(a.Query) > maxQueryLen {
			t.Errorf("query length %d exceeds %d", len(a.Query), maxQueryLen)
		}
	})
}

func TestImportance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		st   TurnState
		want float64
	}{
		{name: "simple greeting", st: TurnState{Complexity: Simple, Intent: IntentGreeting, Message: "Hello"}, want: 0.3},
		{name: "medium transaction", st: TurnState{Complexity: Medium, Intent: IntentTransaction, Message: "I want to buy fabric"}, want: 0.6},
		{
			name: "capped",
			st: TurnState{
				Complexity:       Complex,
				Intent:           IntentQuestion,
				Message:          "Can you tell me everything you know about the old war between the two islands?",
				RetrievalResults: []retrieval.Result{{Content: "x", Relevance: 0.9}},
			},
			want: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Importance(&tc.st); got != tc.want {
				t.Errorf("Importance = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEmotionalImpact(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg    string
		intent Intent
		want   float64
	}{
		{"Thanks, that is wonderful", IntentGeneral, 0.4},
		{"I am sad and angry", IntentEmotional, -0.6},
		{"happy glad joy love adore great super", IntentEmotional, 1},
		{"The sea is calm", IntentGeneral, 0},
	}
	for _, tc := range tests {
		if got := EmotionalImpact(tc.msg, tc.intent); got != tc.want {
			t.Errorf("EmotionalImpact(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestKeyConcepts(t *testing.T) {
	t.Parallel()

	got := KeyConcepts("Can you repair the balloon for some cookies", "I will forge it")
	want := []string{"action_forge", "balloon", "cookies", "repair"}
	if !slices.Equal(got, want) {
		t.Errorf("KeyConcepts = %v, want %v", got, want)
	}
}
