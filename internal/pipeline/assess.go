package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/echoforge/internal/trigger"
	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

// maxQueryLen caps retrieval queries in bytes.
const maxQueryLen = 200

var (
	knowledgeKeywords = []string{
		"history", "past", "before", "long ago", "secret", "mystery", "hidden",
		"relationship", "friend", "enemy", "family", "event", "incident", "accident", "war",
		"memory", "remember", "why", "how", "reason", "cause",
		"who is", "what is", "where is", "origin", "founded", "founding",
		"tradition", "custom", "ritual", "tell me", "explain", "story",
	}
	simpleKeywords = []string{
		"hello", "hi", "hey", "goodbye", "bye", "see you", "thanks", "thank you",
		"ok", "okay", "yes", "no", "maybe", "how are you",
	}
	stopwords = []string{
		"that", "this", "with", "from", "have", "what", "your", "about", "there",
		"they", "them", "then", "than", "were", "will", "would", "could", "should",
		"into", "just", "know", "does",
	}
)

// Assessment is the outcome of deciding whether a message needs retrieval.
type Assessment struct {
	NeedsRetrieval bool    `json:"needs_retrieval"`
	Query          string  `json:"query"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	Method         string  `json:"-"`
}

// AssessKeywords scores message for knowledge-seeking versus small talk.
func AssessKeywords(message string, intent Intent) Assessment {
	lower, words := lowerWords(message)
	var knowledge, simple int
	var matched []string
	for _, k := range knowledgeKeywords {
		if containsTerm(lower, words, k) {
			knowledge++
			matched = append(matched, k)
		}
	}
	for _, k := range simpleKeywords {
		if containsTerm(lower, words, k) {
			simple++
		}
	}
	switch intent {
	case IntentQuestion, IntentRequest:
		knowledge++
	case IntentGreeting, IntentFarewell, IntentSmallTalk:
		simple += 2
	}
	switch n := len(words); {
	case n > 10:
		knowledge++
	case n <= 3:
		simple++
	}

	a := Assessment{
		NeedsRetrieval: knowledge > simple && knowledge > 0,
		Confidence:     min(max(float64(knowledge-simple)/5+0.5, 0.3), 0.8),
		Reasoning:      fmt.Sprintf("knowledge score %d, simple score %d", knowledge, simple),
		Method:         "keyword",
	}
	if a.NeedsRetrieval {
		a.Query = importantWords(matched, words)
	}
	return a
}

// importantWords joins the matched keywords and the longer non-stopwords of
// the message, de-duplicated in order and capped at maxQueryLen.
func importantWords(matched, words []string) string {
	var out []string
	add := func(w string) {
		if !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	for _, m := range matched {
		add(m)
	}
	for _, w := range words {
		if len(w) > 3 && !slices.Contains(stopwords, w) {
			add(w)
		}
	}
	return capQuery(strings.Join(out, " "))
}

func capQuery(q string) string {
	q = strings.TrimSpace(q)
	if len(q) <= maxQueryLen {
		return q
	}
	cut := strings.LastIndexByte(q[:maxQueryLen], ' ')
	if cut <= 0 {
		cut = maxQueryLen
	}
	return strings.TrimSpace(q[:cut])
}

const judgePrompt = `You decide whether a game character needs to look up world or personal knowledge before answering the player.
Answer with a single JSON object and nothing else:
{"needs_retrieval": true|false, "query": "search terms or null", "confidence": 0.0-1.0, "reasoning": "one sentence"}`

// judge asks the LLM whether retrieval is needed.
func judge(ctx context.Context, p llm.Provider, st *TurnState) (Assessment, error) {
	resp, err := p.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: judgePrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Character: %s (%s)\nIntent: %s\nPlayer message: %s", st.Profile.Name, st.Profile.Role, st.Intent, st.Message),
		}},
		Temperature: llm.Temperature(0.1),
		MaxTokens:   200,
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("pipeline: retrieval judge: %w", err)
	}
	raw := ""
	if resp != nil {
		raw = resp.Content
	}
	js := trigger.ExtractJSON(raw)
	if js == "" {
		return Assessment{}, fmt.Errorf("pipeline: retrieval judge: no JSON in %q", raw)
	}
	var a Assessment
	if err := json.Unmarshal([]byte(js), &a); err != nil {
		return Assessment{}, fmt.Errorf("pipeline: retrieval judge: %w", err)
	}
	if strings.EqualFold(strings.TrimSpace(a.Query), "null") {
		a.Query = ""
	}
	a.Query = capQuery(a.Query)
	a.Confidence = min(max(a.Confidence, 0), 1)
	a.Method = "llm"
	return a, nil
}

const reformulatePrompt = `Rewrite the search query so it finds better background knowledge for the conversation.
Reply with the new query on a single line and nothing else.`

// reformulate derives the query for a retry attempt. With no provider, or
// when the provider fails, the previous query is expanded with the intent and
// the character name.
func reformulate(ctx context.Context, p llm.Provider, st *TurnState, previous string) (string, string) {
	if p != nil {
		resp, err := p.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: reformulatePrompt,
			Messages: []llm.Message{{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("Character: %s\nPlayer message: %s\nPrevious query: %s", st.Profile.Name, st.Message, previous),
			}},
			Temperature: llm.Temperature(0.3),
			MaxTokens:   60,
		})
		if err == nil && resp != nil {
			line, _, _ := strings.Cut(strings.TrimSpace(resp.Content), "\n")
			if q := capQuery(strings.Trim(line, `"' `)); q != "" && q != previous {
				return q, "llm"
			}
		}
	}
	return expandQuery(previous, st), "keyword"
}

func expandQuery(previous string, st *TurnState) string {
	parts := []string{strings.ToLower(st.Profile.Name)}
	if st.Intent != "" && st.Intent != IntentGeneral {
		parts = append(parts, strings.ReplaceAll(string(st.Intent), "_", " "))
	}
	parts = append(parts, previous)
	return capQuery(strings.Join(parts, " "))
}
