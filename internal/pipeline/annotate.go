package pipeline

import (
	"math"
	"slices"
)

var (
	positiveWords = []string{"thanks", "thank", "great", "perfect", "excellent", "super", "wonderful", "glad", "happy", "joy", "pleasure", "love", "adore"}
	negativeWords = []string{"sorry", "sad", "annoyed", "angry", "hate", "horrible", "bad", "awful", "disappointed", "frustrated", "problem", "boring"}

	conceptEntities = []string{
		"treasure", "gold", "cookies", "cookie", "fabric", "montgolfiere", "balloon", "island",
		"mayor", "blacksmith", "stylist", "cook", "repair", "trade", "history", "secret",
	}
	conceptActions = []string{"give", "take", "buy", "sell", "repair", "create", "cook", "forge", "sew", "trade"}
)

// Importance scores how worth remembering an exchange is, in [0, 1].
func Importance(st *TurnState) float64 {
	score := 0.3
	switch st.Complexity {
	case Complex:
		score += 0.3
	case Medium:
		score += 0.1
	}
	if len(st.RetrievalResults) > 0 {
		score += 0.2
	}
	switch st.Intent {
	case IntentQuestion, IntentRequest, IntentEmotional, IntentTransaction:
		score += 0.2
	}
	if wordCount(st.Message) > 10 {
		score += 0.1
	}
	return round2(min(score, 1))
}

// EmotionalImpact rates the player's message from -1 (negative) to 1.
func EmotionalImpact(message string, intent Intent) float64 {
	_, words := lowerWords(message)
	score := 0.0
	for _, w := range positiveWords {
		if slices.Contains(words, w) {
			score += 0.2
		}
	}
	for _, w := range negativeWords {
		if slices.Contains(words, w) {
			score -= 0.2
		}
	}
	if intent == IntentEmotional {
		score *= 1.5
	}
	return round2(min(max(score, -1), 1))
}

// KeyConcepts lists the known entities mentioned in the exchange and the
// actions it involves, as action_<verb>.
func KeyConcepts(texts ...string) []string {
	var out []string
	for _, t := range texts {
		_, words := lowerWords(t)
		for _, w := range words {
			c := ""
			switch {
			case slices.Contains(conceptEntities, w):
				c = w
			case slices.Contains(conceptActions, w):
				c = "action_" + w
			default:
				continue
			}
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	slices.Sort(out)
	return out
}

// annotations is the metadata stored with the exchange of st.
func annotations(st *TurnState) map[string]any {
	md := map[string]any{
		"intent":           string(st.Intent),
		"complexity":       string(st.Complexity),
		"importance":       Importance(st),
		"emotional_impact": EmotionalImpact(st.Message, st.Intent),
		"key_concepts":     KeyConcepts(st.Message, st.Response),
	}
	if len(st.Actions) > 0 {
		md["actions"] = st.Actions
	}
	if len(st.AcceptedInputTriggers) > 0 {
		md["input_triggers"] = st.AcceptedInputTriggers
	}
	if len(st.ActivatedOutputTriggers) > 0 {
		names := make([]string, len(st.ActivatedOutputTriggers))
		for i, a := range st.ActivatedOutputTriggers {
			names[i] = a.Name
		}
		md["output_triggers"] = names
	}
	return md
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
