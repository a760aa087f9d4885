package pipeline

import (
	"regexp"
	"slices"
	"strings"
	"unicode"
)

var actionPattern = regexp.MustCompile(`\*([^*]+)\*`)

// intentPatterns are tried in order; the first intent with a matching
// pattern wins.
var intentPatterns = []struct {
	intent   Intent
	patterns []string
}{
	{IntentGreeting, []string{"hello", "hi", "hey", "good morning", "good evening", "greetings"}},
	{IntentFarewell, []string{"goodbye", "bye", "see you", "farewell"}},
	{IntentQuestion, []string{"?", "why", "how", "what", "who", "where", "when"}},
	{IntentRequest, []string{"can you", "could you", "give me", "show me", "please"}},
	{IntentTransaction, []string{"buy", "sell", "trade", "barter", "price", "cost"}},
	{IntentEmotional, []string{"sad", "happy", "angry", "glad", "sorry", "upset"}},
	{IntentGameAction, []string{"take", "use", "go", "talk", "give"}},
	{IntentSmallTalk, []string{"how are you", "what's new", "weather", "how's it going"}},
}

var (
	simplePatterns  = []string{"hello", "hi", "thanks", "thank you", "you're welcome", "yes", "no", "ok", "okay", "sure", "how are you"}
	complexPatterns = []string{"tell me", "explain", "story", "history", "why", "how", "secret", "relationship", "past", "memory", "remember", "event"}
)

// ParseActions splits a message into its physical actions (the *starred*
// spans) and the remaining spoken text with whitespace collapsed.
func ParseActions(message string) (actions []string, speech string) {
	for _, m := range actionPattern.FindAllStringSubmatch(message, -1) {
		if a := strings.TrimSpace(m[1]); a != "" {
			actions = append(actions, a)
		}
	}
	speech = strings.Join(strings.Fields(actionPattern.ReplaceAllString(message, " ")), " ")
	return actions, speech
}

// ClassifyIntent returns the first intent whose patterns occur in message.
func ClassifyIntent(message string) Intent {
	lower, words := lowerWords(message)
	for _, ip := range intentPatterns {
		if slices.ContainsFunc(ip.patterns, func(p string) bool { return containsTerm(lower, words, p) }) {
			return ip.intent
		}
	}
	return IntentGeneral
}

// ClassifyComplexity decides how much machinery a reply to message needs.
func ClassifyComplexity(message string, intent Intent) Complexity {
	lower, words := lowerWords(message)
	n := len(strings.Fields(message))
	has := func(ps []string) bool {
		return slices.ContainsFunc(ps, func(p string) bool { return containsTerm(lower, words, p) })
	}
	switch {
	case has(simplePatterns) && n <= 3:
		return Simple
	case has(complexPatterns) || n > 15:
		return Complex
	}
	switch intent {
	case IntentGreeting, IntentFarewell, IntentSmallTalk:
		return Simple
	case IntentQuestion, IntentRequest, IntentEmotional:
		return Complex
	}
	return Medium
}

// lowerWords lowercases s and splits it into words of letters, digits and
// apostrophes.
func lowerWords(s string) (string, []string) {
	lower := strings.ToLower(s)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return lower, words
}

// containsTerm matches single words against the word list and phrases or
// punctuation as substrings, so "hi" does not match "this".
func containsTerm(lower string, words []string, term string) bool {
	if strings.ContainsFunc(term, func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' }) {
		return strings.Contains(lower, term)
	}
	return slices.Contains(words, term)
}

func wordCount(s string) int { return len(strings.Fields(s)) }
