package character

import (
	"math/rand/v2"
	"strings"
)

// GeneralIntent is the catch-all intent used when nothing more specific has
// a template.
const GeneralIntent = "general"

// ApologyIntent holds the lines a character says when it cannot answer at
// all. It has no default templates.
const ApologyIntent = "apology"

// defaultTemplates are used when a character declares nothing for an intent.
var defaultTemplates = map[string][]string{
	"greeting": {
		"Hello! How can I help you?",
		"Greetings, traveller. What brings you here?",
		"Welcome! What can I do for you?",
	},
	"farewell": {
		"Farewell, and take care.",
		"Until next time!",
		"Safe travels, friend.",
	},
	"question": {
		"That is an interesting question... let me think.",
		"Hmm, your question gives me pause.",
	},
	"request": {
		"I will see what I can do for you.",
		"Let me think about what you are asking.",
	},
	"small_talk": {
		"Not bad, not bad. The island keeps me busy.",
		"Oh, the usual. And you?",
	},
	GeneralIntent: {
		"I am listening.",
		"Go on, you have my attention.",
		"Interesting. Tell me more.",
	},
}

// Reply picks a canned reply for intent. Lookup order is the character's own
// templates for the intent, the default templates for the intent, the
// character's general templates and finally the default general templates.
// "{name}" is replaced with the character name.
func (p Profile) Reply(intent string) string {
	return p.reply(intent, rand.IntN)
}

func (p Profile) reply(intent string, pick func(n int) int) string {
	candidates := p.Templates[intent]
	if len(candidates) == 0 {
		candidates = defaultTemplates[intent]
	}
	if len(candidates) == 0 {
		candidates = p.Templates[GeneralIntent]
	}
	if len(candidates) == 0 {
		candidates = defaultTemplates[GeneralIntent]
	}
	text := candidates[pick(len(candidates))]
	return strings.ReplaceAll(text, "{name}", p.Name)
}

// Apology returns one of the character's own apology templates, or fallback
// when it declares none.
func (p Profile) Apology(fallback string) string {
	return p.apology(fallback, rand.IntN)
}

func (p Profile) apology(fallback string, pick func(n int) int) string {
	lines := p.Templates[ApologyIntent]
	if len(lines) == 0 {
		return fallback
	}
	return strings.ReplaceAll(lines[pick(len(lines))], "{name}", p.Name)
}
