// Package character holds the read-only character and player snapshots that a
// dialogue turn works on, plus the config-backed [Registry] that produces them.
//
// Snapshots are values. Callers that need to change a player's stats clone
// them first; the registry never hands out shared maps.
package character

import (
	"maps"
	"slices"
	"strings"

	"github.com/MrWong99/echoforge/internal/config"
	"github.com/MrWong99/echoforge/internal/session"
)

// Profile is an immutable snapshot of one character.
type Profile struct {
	Name        string
	Role        string
	Personality string
	SpeechStyle string
	Backstory   string
	Mood        string

	SpecialKnowledge []string

	// Templates maps an intent to canned replies.
	Templates map[string][]string

	Triggers config.TriggersConfig

	// History seeds the working history of a thread that has none yet.
	History []session.Exchange
}

// Attributes flattens the profile into the key space used by trigger
// conditions. Keys are prefixed with "character_".
func (p Profile) Attributes() map[string]any {
	return map[string]any{
		"character_name":        p.Name,
		"character_role":        p.Role,
		"character_mood":        p.Mood,
		"character_personality": p.Personality,
	}
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	out := p
	out.SpecialKnowledge = slices.Clone(p.SpecialKnowledge)
	if p.Templates != nil {
		out.Templates = make(map[string][]string, len(p.Templates))
		for k, v := range p.Templates {
			out.Templates[k] = slices.Clone(v)
		}
	}
	out.History = slices.Clone(p.History)
	return out
}

// Stats is the mutable game state of a player. Always [Stats.Clone] before
// modifying a value obtained from somewhere else.
type Stats struct {
	Gold  int             `json:"gold"`
	Items map[string]int  `json:"items"`
	Flags map[string]bool `json:"flags"`
}

// Clone returns a deep copy of s with non-nil maps.
func (s Stats) Clone() Stats {
	out := Stats{Gold: s.Gold, Items: maps.Clone(s.Items), Flags: maps.Clone(s.Flags)}
	if out.Items == nil {
		out.Items = map[string]int{}
	}
	if out.Flags == nil {
		out.Flags = map[string]bool{}
	}
	return out
}

// Player is a snapshot of the human player.
type Player struct {
	Name  string `json:"name"`
	Stats Stats  `json:"stats"`
}

// Clone returns a deep copy of p.
func (p Player) Clone() Player {
	return Player{Name: p.Name, Stats: p.Stats.Clone()}
}

// Attributes flattens the player for trigger conditions. Every item and flag
// is reachable both by its bare name ("cookies") and with its section prefix
// ("items_cookies", "flags_montgolfiere_repaired").
func (p Player) Attributes() map[string]any {
	attrs := map[string]any{
		"player_name": p.Name,
		"gold":        p.Stats.Gold,
	}
	for k, v := range p.Stats.Items {
		attrs[k] = v
		attrs["items_"+k] = v
	}
	for k, v := range p.Stats.Flags {
		attrs[k] = v
		attrs["flags_"+k] = v
	}
	return attrs
}

// Attributes merges player and character attributes into one map. Player keys
// win on collision.
func Attributes(p Profile, pl Player) map[string]any {
	attrs := p.Attributes()
	maps.Copy(attrs, pl.Attributes())
	return attrs
}

// ProfileFromConfig converts a character section of the configuration.
func ProfileFromConfig(c config.CharacterConfig) Profile {
	p := Profile{
		Name:             c.Name,
		Role:             c.Role,
		Personality:      c.Personality,
		SpeechStyle:      c.SpeechStyle,
		Backstory:        c.Backstory,
		Mood:             c.Mood,
		SpecialKnowledge: c.SpecialKnowledge,
		Templates:        c.Templates,
		Triggers:         c.Triggers,
	}
	return p.Clone()
}

// PlayerFromConfig converts the player section of the configuration.
func PlayerFromConfig(c config.PlayerConfig) Player {
	name := c.Name
	if name == "" {
		name = "Player"
	}
	return Player{
		Name:  name,
		Stats: Stats{Gold: c.Gold, Items: c.Items, Flags: c.Flags}.Clone(),
	}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
