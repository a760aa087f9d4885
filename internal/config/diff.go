package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	CharactersChanged bool            // true if any character was added, removed or edited
	CharacterChanges  []CharacterDiff // per-character diffs

	PersistenceChanged bool
	NewPersistence     bool

	PipelineChanged bool // retrieval or history tuning changed
	PlayerChanged   bool // default player stats changed

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the changed settings that are read once at
	// startup, as YAML paths. They are not part of [ConfigDiff.Any].
	RestartRequired []string
}

// Any reports whether anything hot-reloadable changed.
func (d ConfigDiff) Any() bool {
	return d.CharactersChanged || d.PersistenceChanged || d.PipelineChanged || d.PlayerChanged || d.LogLevelChanged
}

// CharacterDiff describes what changed for a single character between two configs.
type CharacterDiff struct {
	Name               string
	PersonalityChanged bool // role, personality, speech style, backstory or mood
	TemplatesChanged   bool
	TriggersChanged    bool
	Added              bool
	Removed            bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Memory.PersistenceEnabled() != new.Memory.PersistenceEnabled() {
		d.PersistenceChanged = true
		d.NewPersistence = new.Memory.PersistenceEnabled()
	}

	d.PipelineChanged = old.Pipeline != new.Pipeline ||
		old.Memory.ContextCharBudget != new.Memory.ContextCharBudget ||
		old.Memory.MaxContextSummaries != new.Memory.MaxContextSummaries
	d.PlayerChanged = !reflect.DeepEqual(old.Player, new.Player)

	oldChars := make(map[string]*CharacterConfig, len(old.Characters))
	for i := range old.Characters {
		oldChars[old.Characters[i].Name] = &old.Characters[i]
	}
	newChars := make(map[string]*CharacterConfig, len(new.Characters))
	for i := range new.Characters {
		newChars[new.Characters[i].Name] = &new.Characters[i]
	}

	// Detect modified and removed characters.
	for name, oc := range oldChars {
		nc, exists := newChars[name]
		if !exists {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{Name: name, Removed: true})
			d.CharactersChanged = true
			continue
		}
		cd := diffCharacter(name, oc, nc)
		if cd.PersonalityChanged || cd.TemplatesChanged || cd.TriggersChanged {
			d.CharacterChanges = append(d.CharacterChanges, cd)
			d.CharactersChanged = true
		}
	}

	// Detect added characters.
	for name := range newChars {
		if _, exists := oldChars[name]; !exists {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{Name: name, Added: true})
			d.CharactersChanged = true
		}
	}

	d.RestartRequired = restartRequired(old, new)
	return d
}

func restartRequired(old, new *Config) []string {
	var paths []string
	changed := func(path string, differs bool) {
		if differs {
			paths = append(paths, path)
		}
	}
	changed("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	changed("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	changed("server.trace_sample_ratio", !reflect.DeepEqual(old.Server.TraceSampleRatio, new.Server.TraceSampleRatio))
	changed("providers", !reflect.DeepEqual(old.Providers, new.Providers))
	changed("memory.postgres_dsn", old.Memory.PostgresDSN != new.Memory.PostgresDSN)
	changed("memory.embedding_dimensions", old.Memory.EmbeddingDimensions != new.Memory.EmbeddingDimensions)
	changed("memory.max_messages_without_summary", old.Memory.MaxMessagesWithoutSummary != new.Memory.MaxMessagesWithoutSummary)
	changed("memory.keep_recent_messages", old.Memory.KeepRecentMessages != new.Memory.KeepRecentMessages)
	changed("memory.working_history", old.Memory.WorkingHistoryThreads != new.Memory.WorkingHistoryThreads || old.Memory.WorkingHistoryIdle != new.Memory.WorkingHistoryIdle)
	changed("memory.farewell_triggers", !reflect.DeepEqual(old.Memory.FarewellTriggers, new.Memory.FarewellTriggers))
	changed("knowledge", old.Knowledge != new.Knowledge)
	changed("discord", old.Discord != new.Discord)
	return paths
}

// diffCharacter compares two character configs with the same name.
func diffCharacter(name string, old, new *CharacterConfig) CharacterDiff {
	cd := CharacterDiff{Name: name}

	if old.Role != new.Role || old.Personality != new.Personality ||
		old.SpeechStyle != new.SpeechStyle || old.Backstory != new.Backstory ||
		old.Mood != new.Mood || !reflect.DeepEqual(old.SpecialKnowledge, new.SpecialKnowledge) {
		cd.PersonalityChanged = true
	}

	if !reflect.DeepEqual(old.Templates, new.Templates) {
		cd.TemplatesChanged = true
	}

	if !reflect.DeepEqual(old.Triggers, new.Triggers) {
		cd.TriggersChanged = true
	}

	return cd
}
