package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/echoforge/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Characters: []config.CharacterConfig{
			{Name: "Fathira", Personality: "diplomatic"},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.Any() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
	if len(d.CharacterChanges) != 0 {
		t.Errorf("expected 0 character changes, got %d", len(d.CharacterChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_PersistenceToggled(t *testing.T) {
	t.Parallel()
	off := false
	old := &config.Config{}
	new := &config.Config{Memory: config.MemoryConfig{Persistence: &off}}

	d := config.Diff(old, new)
	if !d.PersistenceChanged || d.NewPersistence {
		t.Errorf("expected persistence change to false, got %+v", d)
	}
	if back := config.Diff(new, old); !back.PersistenceChanged || !back.NewPersistence {
		t.Errorf("expected persistence change to true, got %+v", back)
	}
}

func TestDiff_PipelineAndPlayer(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Pipeline: config.PipelineConfig{MinRelevance: 0.6},
		Player:   config.PlayerConfig{Gold: 0, Items: map[string]int{"cookies": 0}},
	}
	new := &config.Config{
		Pipeline: config.PipelineConfig{MinRelevance: 0.7},
		Player:   config.PlayerConfig{Gold: 0, Items: map[string]int{"cookies": 2}},
	}

	d := config.Diff(old, new)
	if !d.PipelineChanged {
		t.Error("expected PipelineChanged=true")
	}
	if !d.PlayerChanged {
		t.Error("expected PlayerChanged=true")
	}
	if d.CharactersChanged {
		t.Error("expected CharactersChanged=false")
	}
}

func TestDiff_CharacterEdits(t *testing.T) {
	t.Parallel()

	base := config.CharacterConfig{
		Name:        "Claude",
		Role:        "Blacksmith",
		Personality: "gruff",
		Templates:   map[string][]string{"greeting": {"Hm. {name} here."}},
		Triggers: config.TriggersConfig{
			Output: map[string]config.TriggerConfig{
				"repair": {Threshold: 0.8, Effect: &config.EffectConfig{Type: config.EffectUnlockRepair}},
			},
		},
	}

	tests := []struct {
		name        string
		edit        func(c *config.CharacterConfig)
		personality bool
		templates   bool
		triggers    bool
	}{
		{
			name:        "personality",
			edit:        func(c *config.CharacterConfig) { c.Personality = "cheerful" },
			personality: true,
		},
		{
			name:        "special knowledge",
			edit:        func(c *config.CharacterConfig) { c.SpecialKnowledge = []string{"montgolfiere"} },
			personality: true,
		},
		{
			name:      "templates",
			edit:      func(c *config.CharacterConfig) { c.Templates = map[string][]string{"greeting": {"Welcome."}} },
			templates: true,
		},
		{
			name: "trigger threshold",
			edit: func(c *config.CharacterConfig) {
				c.Triggers = config.TriggersConfig{Output: map[string]config.TriggerConfig{
					"repair": {Threshold: 0.5, Effect: &config.EffectConfig{Type: config.EffectUnlockRepair}},
				}}
			},
			triggers: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			edited := base
			tc.edit(&edited)

			d := config.Diff(
				&config.Config{Characters: []config.CharacterConfig{base}},
				&config.Config{Characters: []config.CharacterConfig{edited}},
			)
			if !d.CharactersChanged {
				t.Fatal("expected CharactersChanged=true")
			}
			if len(d.CharacterChanges) != 1 {
				t.Fatalf("expected 1 character change, got %d", len(d.CharacterChanges))
			}
			cd := d.CharacterChanges[0]
			if cd.Name != "Claude" {
				t.Errorf("name: got %q", cd.Name)
			}
			if cd.PersonalityChanged != tc.personality || cd.TemplatesChanged != tc.templates || cd.TriggersChanged != tc.triggers {
				t.Errorf("got %+v", cd)
			}
		})
	}
}

func TestDiff_CharacterAddedAndRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Characters: []config.CharacterConfig{{Name: "Roberte"}, {Name: "Fathira"}},
	}
	new := &config.Config{
		Characters: []config.CharacterConfig{{Name: "Fathira"}, {Name: "Azzedine"}},
	}

	d := config.Diff(old, new)
	if !d.CharactersChanged {
		t.Fatal("expected CharactersChanged=true")
	}

	var added, removed string
	for _, cd := range d.CharacterChanges {
		switch {
		case cd.Added:
			added = cd.Name
		case cd.Removed:
			removed = cd.Name
		default:
			t.Errorf("unexpected modification diff for %q", cd.Name)
		}
	}
	if added != "Azzedine" {
		t.Errorf("added: got %q, want Azzedine", added)
	}
	if removed != "Roberte" {
		t.Errorf("removed: got %q, want Roberte", removed)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	half := 0.5
	old := &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080"},
		Memory: config.MemoryConfig{PostgresDSN: "postgres://a", ContextCharBudget: 4000},
	}
	new := &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":9090", TraceSampleRatio: &half},
		Memory:    config.MemoryConfig{PostgresDSN: "postgres://b", ContextCharBudget: 6000, FarewellTriggers: []string{"bye"}},
		Providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "ollama"}},
		Discord:   config.DiscordConfig{Token: "t"},
	}

	d := config.Diff(old, new)
	want := []string{
		"server.listen_addr",
		"server.trace_sample_ratio",
		"providers",
		"memory.postgres_dsn",
		"memory.farewell_triggers",
		"discord",
	}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	// The context budget is applied by rebuilding pipelines.
	if !d.PipelineChanged {
		t.Error("expected a context budget change to count as a pipeline change")
	}
	if d.CharactersChanged || d.PlayerChanged {
		t.Errorf("unexpected hot changes: %+v", d)
	}
}

func TestDiff_RestartOnlyIsNotHot(t *testing.T) {
	t.Parallel()
	old := &config.Config{Knowledge: config.KnowledgeConfig{WorldDir: "world"}}
	new := &config.Config{Knowledge: config.KnowledgeConfig{WorldDir: "lore"}}

	d := config.Diff(old, new)
	if d.Any() {
		t.Errorf("Any() = true for a knowledge-only change: %+v", d)
	}
	if !slices.Equal(d.RestartRequired, []string{"knowledge"}) {
		t.Errorf("RestartRequired = %v, want [knowledge]", d.RestartRequired)
	}
}
