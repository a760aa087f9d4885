package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// KnownProviders lists the provider names the echoforge binary registers,
// per provider kind. [Validate] warns about other names, which only work when
// a custom build registers them.
var KnownProviders = map[string][]string{
	KindLLM:        {"anthropic", "deepseek", "gemini", "groq", "llamacpp", "llamafile", "mistral", "ollama", "openai", "openai-direct"},
	KindEmbeddings: {"ollama", "openai"},
}

// envOverrides are the settings that may be supplied through the environment.
// Non-empty values replace what the YAML file set.
type envOverrides struct {
	PostgresDSN      string   `env:"ECHOFORGE_POSTGRES_DSN"`
	LLMAPIKey        string   `env:"ECHOFORGE_LLM_API_KEY"`
	EmbeddingsAPIKey string   `env:"ECHOFORGE_EMBEDDINGS_API_KEY"`
	ListenAddr       string   `env:"ECHOFORGE_LISTEN_ADDR"`
	LogLevel         LogLevel `env:"ECHOFORGE_LOG_LEVEL"`
	DiscordToken     string   `env:"ECHOFORGE_DISCORD_TOKEN"`
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays ECHOFORGE_* environment variables onto cfg. API keys
// apply to the primary provider of their kind.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config: parse environment: %w", err)
	}
	if o.PostgresDSN != "" {
		cfg.Memory.PostgresDSN = o.PostgresDSN
	}
	if o.LLMAPIKey != "" {
		cfg.Providers.LLM.APIKey = o.LLMAPIKey
	}
	if o.EmbeddingsAPIKey != "" {
		cfg.Providers.Embeddings.APIKey = o.EmbeddingsAPIKey
	}
	if o.ListenAddr != "" {
		cfg.Server.ListenAddr = o.ListenAddr
	}
	if o.LogLevel != "" {
		cfg.Server.LogLevel = o.LogLevel
	}
	if o.DiscordToken != "" {
		cfg.Discord.Token = o.DiscordToken
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", *r))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
	}
	warnUnknownProviders(cfg.Providers)

	if cfg.Providers.LLM.Name == "" && len(cfg.Characters) > 0 {
		slog.Warn("no LLM provider configured; characters will answer from templates only")
	}
	if cfg.Memory.PostgresDSN == "" && len(cfg.Characters) > 0 {
		slog.Warn("memory.postgres_dsn is empty; conversation memory will not be persisted")
	}
	if cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must not be negative", cfg.Memory.EmbeddingDimensions))
	}
	if cfg.Memory.WorkingHistoryThreads < 0 || cfg.Memory.WorkingHistoryIdle < 0 {
		errs = append(errs, errors.New("memory.working_history_threads and working_history_idle must not be negative"))
	}
	if cfg.Memory.KeepRecentMessages > 0 && cfg.Memory.MaxMessagesWithoutSummary > 0 &&
		cfg.Memory.KeepRecentMessages >= cfg.Memory.MaxMessagesWithoutSummary {
		errs = append(errs, fmt.Errorf("memory.keep_recent_messages (%d) must be lower than max_messages_without_summary (%d)",
			cfg.Memory.KeepRecentMessages, cfg.Memory.MaxMessagesWithoutSummary))
	}

	// Pipeline
	if r := cfg.Pipeline.MinRelevance; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("pipeline.min_relevance %.2f is out of range [0, 1]", r))
	}
	if a := cfg.Pipeline.TriggerAnalyser; a != "" && !a.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.trigger_analyser %q is invalid; valid values: llm, keyword", a))
	}

	// Characters
	seen := make(map[string]int, len(cfg.Characters))
	for i, ch := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			key := strings.ToLower(ch.Name)
			if prev, ok := seen[key]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of characters[%d]", prefix, ch.Name, prev))
			}
			seen[key] = i
		}
		errs = append(errs, validateTriggers(prefix+".triggers.input", ch.Triggers.Input)...)
		errs = append(errs, validateTriggers(prefix+".triggers.output", ch.Triggers.Output)...)
	}

	return errors.Join(errs...)
}

func validateTriggers(prefix string, triggers map[string]TriggerConfig) []error {
	var errs []error
	for name, tc := range triggers {
		p := prefix + "." + name
		if tc.Threshold < 0 || tc.Threshold > 1 {
			errs = append(errs, fmt.Errorf("%s.threshold %.2f is out of range [0, 1]", p, tc.Threshold))
		}
		for j, cond := range tc.Conditions {
			if strings.TrimSpace(cond) == "" {
				errs = append(errs, fmt.Errorf("%s.conditions[%d] is empty", p, j))
			}
		}
		if e := tc.Effect; e != nil {
			if !e.Type.IsValid() {
				errs = append(errs, fmt.Errorf("%s.effect.type %q is invalid; valid values: grant_currency, grant_item, unlock_repair, set_flag", p, e.Type))
			}
			if e.Type == EffectGrantItem && e.Item == "" {
				errs = append(errs, fmt.Errorf("%s.effect.item is required for grant_item", p))
			}
			if e.Type == EffectSetFlag && e.Flag == "" {
				errs = append(errs, fmt.Errorf("%s.effect.flag is required for set_flag", p))
			}
		}
	}
	return errs
}

// warnUnknownProviders logs every configured provider whose name is not in
// [KnownProviders]. Empty names are left to the callers that need them.
func warnUnknownProviders(p ProvidersConfig) {
	check := func(field, kind, name string) {
		if name == "" || slices.Contains(KnownProviders[kind], name) {
			return
		}
		slog.Warn("unknown provider name, may be a typo or a custom provider",
			"field", field, "name", name, "known", KnownProviders[kind])
	}
	check("providers.llm", KindLLM, p.LLM.Name)
	for i, fb := range p.LLMFallbacks {
		check(fmt.Sprintf("providers.llm_fallbacks[%d]", i), KindLLM, fb.Name)
	}
	check("providers.embeddings", KindEmbeddings, p.Embeddings.Name)
}
