package main

import (
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/echoforge/internal/config"
	"github.com/MrWong99/echoforge/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/echoforge/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/echoforge/pkg/provider/embeddings/openai"
	"github.com/MrWong99/echoforge/pkg/provider/llm"
	"github.com/MrWong99/echoforge/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/echoforge/pkg/provider/llm/openai"
)

// registerBuiltinProviders makes every bundled backend available to the
// providers section of the config.
func registerBuiltinProviders(reg *config.Registry) {
	for _, backend := range anyllm.Backends() {
		reg.RegisterLLM(backend, anyLLM(backend))
	}
	// The any-llm openai backend cannot tune retries or the organisation,
	// so the official SDK is offered as well.
	reg.RegisterLLM("openai-direct", openAILLM)

	reg.RegisterEmbeddings("openai", openAIEmbeddings)
	reg.RegisterEmbeddings("ollama", ollamaEmbeddings)

	for _, kind := range []string{config.KindLLM, config.KindEmbeddings} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

func anyLLM(backend string) config.Factory[llm.Provider] {
	return func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	}
}

func openAILLM(entry config.ProviderEntry) (llm.Provider, error) {
	o := entryOptions(entry.Options)
	var opts []oallm.Option
	if entry.BaseURL != "" {
		opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
	}
	if org := o.string("organization"); org != "" {
		opts = append(opts, oallm.WithOrganization(org))
	}
	if d := o.duration("timeout"); d > 0 {
		opts = append(opts, oallm.WithTimeout(d))
	}
	if n, ok := o.int("max_retries"); ok {
		opts = append(opts, oallm.WithMaxRetries(n))
	}
	return oallm.New(entry.APIKey, entry.Model, opts...)
}

func openAIEmbeddings(entry config.ProviderEntry) (embeddings.Provider, error) {
	o := entryOptions(entry.Options)
	var opts []oaembed.Option
	if entry.BaseURL != "" {
		opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
	}
	if n, ok := o.int("batch_size"); ok {
		opts = append(opts, oaembed.WithBatchSize(n))
	}
	if n, ok := o.int("dimensions"); ok {
		opts = append(opts, oaembed.WithDimensions(n))
	}
	if d := o.duration("timeout"); d > 0 {
		opts = append(opts, oaembed.WithTimeout(d))
	}
	return oaembed.New(entry.APIKey, entry.Model, opts...)
}

func ollamaEmbeddings(entry config.ProviderEntry) (embeddings.Provider, error) {
	o := entryOptions(entry.Options)
	var opts []ollamaembed.Option
	if n, ok := o.int("dimensions"); ok {
		opts = append(opts, ollamaembed.WithDimensions(n))
	}
	if n, ok := o.int("batch_size"); ok {
		opts = append(opts, ollamaembed.WithBatchSize(n))
	}
	if d := o.duration("keep_alive"); d > 0 {
		opts = append(opts, ollamaembed.WithKeepAlive(d))
	}
	if d := o.duration("timeout"); d > 0 {
		opts = append(opts, ollamaembed.WithTimeout(d))
	}
	if q, doc := o.string("query_prefix"), o.string("document_prefix"); q != "" || doc != "" {
		opts = append(opts, ollamaembed.WithPrefixes(q, doc))
	}
	return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
}

// entryOptions reads the free-form options of a provider entry. Values of
// the wrong type read as absent.
type entryOptions map[string]any

func (o entryOptions) string(key string) string {
	s, _ := o[key].(string)
	return s
}

// int accepts YAML integers and whole floats from JSON-ish sources.
func (o entryOptions) int(key string) (int, bool) {
	switch v := o[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// duration parses Go duration strings such as "30s".
func (o entryOptions) duration(key string) time.Duration {
	d, err := time.ParseDuration(o.string(key))
	if err != nil {
		return 0
	}
	return d
}
