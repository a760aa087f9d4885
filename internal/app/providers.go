package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/echoforge/internal/config"
	"github.com/MrWong99/echoforge/internal/observe"
	"github.com/MrWong99/echoforge/internal/resilience"
	"github.com/MrWong99/echoforge/pkg/provider/embeddings"
	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via [BuildProviders].
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// BuildProviders instantiates the providers named in cfg using reg. The LLM
// is wrapped in a [resilience.LLMFallback] over cfg.Providers.LLMFallbacks and
// the embeddings provider in a [resilience.EmbeddingsFallback]; every attempt
// is counted in m.
//
// Provider names that are not registered are skipped with a debug log. A
// failing fallback is skipped with a warning; a failing primary is an error.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	ps := &Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Debug("provider not registered, skipping", "kind", "llm", "name", name)
		case err != nil:
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		default:
			fb := resilience.NewLLMFallback(p, providerLabel(cfg.Providers.LLM), fallbackConfig(m, "llm"))
			for _, entry := range cfg.Providers.LLMFallbacks {
				alt, err := reg.CreateLLM(entry)
				if err != nil {
					slog.Warn("llm fallback skipped", "name", entry.Name, "err", err)
					continue
				}
				fb.AddFallback(providerLabel(entry), alt)
				slog.Info("provider created", "kind", "llm-fallback", "name", entry.Name)
			}
			ps.LLM = fb
			slog.Info("provider created", "kind", "llm", "name", name, "fallbacks", len(cfg.Providers.LLMFallbacks))
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Debug("provider not registered, skipping", "kind", "embeddings", "name", name)
		case err != nil:
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		default:
			if dims := cfg.Memory.EmbeddingDimensions; dims > 0 && p.Dimensions() > 0 && p.Dimensions() != dims {
				slog.Warn("embedding dimensions differ from the store column",
					"provider", p.Dimensions(), "configured", dims)
			}
			ps.Embeddings = resilience.NewEmbeddingsFallback(p, providerLabel(cfg.Providers.Embeddings), fallbackConfig(m, "embeddings"))
			slog.Info("provider created", "kind", "embeddings", "name", name, "model", p.ModelID())
		}
	}

	return ps, nil
}

func fallbackConfig(m *observe.Metrics, kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		OnAttempt: func(provider string, err error) {
			status := observe.ProviderOK
			switch {
			case errors.Is(err, resilience.ErrCircuitOpen):
				status = observe.ProviderSkipped
			case err != nil:
				status = observe.ProviderError
			}
			m.RecordProviderCall(context.Background(), provider, kind, status)
		},
	}
}

// providerLabel names a provider entry in breaker states and metrics. The
// model is included so two entries of the same backend stay distinct.
func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}
