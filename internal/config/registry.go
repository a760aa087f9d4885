package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/echoforge/pkg/provider/embeddings"
	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned when a [ProviderEntry] names a
// provider nobody registered a factory for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Provider kinds, as used in error messages and by [Registry.Names].
const (
	KindLLM        = "llm"
	KindEmbeddings = "embeddings"
)

// Factory builds a provider from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is the per-kind half of a [Registry]. The caller holds the lock.
type factories[P any] map[string]Factory[P]

func (f factories[P]) build(kind string, entry ProviderEntry) (P, error) {
	build, ok := f[entry.Name]
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return build(entry)
}

// Registry resolves the provider names used in the config file to
// constructors. Registering a name twice replaces the first factory.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        factories[llm.Provider]
	embeddings factories[embeddings.Provider]
}

// NewRegistry returns a registry without any factories.
func NewRegistry() *Registry {
	return &Registry{
		llm:        factories[llm.Provider]{},
		embeddings: factories[embeddings.Provider]{},
	}
}

// RegisterLLM makes name usable in providers.llm and providers.llm_fallbacks.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm[name] = f
	r.mu.Unlock()
}

// RegisterEmbeddings makes name usable in providers.embeddings.
func (r *Registry) RegisterEmbeddings(name string, f Factory[embeddings.Provider]) {
	r.mu.Lock()
	r.embeddings[name] = f
	r.mu.Unlock()
}

// CreateLLM builds the chat model selected by entry.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.build(KindLLM, entry)
}

// CreateEmbeddings builds the embedding model selected by entry.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.embeddings.build(KindEmbeddings, entry)
}

// Names lists the registered provider names of one kind in sorted order.
// An unknown kind yields nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case KindLLM:
		return slices.Sorted(maps.Keys(r.llm))
	case KindEmbeddings:
		return slices.Sorted(maps.Keys(r.embeddings))
	}
	return nil
}
