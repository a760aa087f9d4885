package resilience

import (
	"context"

	"github.com/MrWong99/echoforge/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with failover across
// embedding backends. Every backend must produce vectors of the primary's
// dimensionality from the same model family, otherwise stored and query
// vectors are not comparable.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	return &EmbeddingsFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend. Backends with a different
// dimensionality than the primary are ignored.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) bool {
	if provider.Dimensions() != f.Dimensions() {
		return false
	}
	f.group.AddFallback(name, provider)
	return true
}

// EmbedQuery embeds text with the first healthy backend.
func (f *EmbeddingsFallback) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return Call(ctx, f.group, func(ctx context.Context, p embeddings.Provider) ([]float32, error) {
		return p.EmbedQuery(ctx, text)
	})
}

// EmbedDocuments embeds texts with the first healthy backend. A batch is
// never split across backends.
func (f *EmbeddingsFallback) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return Call(ctx, f.group, func(ctx context.Context, p embeddings.Provider) ([][]float32, error) {
		return p.EmbedDocuments(ctx, texts)
	})
}

// Dimensions returns the primary's dimensionality.
func (f *EmbeddingsFallback) Dimensions() int { return f.group.Primary().Dimensions() }

// ModelID returns the primary's model identifier.
func (f *EmbeddingsFallback) ModelID() string { return f.group.Primary().ModelID() }

// States reports the breaker state of every backend.
func (f *EmbeddingsFallback) States() map[string]State {
	return f.group.States()
}
