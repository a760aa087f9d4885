// Package retrieval finds world and character lore relevant to a player's
// message. [VectorRetriever] embeds the query and searches the pgvector
// knowledge index; [Ingester] fills that index from text files.
package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echoforge/pkg/memory"
	"github.com/MrWong99/echoforge/pkg/provider/embeddings"
)

// Result is one retrieved piece of knowledge.
type Result struct {
	Content   string  `json:"content"`
	Source    string  `json:"source"`
	Scope     string  `json:"scope"`
	Relevance float64 `json:"relevance"`
}

// Retriever searches lore. An empty result is valid.
type Retriever interface {
	SearchWorld(ctx context.Context, query string, k int) ([]Result, error)
	SearchCharacter(ctx context.Context, query, character string, k int) ([]Result, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// VectorRetriever
// ─────────────────────────────────────────────────────────────────────────────

// VectorRetriever implements [Retriever] over a [memory.KnowledgeIndex].
type VectorRetriever struct {
	embedder embeddings.Provider
	index    memory.KnowledgeIndex
}

var _ Retriever = (*VectorRetriever)(nil)

// NewVectorRetriever returns a retriever that embeds queries with embedder
// and searches index.
func NewVectorRetriever(embedder embeddings.Provider, index memory.KnowledgeIndex) *VectorRetriever {
	return &VectorRetriever{embedder: embedder, index: index}
}

// SearchWorld implements [Retriever].
func (r *VectorRetriever) SearchWorld(ctx context.Context, query string, k int) ([]Result, error) {
	return r.search(ctx, query, memory.ScopeWorld, k)
}

// SearchCharacter implements [Retriever].
func (r *VectorRetriever) SearchCharacter(ctx context.Context, query, character string, k int) ([]Result, error) {
	return r.search(ctx, query, memory.CharacterScope(character), k)
}

func (r *VectorRetriever) search(ctx context.Context, query, scope string, k int) ([]Result, error) {
	if k <= 0 || query == "" {
		return []Result{}, nil
	}
	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	hits, err := r.index.SearchKnowledge(ctx, vec, scope, k)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search %s: %w", scope, err)
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			Content:   h.Chunk.Content,
			Source:    h.Chunk.Source,
			Scope:     h.Chunk.Scope,
			Relevance: h.Relevance(),
		})
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Combined search
// ─────────────────────────────────────────────────────────────────────────────

// Search queries world and character scopes concurrently and merges the
// results by descending relevance. A failure in either scope fails the
// search.
func Search(ctx context.Context, r Retriever, query, character string, worldK, characterK int) ([]Result, error) {
	var world, own []Result

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		res, err := r.SearchWorld(egCtx, query, worldK)
		world = res
		return err
	})
	eg.Go(func() error {
		res, err := r.SearchCharacter(egCtx, query, character, characterK)
		own = res
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	merged := make([]Result, 0, len(world)+len(own))
	merged = append(merged, world...)
	merged = append(merged, own...)
	SortByRelevance(merged)
	return merged, nil
}

// SortByRelevance sorts results by descending relevance, keeping the input
// order of ties.
func SortByRelevance(results []Result) {
	slices.SortStableFunc(results, func(a, b Result) int { return cmp.Compare(b.Relevance, a.Relevance) })
}

// Best returns the contents of the n most relevant results.
func Best(results []Result, n int) []string {
	sorted := slices.Clone(results)
	SortByRelevance(sorted)
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]string, 0, len(sorted))
	for _, r := range sorted {
		out = append(out, r.Content)
	}
	return out
}

// Noop is a [Retriever] that never finds anything.
type Noop struct{}

var _ Retriever = Noop{}

// SearchWorld implements [Retriever].
func (Noop) SearchWorld(context.Context, string, int) ([]Result, error) { return []Result{}, nil }

// SearchCharacter implements [Retriever].
func (Noop) SearchCharacter(context.Context, string, string, int) ([]Result, error) {
	return []Result{}, nil
}
