// Package mock is a deterministic [embeddings.Provider] for tests.
//
// Each vocabulary word owns one dimension holding how often the word occurs
// in the text, case-insensitively. Texts that share words end up close in
// cosine space, so retrieval can be tested without a model.
//
//	p := mock.NewProvider("balloon", "cookie", "valley")
//	vec, _ := p.EmbedQuery(ctx, "tell me about the balloon") // [1 0 0]
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/echoforge/pkg/provider/embeddings"
)

// Provider counts vocabulary words. The exported fields are set up before
// the provider is shared; the recorded calls are guarded by the provider.
type Provider struct {
	Vocabulary []string

	// QueryErr and DocumentsErr fail the respective method when set.
	QueryErr     error
	DocumentsErr error

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	mu            sync.Mutex
	QueryCalls    []string
	DocumentCalls [][]string
}

var _ embeddings.Provider = (*Provider)(nil)

// NewProvider returns a provider over vocabulary named "mock-bow".
func NewProvider(vocabulary ...string) *Provider {
	return &Provider{Vocabulary: vocabulary, ModelIDValue: "mock-bow"}
}

// EmbedQuery implements [embeddings.Provider].
func (p *Provider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.QueryCalls = append(p.QueryCalls, text)
	p.mu.Unlock()

	if p.QueryErr != nil {
		return nil, p.QueryErr
	}
	return p.count(text), nil
}

// EmbedDocuments implements [embeddings.Provider].
func (p *Provider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.DocumentCalls = append(p.DocumentCalls, slices.Clone(texts))
	p.mu.Unlock()

	if p.DocumentsErr != nil {
		return nil, p.DocumentsErr
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		out = append(out, p.count(t))
	}
	return out, nil
}

// Dimensions implements [embeddings.Provider].
func (p *Provider) Dimensions() int { return len(p.Vocabulary) }

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string { return p.ModelIDValue }

// Queries returns a snapshot of the texts passed to EmbedQuery.
func (p *Provider) Queries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.QueryCalls)
}

func (p *Provider) count(text string) []float32 {
	text = strings.ToLower(text)
	vec := make([]float32, len(p.Vocabulary))
	for i, w := range p.Vocabulary {
		vec[i] = float32(strings.Count(text, strings.ToLower(w)))
	}
	return vec
}
