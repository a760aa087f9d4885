// Package openai embeds text through the official OpenAI SDK.
//
// OpenAI models are symmetric, so queries and documents are embedded the
// same way. Any OpenAI-compatible /embeddings endpoint works through
// [WithBaseURL].
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/echoforge/pkg/provider/embeddings"
)

// DefaultModel is used when no model is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Provider is an [embeddings.Provider] for one model on one endpoint.
type Provider struct {
	client     oai.Client
	model      string
	batchSize  int
	dimensions int
	shorten    bool
}

var _ embeddings.Provider = (*Provider)(nil)

type settings struct {
	baseURL    string
	batchSize  int
	dimensions int
	reqOpts    []option.RequestOption
}

// Option customises the provider.
type Option func(*settings)

// WithBaseURL targets an OpenAI-compatible endpoint instead of api.openai.com.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithTimeout bounds every HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.reqOpts = append(s.reqOpts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithBatchSize caps the number of documents per request.
func WithBatchSize(n int) Option {
	return func(s *settings) { s.batchSize = n }
}

// WithDimensions asks the model for vectors of length n. The
// text-embedding-3 family shortens its output natively; for other models n
// only declares the length the endpoint is known to return.
func WithDimensions(n int) Option {
	return func(s *settings) { s.dimensions = n }
}

// New returns a provider for model, or [DefaultModel] when model is empty.
// apiKey may only be empty together with [WithBaseURL].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}
	s := settings{batchSize: embeddings.DefaultBatchSize}
	for _, o := range opts {
		o(&s)
	}
	if apiKey == "" && s.baseURL == "" {
		return nil, errors.New("openai embeddings: an API key is required for api.openai.com")
	}
	if s.dimensions < 0 {
		return nil, fmt.Errorf("openai embeddings: dimensions %d must not be negative", s.dimensions)
	}

	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, s.reqOpts...)
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}

	p := &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      model,
		batchSize:  s.batchSize,
		dimensions: s.dimensions,
	}
	known, ok := embeddings.Lookup(model)
	switch {
	case p.dimensions == 0 && ok:
		p.dimensions = known.Dimensions
	case p.dimensions > 0 && ok && p.dimensions != known.Dimensions:
		p.shorten = true
	}
	return p, nil
}

// EmbedQuery implements [embeddings.Provider].
func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: query: %w", err)
	}
	return vecs[0], nil
}

// EmbedDocuments implements [embeddings.Provider].
func (p *Provider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := embeddings.EmbedInBatches(ctx, texts, p.batchSize, p.embed)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: documents: %w", err)
	}
	return vecs, nil
}

// Dimensions implements [embeddings.Provider]. It is 0 for a model outside
// the known table unless [WithDimensions] was given.
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string { return p.model }

// embed sends one request and returns the vectors in input order.
func (p *Provider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if p.shorten {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%s: status %d: %w", p.model, apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("%s: %w", p.model, err)
	}
	if len(resp.Data) == 0 {
		return nil, embeddings.ErrEmptyResponse
	}

	out := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(out) || out[e.Index] != nil {
			return nil, fmt.Errorf("%s: bad embedding index %d", p.model, e.Index)
		}
		vec := make([]float32, len(e.Embedding))
		for i, v := range e.Embedding {
			vec[i] = float32(v)
		}
		out[e.Index] = vec
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("%s: no embedding for input %d", p.model, i)
		}
	}
	return out, nil
}
