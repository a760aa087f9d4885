// Package ollama embeds text with a local Ollama server through its native
// /api/embed endpoint.
//
// Task prefixes of well-known asymmetric models are applied automatically
// (see [embeddings.Lookup]). [WithPrefixes] overrides them.
//
//	p, err := ollama.New("", "nomic-embed-text") // http://localhost:11434
//	vec, err := p.EmbedQuery(ctx, "who repairs balloons?")
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/echoforge/pkg/provider/embeddings"
)

// DefaultBaseURL is where a local Ollama listens by default.
const DefaultBaseURL = "http://localhost:11434"

// sizingTimeout bounds the request Dimensions makes for an unknown model.
const sizingTimeout = 10 * time.Second

// APIError is a non-200 answer from Ollama.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ollama: status %d", e.StatusCode)
	}
	return fmt.Sprintf("ollama: status %d: %s", e.StatusCode, e.Message)
}

// Provider is an [embeddings.Provider] for one Ollama model.
//
// The vector length comes from [WithDimensions], the table of known models,
// or the first vector the server returns, in that order.
type Provider struct {
	endpoint  string
	model     string
	client    *http.Client
	batchSize int
	keepAlive string
	query     string
	document  string

	mu         sync.Mutex
	dimensions int
}

var _ embeddings.Provider = (*Provider)(nil)

type settings struct {
	client     *http.Client
	timeout    time.Duration
	dimensions int
	batchSize  int
	keepAlive  time.Duration
	prefixes   *[2]string
}

// Option customises the provider.
type Option func(*settings)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.client = c }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithDimensions declares the vector length of a model missing from the
// known table, so no sizing request is needed.
func WithDimensions(n int) Option {
	return func(s *settings) { s.dimensions = n }
}

// WithBatchSize caps the number of documents per request.
func WithBatchSize(n int) Option {
	return func(s *settings) { s.batchSize = n }
}

// WithKeepAlive tells Ollama how long to keep the model loaded after a
// request.
func WithKeepAlive(d time.Duration) Option {
	return func(s *settings) { s.keepAlive = d }
}

// WithPrefixes sets the task prefixes for queries and documents. Empty
// strings send texts unchanged.
func WithPrefixes(query, document string) Option {
	return func(s *settings) { s.prefixes = &[2]string{query, document} }
}

// New returns a provider for model on the server at baseURL, or
// [DefaultBaseURL] when baseURL is empty.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	s := settings{batchSize: embeddings.DefaultBatchSize}
	for _, o := range opts {
		o(&s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: s.timeout}
	}

	known, _ := embeddings.Lookup(model)
	p := &Provider{
		endpoint:   strings.TrimRight(baseURL, "/") + "/api/embed",
		model:      model,
		client:     s.client,
		batchSize:  s.batchSize,
		query:      known.QueryPrefix,
		document:   known.DocumentPrefix,
		dimensions: known.Dimensions,
	}
	if s.dimensions > 0 {
		p.dimensions = s.dimensions
	}
	if s.prefixes != nil {
		p.query, p.document = s.prefixes[0], s.prefixes[1]
	}
	if s.keepAlive > 0 {
		p.keepAlive = s.keepAlive.String()
	}
	return p, nil
}

// EmbedQuery implements [embeddings.Provider].
func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{p.query + text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: query: %w", err)
	}
	return vecs[0], nil
}

// EmbedDocuments implements [embeddings.Provider].
func (p *Provider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	prefixed := texts
	if p.document != "" {
		prefixed = make([]string, len(texts))
		for i, t := range texts {
			prefixed[i] = p.document + t
		}
	}
	vecs, err := embeddings.EmbedInBatches(ctx, prefixed, p.batchSize, p.embed)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: documents: %w", err)
	}
	return vecs, nil
}

// Dimensions implements [embeddings.Provider]. For a model of unknown
// length it embeds a sample text once and returns 0 if that fails.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	dims := p.dimensions
	p.mu.Unlock()
	if dims > 0 {
		return dims
	}

	ctx, cancel := context.WithTimeout(context.Background(), sizingTimeout)
	defer cancel()
	if _, err := p.embed(ctx, []string{"dimension"}); err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dimensions
}

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string { return p.model }

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// embed sends one /api/embed request and learns the vector length from
// the first answer.
func (p *Provider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts, KeepAlive: p.keepAlive})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)); json.Unmarshal(raw, &e) == nil {
			apiErr.Message = e.Error
		}
		return nil, apiErr
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embeddings) == 0 {
		return nil, embeddings.ErrEmptyResponse
	}

	p.mu.Lock()
	if p.dimensions == 0 {
		p.dimensions = len(out.Embeddings[0])
	}
	p.mu.Unlock()
	return out.Embeddings, nil
}
