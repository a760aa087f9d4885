// Package embeddings defines the Provider interface for vector embedding backends.
//
// EchoForge embeds lore paragraphs as documents when the knowledge index is
// built and player questions as queries at turn time. Asymmetric models
// (nomic-embed-text, mxbai-embed-large) were trained with different task
// prefixes for the two, which is why the interface keeps them apart.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultBatchSize caps how many documents go into one provider request.
const DefaultBatchSize = 64

// ErrEmptyResponse is wrapped when a backend answered without vectors.
var ErrEmptyResponse = errors.New("embeddings: empty response")

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider share the dimensionality reported
// by Dimensions. Vectors from different models must never be compared.
type Provider interface {
	// EmbedQuery computes the embedding of a retrieval query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments returns one vector per text, in order. On error the
	// result is nil.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the length of every vector, or 0 while unknown.
	Dimensions() int

	ModelID() string
}

// Model is what is known in advance about an embedding model.
type Model struct {
	Dimensions     int
	QueryPrefix    string
	DocumentPrefix string
}

const retrievalInstruction = "Represent this sentence for searching relevant passages: "

var knownModels = map[string]Model{
	"text-embedding-3-small": {Dimensions: 1536},
	"text-embedding-3-large": {Dimensions: 3072},
	"text-embedding-ada-002": {Dimensions: 1536},
	"nomic-embed-text":       {Dimensions: 768, QueryPrefix: "search_query: ", DocumentPrefix: "search_document: "},
	"mxbai-embed-large":      {Dimensions: 1024, QueryPrefix: retrievalInstruction},
	"snowflake-arctic-embed": {Dimensions: 1024, QueryPrefix: retrievalInstruction},
	"all-minilm":             {Dimensions: 384},
	"bge-m3":                 {Dimensions: 1024},
}

// Lookup finds model in the table of well-known embedding models. Registry
// paths and tags are ignored, so "library/nomic-embed-text:v1.5" matches.
func Lookup(model string) (Model, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	m, ok := knownModels[name]
	return m, ok
}

// Batches splits texts into consecutive chunks of at most size elements.
// A non-positive size means [DefaultBatchSize].
func Batches(texts []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]string
	for start := 0; start < len(texts); start += size {
		out = append(out, texts[start:min(start+size, len(texts))])
	}
	return out
}

// EmbedInBatches calls embed once per batch of texts and concatenates the
// results, checking that every batch came back complete.
func EmbedInBatches(ctx context.Context, texts []string, size int, embed func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for i, batch := range Batches(texts, size) {
		vecs, err := embed(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("batch %d: got %d vectors for %d texts", i, len(vecs), len(batch))
		}
		out = append(out, vecs...)
	}
	return out, nil
}
