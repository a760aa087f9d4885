package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echoforge/pkg/memory"
	"github.com/MrWong99/echoforge/pkg/provider/embeddings"
)

// chunkNamespace scopes the deterministic chunk ids.
var chunkNamespace = uuid.MustParse("3d0f6c1e-5b7a-4f0e-9a3b-6f1c2d8e4a90")

const (
	defaultChunkSize = 800
	defaultWorkers   = 4
	embedBatchSize   = 32
)

// Document is one text file to index.
type Document struct {
	Scope   string
	Source  string
	Content string
}

// Ingester chunks documents, embeds the chunks and upserts them into a
// [memory.KnowledgeIndex]. Chunk ids are derived from scope, source and
// position so re-ingesting unchanged files replaces rows instead of adding
// duplicates.
type Ingester struct {
	embedder  embeddings.Provider
	index     memory.KnowledgeIndex
	chunkSize int
	workers   int
}

// IngestOption configures an [Ingester].
type IngestOption func(*Ingester)

// WithChunkSize sets the soft character limit of one chunk. Default: 800.
func WithChunkSize(n int) IngestOption {
	return func(i *Ingester) {
		if n > 0 {
			i.chunkSize = n
		}
	}
}

// WithWorkers bounds the number of concurrent embedding requests. Default: 4.
func WithWorkers(n int) IngestOption {
	return func(i *Ingester) {
		if n > 0 {
			i.workers = n
		}
	}
}

// NewIngester returns an ingester writing to index.
func NewIngester(embedder embeddings.Provider, index memory.KnowledgeIndex, opts ...IngestOption) *Ingester {
	i := &Ingester{
		embedder:  embedder,
		index:     index,
		chunkSize: defaultChunkSize,
		workers:   defaultWorkers,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// IngestKnowledge indexes worldDir into the world scope and, for every
// character, charactersDir/<name> into that character's scope. Missing
// directories are skipped. It returns the number of chunks written.
func (i *Ingester) IngestKnowledge(ctx context.Context, worldDir, charactersDir string, characters []string) (int, error) {
	var docs []Document
	if worldDir != "" {
		d, err := LoadDocuments(worldDir, memory.ScopeWorld)
		if err != nil {
			return 0, err
		}
		docs = append(docs, d...)
	}
	if charactersDir != "" {
		for _, name := range characters {
			d, err := LoadDocuments(filepath.Join(charactersDir, name), memory.CharacterScope(name))
			if err != nil {
				return 0, err
			}
			docs = append(docs, d...)
		}
	}
	return i.Ingest(ctx, docs)
}

// Ingest chunks, embeds and upserts docs.
func (i *Ingester) Ingest(ctx context.Context, docs []Document) (int, error) {
	var chunks []memory.KnowledgeChunk
	for _, d := range docs {
		for n, text := range ChunkText(d.Content, i.chunkSize) {
			chunks = append(chunks, memory.KnowledgeChunk{
				ID:      chunkID(d.Scope, d.Source, n),
				Scope:   d.Scope,
				Source:  d.Source,
				Content: text,
				Metadata: map[string]string{
					"chunk": strconv.Itoa(n),
					"model": i.embedder.ModelID(),
				},
			})
		}
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for n, c := range chunks {
		texts[n] = c.Content
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(i.workers)
	offset := 0
	for _, batch := range embeddings.Batches(texts, embedBatchSize) {
		start := offset
		offset += len(batch)
		eg.Go(func() error {
			vecs, err := i.embedder.EmbedDocuments(egCtx, batch)
			if err != nil {
				return fmt.Errorf("retrieval: embed chunks %d-%d: %w", start, start+len(batch)-1, err)
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("retrieval: embedder returned %d vectors for %d chunks", len(vecs), len(batch))
			}
			for n, v := range vecs {
				chunks[start+n].Embedding = v
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	if err := i.index.UpsertChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("retrieval: upsert: %w", err)
	}
	slog.Info("knowledge indexed", "chunks", len(chunks), "documents", len(docs))
	return len(chunks), nil
}

// LoadDocuments reads every .txt and .md file below dir. A missing dir yields
// no documents and no error.
func LoadDocuments(dir, scope string) ([]Document, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		docs = append(docs, Document{Scope: scope, Source: filepath.ToSlash(rel), Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: load %q: %w", dir, err)
	}
	return docs, nil
}

// ChunkText splits text at blank lines and packs consecutive paragraphs into
// chunks of at most size characters. A single paragraph longer than size is
// cut at word boundaries.
func ChunkText(text string, size int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	for para := range strings.SplitSeq(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) > size {
			flush()
			chunks = append(chunks, splitWords(para, size)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+2+len(para) > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return slices.Clip(chunks)
}

func splitWords(para string, size int) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, w := range strings.Fields(para) {
		if cur.Len() > 0 && cur.Len()+1+len(w) > size {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func chunkID(scope, source string, n int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(scope+"|"+source+"|"+strconv.Itoa(n))).String()
}
