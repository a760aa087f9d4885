package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/MrWong99/echoforge/pkg/memory"
)

// UpsertChunks implements [memory.KnowledgeIndex]. All chunks are sent in a
// single batch; a chunk whose ID already exists is replaced.
func (s *Store) UpsertChunks(ctx context.Context, chunks []memory.KnowledgeChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	const q = `
		INSERT INTO knowledge_chunks (id, scope, source, content, embedding, metadata, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
		    scope      = EXCLUDED.scope,
		    source     = EXCLUDED.source,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    metadata   = EXCLUDED.metadata,
		    indexed_at = EXCLUDED.indexed_at`

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(q,
			c.ID,
			c.Scope,
			c.Source,
			c.Content,
			pgvector.NewVector(c.Embedding),
			jsonObject(c.Metadata),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	for _, c := range chunks {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("knowledge index: upsert %q: %w", c.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("knowledge index: close batch: %w", err)
	}
	return nil
}

// SearchKnowledge implements [memory.KnowledgeIndex]. Cosine distance is
// computed with the pgvector <=> operator.
func (s *Store) SearchKnowledge(ctx context.Context, embedding []float32, scope string, topK int) ([]memory.KnowledgeResult, error) {
	if topK <= 0 {
		return []memory.KnowledgeResult{}, nil
	}

	const q = `
		SELECT id, scope, source, content, embedding, metadata,
		       embedding <=> $1 AS distance
		FROM   knowledge_chunks
		WHERE  scope = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), scope, topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.KnowledgeResult, error) {
		var (
			r   memory.KnowledgeResult
			vec pgvector.Vector
		)
		if err := row.Scan(
			&r.Chunk.ID,
			&r.Chunk.Scope,
			&r.Chunk.Source,
			&r.Chunk.Content,
			&vec,
			&r.Chunk.Metadata,
			&r.Distance,
		); err != nil {
			return memory.KnowledgeResult{}, err
		}
		r.Chunk.Embedding = vec.Slice()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge index: scan: %w", err)
	}
	if results == nil {
		results = []memory.KnowledgeResult{}
	}
	return results, nil
}
