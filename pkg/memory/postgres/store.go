package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/echoforge/pkg/memory"
)

var (
	_ memory.ConversationStore = (*Store)(nil)
	_ memory.SessionRegistry   = (*Store)(nil)
	_ memory.KnowledgeIndex    = (*Store)(nil)
)

// DefaultEmbeddingDimensions is the knowledge vector length unless
// [WithEmbeddingDimensions] says otherwise.
const DefaultEmbeddingDimensions = 1536

// Store keeps conversation memory, game sessions and the knowledge index in
// one PostgreSQL database. It is safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
}

type options struct {
	dimensions int
	maxConns   int32
	tracing    bool
}

// Option configures [NewStore].
type Option func(*options)

// WithEmbeddingDimensions sets the vector length of the knowledge index.
// Non-positive values keep [DefaultEmbeddingDimensions].
func WithEmbeddingDimensions(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.dimensions = n
		}
	}
}

// WithMaxConns caps the pool size, overriding pool_max_conns in the DSN.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// WithQueryTracing records a span for every statement.
func WithQueryTracing() Option {
	return func(o *options) { o.tracing = true }
}

// NewStore connects to dsn and brings the schema up to date. A failed
// connection attempt is reported as an error; callers degrade to running
// without persistence.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := options{dimensions: DefaultEmbeddingDimensions}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}
	if o.tracing {
		cfg.ConnConfig.Tracer = newQueryTracer()
	}
	// The vector extension may not exist before the first migration, so a
	// failed registration is retried on the next connection.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool, o.dimensions); err != nil {
		pool.Close()
		return nil, err
	}
	// Connections opened before the extension existed lack the vector codec.
	pool.Reset()

	return &Store{pool: pool, dimensions: o.dimensions}, nil
}

// Ping implements [memory.ConversationStore].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Dimensions is the vector length of the knowledge index.
func (s *Store) Dimensions() int { return s.dimensions }

// Close waits for in-flight queries and closes every connection.
func (s *Store) Close() { s.pool.Close() }

// jsonObject keeps NOT NULL JSONB columns from receiving SQL NULL.
func jsonObject[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
