package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/hibikichat/hibiki/pkg/memory"
	"github.com/hibikichat/hibiki/pkg/provider/embeddings"
)

// Compile-time interface check.
var _ memory.Backend = (*Backend)(nil)

// defaultSearchLimit caps the number of records a single Search returns when
// no override is configured.
const defaultSearchLimit = 5

// defaultEmbeddingDimensions sizes the embedding column for FTS-only
// deployments where no embeddings provider supplies the dimension.
const defaultEmbeddingDimensions = 1536

// Backend is the PostgreSQL-backed [memory.Backend]. It holds a single
// [pgxpool.Pool] shared by every namespace view it mints.
//
// All operations are safe for concurrent use.
type Backend struct {
	pool        *pgxpool.Pool
	embedder    embeddings.Provider // nil enables the FTS search path
	searchLimit int
}

// Option is a functional option for [NewBackend].
type Option func(*Backend)

// WithSearchLimit caps the number of records returned by a single Search.
// The default is 5.
func WithSearchLimit(n int) Option {
	return func(b *Backend) { b.searchLimit = n }
}

// NewBackend creates a Backend, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure the schema exists.
//
// embedder may be nil, in which case Search uses PostgreSQL full-text search
// instead of vector similarity and Create stores records without embeddings.
func NewBackend(ctx context.Context, dsn string, embedder embeddings.Provider, opts ...Option) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres backend: ping: %w", err)
	}

	dims := defaultEmbeddingDimensions
	if embedder != nil {
		dims = embedder.Dimensions()
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres backend: migrate: %w", err)
	}

	b := &Backend{
		pool:        pool,
		embedder:    embedder,
		searchLimit: defaultSearchLimit,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Open implements [memory.Backend]. The returned store is a lightweight view;
// it is cheap to create and shares the backend's pool.
func (b *Backend) Open(ns memory.Namespace) memory.Store {
	return &namespaceStore{backend: b, key: ns.Key()}
}

// Ping implements [memory.Backend].
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres backend: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
// It should be called when the Backend is no longer needed, typically via defer.
func (b *Backend) Close() {
	b.pool.Close()
}
