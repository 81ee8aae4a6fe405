// Package postgres provides a PostgreSQL-backed implementation of the Hibiki
// long-term memory contracts.
//
// Records live in a single namespaced memories table. Relevance search runs
// through pgvector cosine similarity when an embeddings provider is
// configured, and falls back to PostgreSQL full-text search otherwise. The
// pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	backend, err := postgres.NewBackend(ctx, dsn, embedder)
//	if err != nil { … }
//	store := backend.Open(memory.ForIdentity(userID))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlMemories is the memories table DDL. The embedding column dimension is
// substituted by [Migrate]; NULL embeddings are permitted so that FTS-only
// deployments can share the schema.
const ddlMemories = `
CREATE TABLE IF NOT EXISTS memories (
    id          UUID         PRIMARY KEY,
    namespace   TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    embedding   VECTOR(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_namespace
    ON memories (namespace);

CREATE INDEX IF NOT EXISTS idx_memories_namespace_created
    ON memories (namespace, created_at);

CREATE INDEX IF NOT EXISTS idx_memories_fts
    ON memories USING GIN (to_tsvector('english', content));
`

// ddlVectorIndex creates the approximate-nearest-neighbour index used by the
// embedding search path. HNSW keeps recall high on small per-namespace sets.
const ddlVectorIndex = `
CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);
`

// Migrate ensures the pgvector extension, the memories table, and all indexes
// exist. embeddingDimensions must match the output dimension of the embedding
// model writing to this database; changing it after the first migration
// requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlMemories, embeddingDimensions)); err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlVectorIndex); err != nil {
		return fmt.Errorf("create embedding index: %w", err)
	}
	return nil
}
