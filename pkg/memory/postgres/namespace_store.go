package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/hibikichat/hibiki/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*namespaceStore)(nil)

// namespaceStore is a [memory.Store] view scoped to one namespace key.
// Obtain one via [Backend.Open] rather than constructing directly.
type namespaceStore struct {
	backend *Backend
	key     string
}

// Search implements [memory.Searcher]. When the backend has an embeddings
// provider, results are ranked by pgvector cosine distance to the query
// embedding; otherwise PostgreSQL full-text search ranked by ts_rank is used.
//
// Returned record payloads carry the canonical structured shape produced by
// [memory.StructuredPayload].
func (s *namespaceStore) Search(ctx context.Context, query string) ([]memory.Record, error) {
	if s.backend.embedder != nil {
		return s.searchByEmbedding(ctx, query)
	}
	return s.searchByFTS(ctx, query)
}

// searchByEmbedding embeds query and ranks records by cosine distance.
func (s *namespaceStore) searchByEmbedding(ctx context.Context, query string) ([]memory.Record, error) {
	vec, err := s.backend.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory store: embed query: %w", err)
	}

	const q = `
		SELECT content, metadata
		FROM   memories
		WHERE  namespace = $1
		  AND  embedding IS NOT NULL
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := s.backend.pool.Query(ctx, q, s.key, pgvector.NewVector(vec), s.backend.searchLimit)
	if err != nil {
		return nil, fmt.Errorf("memory store: vector search: %w", err)
	}
	return collectRecords(rows)
}

// searchByFTS ranks records by PostgreSQL full-text relevance. The query is
// passed through plainto_tsquery so no special operator syntax is required.
func (s *namespaceStore) searchByFTS(ctx context.Context, query string) ([]memory.Record, error) {
	const q = `
		SELECT content, metadata
		FROM   memories
		WHERE  namespace = $1
		  AND  to_tsvector('english', content) @@ plainto_tsquery('english', $2)
		ORDER  BY ts_rank(to_tsvector('english', content), plainto_tsquery('english', $2)) DESC
		LIMIT  $3`

	rows, err := s.backend.pool.Query(ctx, q, s.key, query, s.backend.searchLimit)
	if err != nil {
		return nil, fmt.Errorf("memory store: fts search: %w", err)
	}
	return collectRecords(rows)
}

// Create implements [memory.Writer]. The record is embedded before insertion
// when an embeddings provider is configured; an embedding failure downgrades
// the record to FTS-only rather than losing it.
func (s *namespaceStore) Create(ctx context.Context, content string) error {
	var vec *pgvector.Vector
	if s.backend.embedder != nil {
		raw, err := s.backend.embedder.Embed(ctx, content)
		if err != nil {
			slog.Warn("memory store: embedding failed, storing record without vector",
				"namespace", s.key, "error", err)
		} else {
			v := pgvector.NewVector(raw)
			vec = &v
		}
	}

	const q = `
		INSERT INTO memories (id, namespace, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.backend.pool.Exec(ctx, q,
		uuid.New(),
		s.key,
		content,
		[]byte(`{}`),
		vec,
	)
	if err != nil {
		return fmt.Errorf("memory store: create: %w", err)
	}
	return nil
}

// collectRecords scans pgx rows into memory records with structured payloads.
func collectRecords(rows pgx.Rows) ([]memory.Record, error) {
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Record, error) {
		var (
			content      string
			metadataJSON []byte
		)
		if err := row.Scan(&content, &metadataJSON); err != nil {
			return memory.Record{}, err
		}

		var metadata map[string]any
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
				return memory.Record{}, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}

		return memory.Record{Payload: memory.StructuredPayload(content, metadata)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: collect rows: %w", err)
	}
	if records == nil {
		records = []memory.Record{}
	}
	return records, nil
}
