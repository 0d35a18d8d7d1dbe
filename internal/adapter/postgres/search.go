package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/MemForge/internal/domain"
	"github.com/Strob0t/MemForge/internal/port/tier"
)

// UpsertDocument stores a knowledge document for full-text search.
func (s *Store) UpsertDocument(ctx context.Context, key, content string, metadata map[string]string) error {
	const q = `
		INSERT INTO knowledge_documents (key, content, metadata)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET content = EXCLUDED.content, metadata = EXCLUDED.metadata, updated_at = now()`

	meta := json.RawMessage(`{}`)
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal document metadata: %w", err)
		}
		meta = b
	}
	if _, err := s.pool.Exec(ctx, q, key, content, meta); err != nil {
		return fmt.Errorf("upsert document %s: %w", key, err)
	}
	return nil
}

// GetDocument returns an ingested document's content, or domain.ErrNotFound
// when no such document exists.
func (s *Store) GetDocument(ctx context.Context, key string) (string, error) {
	const q = `SELECT content FROM knowledge_documents WHERE key = $1`

	var content string
	if err := s.pool.QueryRow(ctx, q, key).Scan(&content); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("get document %s: %w", key, err)
	}
	return content, nil
}

// Search runs ranked full-text search over knowledge documents. An empty
// filter matches everything; otherwise every filter pair must be present in
// the document metadata.
func (s *Store) Search(ctx context.Context, query string, limit int, filter map[string]string) ([]tier.SearchResult, error) {
	const q = `
		SELECT key, content, ts_rank(tsv, websearch_to_tsquery('english', $1)) AS rank
		FROM knowledge_documents
		WHERE tsv @@ websearch_to_tsquery('english', $1)
		  AND metadata @> $2
		ORDER BY rank DESC
		LIMIT $3`

	if limit <= 0 {
		limit = 10
	}
	meta := json.RawMessage(`{}`)
	if filter != nil {
		b, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("marshal search filter: %w", err)
		}
		meta = b
	}

	rows, err := s.pool.Query(ctx, q, query, meta, limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var results []tier.SearchResult
	for rows.Next() {
		var r tier.SearchResult
		if err := rows.Scan(&r.Key, &r.Content, &r.Score); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	return results, nil
}
