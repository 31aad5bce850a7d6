package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cassandra/api/internal/store"
)

// Embedder turns query text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Vector retrieves case studies by cosine similarity over pgvector
// embeddings.
type Vector struct {
	db       *sql.DB
	embedder Embedder
}

// NewVector creates a vector searcher.
func NewVector(db *sql.DB, embedder Embedder) *Vector {
	return &Vector{db: db, embedder: embedder}
}

// Search embeds the query and returns the nearest case studies. Rows with
// no stored embedding are skipped by the NULL guard.
func (v *Vector) Search(ctx context.Context, q Query) ([]CaseHit, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	embedding, err := v.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := v.db.QueryContext(ctx, `
		SELECT id, company_name, failure_reason, summary, what_they_did, what_went_wrong, key_takeaway, COALESCE(source_url, ''), created_at
		FROM startup_failures
		WHERE summary_embedding IS NOT NULL
		ORDER BY summary_embedding <=> $1::vector
		LIMIT $2
	`, store.VectorString(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()

	var hits []CaseHit
	for rows.Next() {
		hit := CaseHit{Source: SourceVector}
		if err := rows.Scan(
			&hit.ID,
			&hit.CompanyName,
			&hit.FailureReason,
			&hit.Summary,
			&hit.WhatTheyDid,
			&hit.WhatWentWrong,
			&hit.KeyTakeaway,
			&hit.SourceURL,
			&hit.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("vector scan: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}
