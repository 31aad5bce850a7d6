package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements KeywordSearcher on PostgreSQL full-text search, used as
// the fallback when Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// The tsvector expression must match the GIN index in the migrations so
// the planner can use it.
const failureTSV = `to_tsvector('english',
	company_name || ' ' || failure_reason || ' ' || summary || ' ' ||
	what_they_did || ' ' || what_went_wrong || ' ' || key_takeaway)`

// Search ranks case studies against the query with ts_rank.
func (p *PgFTS) Search(q Query) ([]CaseHit, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	rows, err := p.db.QueryContext(context.Background(), fmt.Sprintf(`
		SELECT id, company_name, failure_reason, summary, what_they_did, what_went_wrong, key_takeaway, COALESCE(source_url, ''), created_at
		FROM startup_failures
		WHERE %s @@ websearch_to_tsquery('english', $1)
		ORDER BY ts_rank(%s, websearch_to_tsquery('english', $1)) DESC
		LIMIT $2
	`, failureTSV, failureTSV), q.Text, limit)
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var hits []CaseHit
	for rows.Next() {
		hit := CaseHit{Source: SourceKeyword}
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
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}
