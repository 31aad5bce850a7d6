package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound is returned for unknown case-study ids.
var ErrNotFound = errors.New("store: not found")

// Open connects to Postgres with pool settings tuned for a small API.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore holds the startup-failure corpus.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const failureColumns = `id, company_name, failure_reason, summary, what_they_did, what_went_wrong, key_takeaway, COALESCE(source_url, ''), created_at`

func scanFailure(row interface{ Scan(...any) error }) (StartupFailure, error) {
	var f StartupFailure
	err := row.Scan(
		&f.ID,
		&f.CompanyName,
		&f.FailureReason,
		&f.Summary,
		&f.WhatTheyDid,
		&f.WhatWentWrong,
		&f.KeyTakeaway,
		&f.SourceURL,
		&f.CreatedAt,
	)
	return f, err
}

func (s *PostgresStore) GetFailure(ctx context.Context, id string) (StartupFailure, error) {
	f, err := scanFailure(s.db.QueryRowContext(ctx, `
		SELECT `+failureColumns+`
		FROM startup_failures
		WHERE id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return StartupFailure{}, ErrNotFound
	}
	if err != nil {
		return StartupFailure{}, fmt.Errorf("get failure: %w", err)
	}
	return f, nil
}

// ListFailures pages the corpus, optionally narrowed by a case-insensitive
// match against company name or failure reason.
func (s *PostgresStore) ListFailures(ctx context.Context, filter FailureFilter) ([]StartupFailure, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+failureColumns+`
		FROM startup_failures
		WHERE ($1='' OR company_name ILIKE '%' || $1 || '%' OR failure_reason ILIKE '%' || $1 || '%')
		ORDER BY company_name ASC
		LIMIT $2 OFFSET $3
	`, strings.TrimSpace(filter.Query), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	items := make([]StartupFailure, 0)
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateFailure(ctx context.Context, f StartupFailure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO startup_failures (id, company_name, failure_reason, summary, what_they_did, what_went_wrong, key_takeaway, source_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (id) DO NOTHING
	`, f.ID, f.CompanyName, f.FailureReason, f.Summary, f.WhatTheyDid, f.WhatWentWrong, f.KeyTakeaway, f.SourceURL)
	if err != nil {
		return fmt.Errorf("create failure: %w", err)
	}
	return nil
}

// UpdateEmbedding stores the summary embedding used for similarity search.
// The vector is passed in pgvector's text form ("[0.1,0.2,...]").
func (s *PostgresStore) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE startup_failures SET summary_embedding=$2::vector WHERE id=$1
	`, id, VectorString(embedding))
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return nil
}

// MissingEmbeddingIDs lists case studies whose embedding was never computed.
func (s *PostgresStore) MissingEmbeddingIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM startup_failures WHERE summary_embedding IS NULL LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list missing embeddings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

// VectorString renders an embedding in pgvector's literal syntax.
func VectorString(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
