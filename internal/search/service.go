package search

import (
	"context"
	"log"
)

// VectorSearcher runs semantic retrieval.
type VectorSearcher interface {
	Search(ctx context.Context, q Query) ([]CaseHit, error)
}

// Service is the hybrid retrieval facade: a semantic leg over pgvector and
// a keyword leg that prefers Meilisearch and falls back to PG FTS. Either
// leg may fail without sinking the request; analysis quality degrades
// instead.
type Service struct {
	meili  KeywordSearcher
	pgfts  KeywordSearcher
	vector VectorSearcher
}

// NewService creates a search service. meili and vector may be nil when
// not configured.
func NewService(meili, pgfts KeywordSearcher, vector VectorSearcher) *Service {
	return &Service{meili: meili, pgfts: pgfts, vector: vector}
}

// Search runs both legs and merges, deduplicating by case-study id with
// semantic hits ranked first.
func (s *Service) Search(ctx context.Context, q Query) []CaseHit {
	var vectorHits []CaseHit
	if s.vector != nil {
		hits, err := s.vector.Search(ctx, q)
		if err != nil {
			log.Printf("search: vector leg failed, continuing keyword-only: %v", err)
		} else {
			vectorHits = hits
		}
	}

	keywordHits, err := s.keyword(q)
	if err != nil {
		log.Printf("search: keyword leg failed: %v", err)
	}

	merged := make([]CaseHit, 0, len(vectorHits)+len(keywordHits))
	seen := make(map[string]bool)
	for _, hit := range vectorHits {
		if seen[hit.ID] {
			continue
		}
		seen[hit.ID] = true
		merged = append(merged, hit)
	}
	for _, hit := range keywordHits {
		if seen[hit.ID] {
			continue
		}
		seen[hit.ID] = true
		merged = append(merged, hit)
	}

	if q.Limit > 0 && len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	return merged
}

func (s *Service) keyword(q Query) ([]CaseHit, error) {
	if s.meili != nil && s.meili.Healthy() {
		hits, err := s.meili.Search(q)
		if err == nil {
			return hits, nil
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.pgfts == nil {
		return nil, nil
	}
	return s.pgfts.Search(q)
}

// IndexFailures pushes case studies into the keyword index, fire and
// forget.
func (s *Service) IndexFailures(records []FailureRecord) {
	m, ok := s.meili.(*Meili)
	if !ok || m == nil || !m.Healthy() {
		return
	}
	go func() {
		if err := m.IndexFailures(records); err != nil {
			log.Printf("search: index %d failures: %v", len(records), err)
		}
	}()
}
