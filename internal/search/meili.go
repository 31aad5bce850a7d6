package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxFailures = "startup_failures"

// Meili implements KeywordSearcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the case-study
// index. The caller should proceed without keyword search when the initial
// connection fails; the health loop picks it back up.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxFailures,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxFailures, err)
	}

	index := m.client.Index(idxFailures)
	searchable := []string{"company_name", "failure_reason", "summary", "what_they_did", "what_went_wrong", "key_takeaway"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxFailures, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the case-study index.
func (m *Meili) Search(q Query) ([]CaseHit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 5
	}

	resp, err := m.client.Index(idxFailures).Search(q.Text, &meili.SearchRequest{
		Limit: limit,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	hits := make([]CaseHit, 0, len(resp.Hits))
	for _, raw := range resp.Hits {
		hit, err := decodeHit(raw)
		if err != nil {
			log.Printf("search: skip malformed hit: %v", err)
			continue
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func decodeHit(raw meili.Hit) (CaseHit, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return CaseHit{}, err
	}
	var rec FailureRecord
	if err := json.Unmarshal(encoded, &rec); err != nil {
		return CaseHit{}, err
	}
	hit := CaseHit{Source: SourceKeyword}
	hit.ID = rec.ID
	hit.CompanyName = rec.CompanyName
	hit.FailureReason = rec.FailureReason
	hit.Summary = rec.Summary
	hit.WhatTheyDid = rec.WhatTheyDid
	hit.WhatWentWrong = rec.WhatWentWrong
	hit.KeyTakeaway = rec.KeyTakeaway
	hit.SourceURL = rec.SourceURL
	return hit, nil
}

// IndexFailures bulk-indexes case studies.
func (m *Meili) IndexFailures(records []FailureRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxFailures).AddDocuments(records, nil)
	return err
}

// DeleteFailure removes one case study from the index.
func (m *Meili) DeleteFailure(id string) error {
	_, err := m.client.Index(idxFailures).DeleteDocument(id, nil)
	return err
}
