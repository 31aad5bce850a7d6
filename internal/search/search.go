package search

import "cassandra/api/internal/store"

// Query describes one retrieval request against the case-study corpus.
type Query struct {
	Text  string
	Limit int
}

// HitSource names which retrieval leg produced a hit.
type HitSource string

const (
	SourceVector  HitSource = "vector"
	SourceKeyword HitSource = "keyword"
)

// CaseHit is one retrieved case study with its provenance.
type CaseHit struct {
	store.StartupFailure
	Source HitSource `json:"source"`
}

// KeywordSearcher runs lexical retrieval.
type KeywordSearcher interface {
	Search(q Query) ([]CaseHit, error)
	Healthy() bool
}

// FailureRecord is the shape pushed into the keyword index.
type FailureRecord struct {
	ID            string `json:"id"`
	CompanyName   string `json:"company_name"`
	FailureReason string `json:"failure_reason"`
	Summary       string `json:"summary"`
	WhatTheyDid   string `json:"what_they_did"`
	WhatWentWrong string `json:"what_went_wrong"`
	KeyTakeaway   string `json:"key_takeaway"`
	SourceURL     string `json:"source_url,omitempty"`
}

// RecordFromFailure maps a stored case study into its index shape.
func RecordFromFailure(f store.StartupFailure) FailureRecord {
	return FailureRecord{
		ID:            f.ID,
		CompanyName:   f.CompanyName,
		FailureReason: f.FailureReason,
		Summary:       f.Summary,
		WhatTheyDid:   f.WhatTheyDid,
		WhatWentWrong: f.WhatWentWrong,
		KeyTakeaway:   f.KeyTakeaway,
		SourceURL:     f.SourceURL,
	}
}
