package store

import "time"

// StartupFailure is one case study in the corpus: a company that failed,
// why, and what to learn from it.
type StartupFailure struct {
	ID            string    `json:"id"`
	CompanyName   string    `json:"company_name"`
	FailureReason string    `json:"failure_reason"`
	Summary       string    `json:"summary"`
	WhatTheyDid   string    `json:"what_they_did"`
	WhatWentWrong string    `json:"what_went_wrong"`
	KeyTakeaway   string    `json:"key_takeaway"`
	SourceURL     string    `json:"source_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// FailureFilter narrows a case-study listing.
type FailureFilter struct {
	Query  string
	Limit  int
	Offset int
}
