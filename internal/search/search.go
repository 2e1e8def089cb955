package search

import (
	"context"
	"time"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultCase    ResultType = "case"
	ResultMessage ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	CaseID    string     `json:"caseId"`
	UserID    string     `json:"userId"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	UpdatedAt int64      `json:"updatedAt,omitempty"`
}

// Query describes a search request. An empty UserID searches every owner and
// is only issued for admins.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	UserID     string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoints.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexCase(c CaseRecord) error
	IndexMessage(m MessageRecord) error
	IndexCases(cases []CaseRecord) error
	IndexMessages(messages []MessageRecord) error
}

// CaseRecord is the data we index for a case.
type CaseRecord struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	CaseTitle string `json:"caseTitle"`
	UpdatedAt int64  `json:"updatedAt"`
}

// MessageRecord is the data we index for one chat message.
type MessageRecord struct {
	ID        string `json:"id"`
	CaseID    string `json:"caseId"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
