package search

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseguard/api/internal/store"
)

type fakeIndex struct {
	mu       sync.Mutex
	healthy  bool
	results  []Result
	err      error
	queries  []Query
	cases    []CaseRecord
	messages []MessageRecord
}

func (f *fakeIndex) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.results, len(f.results), nil
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexCase(c CaseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cases = append(f.cases, c)
	return nil
}

func (f *fakeIndex) IndexMessage(m MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeIndex) IndexCases(cases []CaseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cases = append(f.cases, cases...)
	return nil
}

func (f *fakeIndex) IndexMessages(messages []MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, messages...)
	return nil
}

type fakeLoader struct {
	cases    []CaseRecord
	messages []MessageRecord
}

func (f fakeLoader) LoadAllRecords(context.Context) ([]CaseRecord, []MessageRecord, error) {
	return f.cases, f.messages, nil
}

func TestSearchUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &fakeIndex{healthy: true, results: []Result{{Type: ResultCase, ID: "case_1"}}}
	fallback := &fakeIndex{healthy: true}
	svc := NewService(primary, fallback, nil, nil)

	resp := svc.Search(context.Background(), Query{Text: "sepsis", UserID: "usr_1"})

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "case_1", resp.Results[0].ID)
	assert.Equal(t, "sepsis", resp.Query)
	assert.Empty(t, fallback.queries)
	require.Len(t, primary.queries, 1)
	assert.Equal(t, "usr_1", primary.queries[0].UserID)
}

func TestSearchFallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeIndex{healthy: true, err: errors.New("boom")}
	fallback := &fakeIndex{healthy: true, results: []Result{{Type: ResultMessage, ID: "msg_1"}}}
	svc := NewService(primary, fallback, nil, nil)

	resp := svc.Search(context.Background(), Query{Text: "fever"})

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "msg_1", resp.Results[0].ID)
	assert.Len(t, fallback.queries, 1)
}

func TestSearchSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: false}
	fallback := &fakeIndex{healthy: true}
	svc := NewService(primary, fallback, nil, nil)

	resp := svc.Search(context.Background(), Query{Text: "fever"})

	assert.Empty(t, primary.queries)
	assert.NotNil(t, resp.Results)
	assert.Equal(t, 0, resp.Total)
}

func TestSearchReturnsEmptyOnFallbackError(t *testing.T) {
	svc := NewService(nil, &fakeIndex{healthy: true, err: errors.New("db down")}, nil, nil)

	resp := svc.Search(context.Background(), Query{Text: "fever"})

	assert.Equal(t, []Result{}, resp.Results)
}

func TestIndexCaseRunsInBackground(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	svc := NewService(primary, nil, nil, nil)
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	svc.IndexCase(store.ChatSession{ID: "case_1", UserID: "usr_1", CaseTitle: "Chest pain", UpdatedAt: updated})
	svc.IndexMessage(store.ChatMessage{ID: "msg_1", ChatID: "case_1", UserID: "usr_1", Role: "user", Content: "hello"})
	svc.Flush()

	require.Len(t, primary.cases, 1)
	assert.Equal(t, CaseRecord{ID: "case_1", UserID: "usr_1", CaseTitle: "Chest pain", UpdatedAt: updated.UnixMilli()}, primary.cases[0])
	require.Len(t, primary.messages, 1)
	assert.Equal(t, "case_1", primary.messages[0].CaseID)
	assert.Equal(t, int64(0), primary.messages[0].CreatedAt)
}

func TestIndexingIsSkippedWithoutPrimary(t *testing.T) {
	svc := NewService(nil, &fakeIndex{healthy: true}, nil, nil)
	svc.IndexCase(store.ChatSession{ID: "case_1"})
	svc.ReindexAll(context.Background())
	svc.Flush()
}

func TestReindexAllPushesLoadedRecords(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	loader := fakeLoader{
		cases:    []CaseRecord{{ID: "case_1"}, {ID: "case_2"}},
		messages: []MessageRecord{{ID: "msg_1"}},
	}
	svc := NewService(primary, nil, loader, nil)

	svc.ReindexAll(context.Background())

	assert.Len(t, primary.cases, 2)
	assert.Len(t, primary.messages, 1)
}

func TestBuildRequestsFiltersByOwner(t *testing.T) {
	requests := buildRequests(Query{Text: "rash", UserID: "usr_1", Limit: 500, Offset: -3})

	require.Len(t, requests, 2)
	for _, req := range requests {
		assert.Equal(t, "rash", req.Query)
		assert.Equal(t, int64(100), req.Limit)
		assert.Equal(t, int64(0), req.Offset)
		assert.Equal(t, []string{`userId = "usr_1"`}, req.Filter)
	}
	assert.Equal(t, idxCases, requests[0].IndexUID)
	assert.Equal(t, idxMessages, requests[1].IndexUID)
}

func TestBuildRequestsHonorsTypeFilter(t *testing.T) {
	requests := buildRequests(Query{Text: "rash", FilterType: ResultMessage})

	require.Len(t, requests, 1)
	assert.Equal(t, idxMessages, requests[0].IndexUID)
	assert.Nil(t, requests[0].Filter)
}

func TestHitToResultPrefersHighlightedFields(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"msg_1"`),
		"caseId":     json.RawMessage(`"case_9"`),
		"userId":     json.RawMessage(`"usr_1"`),
		"content":    json.RawMessage(`"patient has a fever"`),
		"createdAt":  json.RawMessage(`1700000000000`),
		"_formatted": json.RawMessage(`{"content":"patient has a <mark>fever</mark>","createdAt":"1700000000000"}`),
	}

	r := hitToResult(hit, ResultMessage)

	assert.Equal(t, Result{
		Type:      ResultMessage,
		ID:        "msg_1",
		CaseID:    "case_9",
		UserID:    "usr_1",
		Snippet:   "patient has a <mark>fever</mark>",
		UpdatedAt: 1700000000000,
	}, r)
}

func TestHitToResultCaseUsesOwnID(t *testing.T) {
	hit := meili.Hit{
		"id":        json.RawMessage(`"case_1"`),
		"caseTitle": json.RawMessage(`"Night sweats"`),
	}

	r := hitToResult(hit, ResultCase)

	assert.Equal(t, "case_1", r.CaseID)
	assert.Equal(t, "Night sweats", r.Title)
}

func TestBuildFallbackQueryScopesOwner(t *testing.T) {
	dataSQL, countSQL, args := buildFallbackQuery(Query{Text: "50%_off", UserID: "usr_1", Limit: 5, Offset: 10})

	assert.Equal(t, []any{`%50\%\_off%`, "usr_1"}, args)
	assert.Contains(t, dataSQL, "s.user_id = $2")
	assert.Contains(t, dataSQL, "LIMIT 5 OFFSET 10")
	assert.Equal(t, 2, strings.Count(dataSQL, "ILIKE $1"))
	assert.True(t, strings.HasPrefix(countSQL, "SELECT count(*)"))
}

func TestBuildFallbackQueryAdminSeesAllOwners(t *testing.T) {
	dataSQL, _, args := buildFallbackQuery(Query{Text: "fever", FilterType: ResultCase})

	assert.Len(t, args, 1)
	assert.NotContains(t, dataSQL, "user_id = $")
	assert.NotContains(t, dataSQL, "chat_messages")
}

type blockingLoader struct {
	release chan struct{}
	done    chan struct{}
}

func (b blockingLoader) LoadAllRecords(context.Context) ([]CaseRecord, []MessageRecord, error) {
	<-b.release
	close(b.done)
	return []CaseRecord{{ID: "case_1"}}, nil, nil
}

func TestFlushWaitsForStartedReindex(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	loader := blockingLoader{release: make(chan struct{}), done: make(chan struct{})}
	svc := NewService(primary, nil, loader, nil)

	svc.StartReindex(context.Background())

	flushed := make(chan struct{})
	go func() {
		svc.Flush()
		close(flushed)
	}()
	select {
	case <-flushed:
		t.Fatal("Flush returned while the reindex was still loading")
	case <-time.After(50 * time.Millisecond):
	}

	close(loader.release)
	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not return after the reindex finished")
	}
	<-loader.done
	primary.mu.Lock()
	defer primary.mu.Unlock()
	assert.Len(t, primary.cases, 1)
}
