package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const (
	idxCases    = "caseguard_cases"
	idxMessages = "caseguard_messages"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An unreachable
// server is not fatal: the health loop picks it up when it comes back.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.Named("search"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

type indexSpec struct {
	uid        string
	kind       ResultType
	filterable []string
	searchable []string
	sortable   []string
}

var indexSpecs = []indexSpec{
	{
		uid:        idxCases,
		kind:       ResultCase,
		filterable: []string{"userId"},
		searchable: []string{"caseTitle"},
		sortable:   []string{"updatedAt"},
	},
	{
		uid:        idxMessages,
		kind:       ResultMessage,
		filterable: []string{"userId", "caseId", "role"},
		searchable: []string{"content"},
		sortable:   []string{"createdAt"},
	},
}

func (m *Meili) configureIndexes() {
	for _, spec := range indexSpecs {
		log := m.logger.With(zap.String("index", spec.uid))
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: spec.uid, PrimaryKey: "id"}); err != nil {
			log.Debug("create index failed, assuming it exists", zap.Error(err))
		}

		index := m.client.Index(spec.uid)
		filterable := make([]interface{}, 0, len(spec.filterable))
		for _, attr := range spec.filterable {
			filterable = append(filterable, attr)
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Warn("filterable attributes not applied", zap.Error(err))
		}
		if _, err := index.UpdateSearchableAttributes(&spec.searchable); err != nil {
			log.Warn("searchable attributes not applied", zap.Error(err))
		}
		if _, err := index.UpdateSortableAttributes(&spec.sortable); err != nil {
			log.Warn("sortable attributes not applied", zap.Error(err))
		}
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
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the case and message indexes and merges the hits.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	queries := buildRequests(q)
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func buildRequests(q Query) []*meili.SearchRequest {
	var requests []*meili.SearchRequest
	for _, spec := range indexSpecs {
		if q.FilterType != "" && q.FilterType != spec.kind {
			continue
		}
		req := &meili.SearchRequest{
			IndexUID:              spec.uid,
			Query:                 q.Text,
			Limit:                 int64(normalizeLimit(q.Limit)),
			Offset:                int64(max(q.Offset, 0)),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if q.UserID != "" {
			req.Filter = []string{fmt.Sprintf("userId = %q", q.UserID)}
		}
		requests = append(requests, req)
	}
	return requests
}

func indexToResultType(uid string) ResultType {
	for _, spec := range indexSpecs {
		if spec.uid == uid {
			return spec.kind
		}
	}
	return ""
}

func hitToResult(hit meili.Hit, kind ResultType) Result {
	r := Result{
		Type:   kind,
		ID:     hitField[string](hit, "id"),
		UserID: hitField[string](hit, "userId"),
	}
	switch kind {
	case ResultCase:
		r.CaseID = r.ID
		r.Title = highlighted(hit, "caseTitle")
		r.UpdatedAt = hitField[int64](hit, "updatedAt")
	case ResultMessage:
		r.CaseID = hitField[string](hit, "caseId")
		r.Snippet = highlighted(hit, "content")
		r.UpdatedAt = hitField[int64](hit, "createdAt")
	}
	return r
}

// hitField decodes one attribute of a hit, yielding the zero value when the
// attribute is absent or has another type.
func hitField[T any](hit meili.Hit, key string) T {
	var value T
	if raw, ok := hit[key]; ok {
		if err := json.Unmarshal(raw, &value); err != nil {
			var zero T
			return zero
		}
	}
	return value
}

// highlighted prefers the <mark>-tagged copy of an attribute over the raw one.
func highlighted(hit meili.Hit, key string) string {
	formatted := hitField[map[string]json.RawMessage](hit, "_formatted")
	var marked string
	if raw, ok := formatted[key]; ok && json.Unmarshal(raw, &marked) == nil && strings.TrimSpace(marked) != "" {
		return strings.TrimSpace(marked)
	}
	return hitField[string](hit, key)
}

func (m *Meili) IndexCase(c CaseRecord) error {
	_, err := m.client.Index(idxCases).AddDocuments([]CaseRecord{c}, nil)
	return err
}

func (m *Meili) IndexMessage(msg MessageRecord) error {
	_, err := m.client.Index(idxMessages).AddDocuments([]MessageRecord{msg}, nil)
	return err
}

// IndexCases bulk-indexes cases.
func (m *Meili) IndexCases(cases []CaseRecord) error {
	if len(cases) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCases).AddDocuments(cases, nil)
	return err
}

// IndexMessages bulk-indexes messages.
func (m *Meili) IndexMessages(messages []MessageRecord) error {
	if len(messages) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMessages).AddDocuments(messages, nil)
	return err
}
