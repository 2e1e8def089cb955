package search

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"caseguard/api/internal/store"
)

// Index is a search backend that also accepts writes.
type Index interface {
	Searcher
	Indexer
}

// RecordLoader reads every searchable record from the primary store.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]CaseRecord, []MessageRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	primary  Index
	fallback Searcher
	loader   RecordLoader
	logger   *zap.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. primary may be nil when Meilisearch is
// not configured; loader may be nil when no reindex source exists.
func NewService(primary Index, fallback Searcher, loader RecordLoader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{primary: primary, fallback: fallback, loader: loader, logger: logger.Named("search")}
}

// Search tries the primary index if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("primary search failed, falling back", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexCase indexes a case in the background.
func (s *Service) IndexCase(c store.ChatSession) {
	if !s.indexing() {
		return
	}
	record := CaseRecordFrom(c)
	s.async(func() {
		if err := s.primary.IndexCase(record); err != nil {
			s.logger.Warn("index case", zap.String("case_id", record.ID), zap.Error(err))
		}
	})
}

// IndexMessage indexes a chat message in the background.
func (s *Service) IndexMessage(m store.ChatMessage) {
	if !s.indexing() {
		return
	}
	record := MessageRecordFrom(m)
	s.async(func() {
		if err := s.primary.IndexMessage(record); err != nil {
			s.logger.Warn("index message", zap.String("message_id", record.ID), zap.Error(err))
		}
	})
}

// ReindexAll reads every case and message from the loader and pushes them to
// the primary index.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.indexing() || s.loader == nil {
		return
	}
	cases, messages, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.primary.IndexCases(cases); err != nil {
		s.logger.Warn("reindex cases", zap.Error(err))
	}
	if err := s.primary.IndexMessages(messages); err != nil {
		s.logger.Warn("reindex messages", zap.Error(err))
	}
	s.logger.Info("reindex complete", zap.Int("cases", len(cases)), zap.Int("messages", len(messages)))
}

// StartReindex runs ReindexAll in the background. Flush waits for it like any
// other pending indexing.
func (s *Service) StartReindex(ctx context.Context) {
	if s == nil {
		return
	}
	s.async(func() { s.ReindexAll(ctx) })
}

// Flush waits for in-flight background indexing to finish.
func (s *Service) Flush() {
	s.pending.Wait()
}

func (s *Service) indexing() bool {
	return s != nil && s.primary != nil && s.primary.Healthy()
}

func (s *Service) async(fn func()) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		fn()
	}()
}

func CaseRecordFrom(c store.ChatSession) CaseRecord {
	return CaseRecord{
		ID:        c.ID,
		UserID:    c.UserID,
		CaseTitle: c.CaseTitle,
		UpdatedAt: unixMillis(c.UpdatedAt),
	}
}

func MessageRecordFrom(m store.ChatMessage) MessageRecord {
	return MessageRecord{
		ID:        m.ID,
		CaseID:    m.ChatID,
		UserID:    m.UserID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: unixMillis(m.CreatedAt),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
