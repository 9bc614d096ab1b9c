package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{meili: meili}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexItems pushes changed items to Meilisearch (fire-and-forget).
func (s *Service) IndexItems(items []ItemRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(items) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexItems(items); err != nil {
			log.Printf("search: index %d items: %v", len(items), err)
		}
	}()
}

// ReindexIteration reads every item of an iteration from PG and pushes it
// to Meilisearch. Called during Bootstrap.
func (s *Service) ReindexIteration(ctx context.Context, iterationID string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	pg, ok := s.pgfts.(*PgFTS)
	if !ok {
		return
	}
	records, err := pg.LoadIterationRecords(ctx, iterationID)
	if err != nil {
		log.Printf("search: reindex load %s failed: %v", iterationID, err)
		return
	}
	if err := s.meili.IndexItems(records); err != nil {
		log.Printf("search: reindex %s: %v", iterationID, err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
