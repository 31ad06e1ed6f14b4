package search

import "log"

// Service is the facade that tries Meilisearch first and falls back to
// the Postgres query.
type Service struct {
	meili    *Meili
	fallback *PgFallback
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, fallback *PgFallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise the Postgres fallback.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexAnnotation indexes one annotation, fire-and-forget.
func (s *Service) IndexAnnotation(rec Record) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexAnnotation(rec); err != nil {
			log.Printf("search: index annotation %s: %v", rec.ID, err)
		}
	}()
}

// DeleteAnnotation removes an annotation from the index, fire-and-forget.
func (s *Service) DeleteAnnotation(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteAnnotation(id); err != nil {
			log.Printf("search: delete annotation %s: %v", id, err)
		}
	}()
}

// ReindexAll bulk-pushes the given records into Meilisearch, used at
// bootstrap when the index is empty.
func (s *Service) ReindexAll(recs []Record) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexAnnotations(recs); err != nil {
		log.Printf("search: reindex: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
