package search

import (
	"context"

	"planmark/internal/store"
)

// PgFallback implements Searcher with an ILIKE query against Postgres,
// used whenever Meilisearch is absent or unhealthy.
type PgFallback struct {
	store *store.PostgresStore
}

// NewPgFallback creates the Postgres fallback searcher.
func NewPgFallback(s *store.PostgresStore) *PgFallback {
	return &PgFallback{store: s}
}

// Healthy always returns true. If Postgres is down the whole app is down.
func (p *PgFallback) Healthy() bool {
	return true
}

// Search runs the label query, optionally scoped to one document.
func (p *PgFallback) Search(q Query) ([]Result, int, error) {
	hits, err := p.store.SearchLabels(context.Background(), q.Text, q.Limit)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if q.DocumentID != "" && h.DocumentID != q.DocumentID {
			continue
		}
		results = append(results, Result{
			ID:         h.ID,
			DocumentID: h.DocumentID,
			Type:       h.Type,
			PageNumber: h.PageNumber,
			Label:      h.Label,
		})
	}
	return results, len(results), nil
}
