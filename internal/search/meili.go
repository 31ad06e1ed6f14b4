package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxAnnotations = "planmark_annotations"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the annotations
// index. The caller should proceed without it when the initial health
// check fails; the background loop picks the instance up once it returns.
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
		Uid:        idxAnnotations,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxAnnotations, err)
	}

	index := m.client.Index(idxAnnotations)
	filterable := []interface{}{"documentId", "type", "pageNumber"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs: %v", err)
	}
	searchable := []string{"label"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs: %v", err)
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

// Search queries the annotations index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	sr := &meili.SearchRequest{
		Limit:                 limit,
		AttributesToHighlight: []string{"label"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.DocumentID != "" {
		sr.Filter = []string{fmt.Sprintf("documentId = %q", q.DocumentID)}
	}

	resp, err := m.client.Index(idxAnnotations).Search(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:         decodeString(hit, "id"),
		DocumentID: decodeString(hit, "documentId"),
		Type:       decodeString(hit, "type"),
		Label:      decodeString(hit, "label"),
		Snippet:    decodeFormattedString(hit, "label"),
	}
	var page int
	if raw, ok := hit["pageNumber"]; ok {
		_ = json.Unmarshal(raw, &page)
	}
	r.PageNumber = page
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

// IndexAnnotation adds or updates one annotation in the index.
func (m *Meili) IndexAnnotation(rec Record) error {
	_, err := m.client.Index(idxAnnotations).AddDocuments([]Record{rec}, nil)
	return err
}

// IndexAnnotations bulk-indexes annotation records.
func (m *Meili) IndexAnnotations(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxAnnotations).AddDocuments(recs, nil)
	return err
}

// DeleteAnnotation removes an annotation from the index.
func (m *Meili) DeleteAnnotation(id string) error {
	_, err := m.client.Index(idxAnnotations).DeleteDocument(id, nil)
	return err
}
