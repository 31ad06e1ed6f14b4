package search

// Result is a single annotation-label search hit.
type Result struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Type       string `json:"type"`
	PageNumber int    `json:"pageNumber"`
	Label      string `json:"label"`
	Snippet    string `json:"snippet,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	DocumentID string // empty = all documents
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a label search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data indexed per annotation.
type Record struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Type       string `json:"type"`
	PageNumber int    `json:"pageNumber"`
	Label      string `json:"label"`
}
