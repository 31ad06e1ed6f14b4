package store

import (
	"encoding/json"
	"time"

	"planmark/internal/annotation"
)

type Document struct {
	ID        string
	Title     string
	ObjectKey string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AnnotationEvent is one audit-log row.
type AnnotationEvent struct {
	ID           int64           `json:"id"`
	DocumentID   string          `json:"documentId"`
	AnnotationID string          `json:"annotationId"`
	Event        string          `json:"event"`
	Actor        string          `json:"actor"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// SearchHit is one label-search match.
type SearchHit struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Type       string `json:"type"`
	PageNumber int    `json:"pageNumber"`
	Label      string `json:"label"`
}

// nullable turns an empty linkage id into a SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanLinkage(roomID, locationID, runID, cabinetID *string) annotation.Linkage {
	var l annotation.Linkage
	if roomID != nil {
		l.RoomID = *roomID
	}
	if locationID != nil {
		l.RoomLocationID = *locationID
	}
	if runID != nil {
		l.CabinetRunID = *runID
	}
	if cabinetID != nil {
		l.CabinetSpecificationID = *cabinetID
	}
	return l
}
