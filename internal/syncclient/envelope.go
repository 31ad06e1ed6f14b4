package syncclient

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"planmark/internal/annotation"
)

// Format identifies the interchange envelope version. Consumers must
// reject envelopes carrying any other value.
const Format = "planmark/instant-json/v1"

// Envelope is the interchange form of a document's annotation set.
type Envelope struct {
	Format      string   `json:"format"`
	DocumentID  string   `json:"documentId"`
	Annotations []Record `json:"annotations"`
}

// Record is the wire form of one annotation. Pages are 0-based on the
// wire (pageIndex) and 1-based internally.
type Record struct {
	ID                     string             `json:"id"`
	Type                   string             `json:"type"`
	PageIndex              int                `json:"pageIndex"`
	X                      float64            `json:"x"`
	Y                      float64            `json:"y"`
	Width                  float64            `json:"width"`
	Height                 float64            `json:"height"`
	Line                   []annotation.Point `json:"line,omitempty"`
	Label                  string             `json:"label,omitempty"`
	Color                  string             `json:"color,omitempty"`
	RoomID                 string             `json:"roomId,omitempty"`
	RoomLocationID         string             `json:"roomLocationId,omitempty"`
	CabinetRunID           string             `json:"cabinetRunId,omitempty"`
	CabinetSpecificationID string             `json:"cabinetSpecificationId,omitempty"`
	Author                 string             `json:"author,omitempty"`
	Rev                    int64              `json:"rev,omitempty"`
	CreatedAt              time.Time          `json:"createdAt,omitzero"`
	UpdatedAt              time.Time          `json:"updatedAt,omitzero"`
}

func (r Record) validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required),
		validation.Field(&r.Type, validation.Required),
		validation.Field(&r.PageIndex, validation.Min(0)),
	)
}

// ToRecord converts an internal annotation to its wire form.
func ToRecord(a annotation.Annotation) Record {
	r := Record{
		ID:                     a.ID,
		Type:                   string(a.Type),
		PageIndex:              a.PageNumber - 1,
		X:                      a.Rect.X,
		Y:                      a.Rect.Y,
		Width:                  a.Rect.Width,
		Height:                 a.Rect.Height,
		Label:                  a.Label,
		Color:                  a.Color,
		RoomID:                 a.Linkage.RoomID,
		RoomLocationID:         a.Linkage.RoomLocationID,
		CabinetRunID:           a.Linkage.CabinetRunID,
		CabinetSpecificationID: a.Linkage.CabinetSpecificationID,
		Author:                 a.Author,
		Rev:                    a.Rev,
		CreatedAt:              a.CreatedAt,
		UpdatedAt:              a.UpdatedAt,
	}
	if a.Line != nil {
		r.Line = []annotation.Point{a.Line[0], a.Line[1]}
	}
	return r
}

// FromRecord converts a wire record back to the internal form and
// validates it.
func FromRecord(r Record) (annotation.Annotation, error) {
	if err := r.validate(); err != nil {
		return annotation.Annotation{}, err
	}
	a := annotation.Annotation{
		ID:         r.ID,
		Type:       annotation.Type(r.Type),
		PageNumber: r.PageIndex + 1,
		Rect:       annotation.Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height},
		Label:      r.Label,
		Color:      r.Color,
		Linkage: annotation.Linkage{
			RoomID:                 r.RoomID,
			RoomLocationID:         r.RoomLocationID,
			CabinetRunID:           r.CabinetRunID,
			CabinetSpecificationID: r.CabinetSpecificationID,
		},
		Author:    r.Author,
		Rev:       r.Rev,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Line) == 2 {
		line := [2]annotation.Point{r.Line[0], r.Line[1]}
		a.Line = &line
	} else if len(r.Line) != 0 {
		return annotation.Annotation{}, fmt.Errorf("syncclient: record %q: line must have exactly 2 points, got %d", r.ID, len(r.Line))
	}
	if err := a.Validate(); err != nil {
		return annotation.Annotation{}, fmt.Errorf("syncclient: record %q: %w", r.ID, err)
	}
	return a, nil
}

// Export builds the interchange envelope for a set of annotations. When
// page > 0 only that page is included.
func Export(documentID string, anns []annotation.Annotation, page int) Envelope {
	env := Envelope{Format: Format, DocumentID: documentID, Annotations: []Record{}}
	for _, a := range anns {
		if page > 0 && a.PageNumber != page {
			continue
		}
		env.Annotations = append(env.Annotations, ToRecord(a))
	}
	return env
}

// Import decodes an envelope into internal annotations. Import is
// fail-closed: one structurally invalid record rejects the whole batch.
func Import(env Envelope) ([]annotation.Annotation, error) {
	if env.Format != Format {
		return nil, fmt.Errorf("syncclient: unsupported envelope format %q", env.Format)
	}
	anns := make([]annotation.Annotation, 0, len(env.Annotations))
	for i, r := range env.Annotations {
		a, err := FromRecord(r)
		if err != nil {
			return nil, fmt.Errorf("syncclient: annotation %d: %w", i, err)
		}
		anns = append(anns, a)
	}
	return anns, nil
}
