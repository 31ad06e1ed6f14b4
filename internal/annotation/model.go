// Package annotation defines the annotation record and its geometry
// operations. All stored geometry is normalized to [0,1] relative to page
// dimensions; conversion to canvas pixels always goes through a Canvas.
package annotation

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// Type is the closed set of annotation kinds. Adding a kind means adding a
// constant here and teaching the hierarchy index its place in the tree.
type Type string

const (
	TypeRoom         Type = "room"
	TypeRoomLocation Type = "room_location"
	TypeCabinetRun   Type = "cabinet_run"
	TypeCabinet      Type = "cabinet"
	TypeDimension    Type = "dimension"
)

var knownTypes = map[Type]struct{}{
	TypeRoom:         {},
	TypeRoomLocation: {},
	TypeCabinetRun:   {},
	TypeCabinet:      {},
	TypeDimension:    {},
}

// Known reports whether t is a recognized annotation type.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Depth returns the hierarchy depth of a type: room 0, location 1, run 2,
// cabinet 3. Dimension annotations sit outside the hierarchy and return -1.
func (t Type) Depth() int {
	switch t {
	case TypeRoom:
		return 0
	case TypeRoomLocation:
		return 1
	case TypeCabinetRun:
		return 2
	case TypeCabinet:
		return 3
	default:
		return -1
	}
}

// Rect is a normalized rectangle: all fields are fractions of the page.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a normalized page coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Linkage holds the foreign references into the business hierarchy. The
// owning reference is the one matching the annotation's type; ancestors
// above it are carried so filters and isolation can match whole chains.
type Linkage struct {
	RoomID                 string `json:"roomId,omitempty"`
	RoomLocationID         string `json:"roomLocationId,omitempty"`
	CabinetRunID           string `json:"cabinetRunId,omitempty"`
	CabinetSpecificationID string `json:"cabinetSpecificationId,omitempty"`
}

// OwningID returns the linkage reference that owns an annotation of type t,
// or "" when t carries no owning entity (dimension).
func (l Linkage) OwningID(t Type) string {
	switch t {
	case TypeRoom:
		return l.RoomID
	case TypeRoomLocation:
		return l.RoomLocationID
	case TypeCabinetRun:
		return l.CabinetRunID
	case TypeCabinet:
		return l.CabinetSpecificationID
	default:
		return ""
	}
}

// Refs returns every non-empty linkage reference paired with the hierarchy
// type it points at, outermost first.
func (l Linkage) Refs() []Ref {
	var refs []Ref
	if l.RoomID != "" {
		refs = append(refs, Ref{Type: TypeRoom, ID: l.RoomID})
	}
	if l.RoomLocationID != "" {
		refs = append(refs, Ref{Type: TypeRoomLocation, ID: l.RoomLocationID})
	}
	if l.CabinetRunID != "" {
		refs = append(refs, Ref{Type: TypeCabinetRun, ID: l.CabinetRunID})
	}
	if l.CabinetSpecificationID != "" {
		refs = append(refs, Ref{Type: TypeCabinet, ID: l.CabinetSpecificationID})
	}
	return refs
}

// Ref is a typed pointer into the business hierarchy.
type Ref struct {
	Type Type
	ID   string
}

// Annotation is the atomic unit drawn on a PDF page.
type Annotation struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	PageNumber int       `json:"pageNumber"`
	Rect       Rect      `json:"rect"`
	Line       *[2]Point `json:"line,omitempty"` // dimension only
	Label      string    `json:"label"`
	Color      string    `json:"color"`
	Linkage    Linkage   `json:"linkage"`
	Author     string    `json:"author,omitempty"`
	Rev        int64     `json:"rev"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

const provisionalPrefix = "tmp_"

// NewProvisionalID returns a client-generated id used until the server
// assigns the durable one.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether id was generated client-side and not yet
// replaced by a server-assigned id.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// Validate checks structural validity: recognized type, in-range geometry,
// and a linkage consistent with the type. Ancestor existence is checked by
// the hierarchy index, not here.
func (a Annotation) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Type, validation.Required, validation.By(validateType)),
		validation.Field(&a.PageNumber, validation.Required, validation.Min(1)),
		validation.Field(&a.Rect, validation.By(validateRect)),
		validation.Field(&a.Line, validation.By(a.validateLine)),
		validation.Field(&a.Linkage, validation.By(a.validateLinkage)),
	)
}

func validateType(value any) error {
	t, _ := value.(Type)
	if !t.Known() {
		return fmt.Errorf("unrecognized annotation type %q", t)
	}
	return nil
}

func validateRect(value any) error {
	r, _ := value.(Rect)
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("rect must have positive size")
	}
	if r.X < 0 || r.Y < 0 || r.X+r.Width > 1 || r.Y+r.Height > 1 {
		return fmt.Errorf("rect must lie within the unit page")
	}
	return nil
}

func (a Annotation) validateLine(value any) error {
	line, _ := value.(*[2]Point)
	if a.Type == TypeDimension {
		if line == nil {
			return fmt.Errorf("dimension annotations require two line points")
		}
		for _, p := range line {
			if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
				return fmt.Errorf("line points must lie within the unit page")
			}
		}
		return nil
	}
	if line != nil {
		return fmt.Errorf("only dimension annotations carry a line")
	}
	return nil
}

func (a Annotation) validateLinkage(value any) error {
	l, _ := value.(Linkage)
	if a.Type == TypeDimension {
		return nil
	}
	if l.OwningID(a.Type) == "" {
		return fmt.Errorf("%s annotation missing its owning linkage", a.Type)
	}
	// References below the owning level would point sideways in the tree.
	for _, ref := range l.Refs() {
		if ref.Type.Depth() > a.Type.Depth() {
			return fmt.Errorf("%s annotation cannot reference a %s", a.Type, ref.Type)
		}
	}
	return nil
}

// DeriveRect computes the bounding rect of a dimension line, padded to the
// minimum annotation size so hit-testing stays uniform across types.
func DeriveRect(line [2]Point) Rect {
	x0, x1 := line[0].X, line[1].X
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	y0, y1 := line[0].Y, line[1].Y
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	r := Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
	if r.Width < MinSize {
		r.Width = MinSize
	}
	if r.Height < MinSize {
		r.Height = MinSize
	}
	if r.X+r.Width > 1 {
		r.X = 1 - r.Width
	}
	if r.Y+r.Height > 1 {
		r.Y = 1 - r.Height
	}
	return r
}

// Clone returns a deep copy of the annotation.
func (a Annotation) Clone() Annotation {
	out := a
	if a.Line != nil {
		line := *a.Line
		out.Line = &line
	}
	return out
}

// CloneSet deep-copies a whole annotation collection.
func CloneSet(anns []Annotation) []Annotation {
	out := make([]Annotation, len(anns))
	for i, a := range anns {
		out[i] = a.Clone()
	}
	return out
}
