// Package viewstate owns the session-local editor view: current page,
// zoom, isolation mode, filters, and the hidden-annotation set. None of it
// is persisted; it exists per connected session.
package viewstate

import (
	"sort"

	"planmark/internal/annotation"
	"planmark/internal/hierarchy"
)

const (
	ZoomMin     = 0.25
	ZoomMax     = 4.0
	ZoomDefault = 1.0
)

// Filter restricts visibility to annotations whose linkage chain contains
// the given entity. Multiple filters are a conjunction.
type Filter struct {
	Kind annotation.Type
	ID   string
}

// isolationFrame records one level of the LIFO isolation stack, along with
// the view that was active immediately before entering it.
type isolationFrame struct {
	level      annotation.Type
	roomID     string
	locationID string
	runID      string
	prevPage   int
	prevZoom   float64
}

// Machine is the view state machine. It is not safe for concurrent use;
// the editor session is single-threaded by design.
type Machine struct {
	page       int
	totalPages int
	zoom       float64
	filters    []Filter
	hidden     map[string]struct{}
	isolation  []isolationFrame
}

// New creates a machine positioned on page 1 at default zoom.
func New(totalPages int) *Machine {
	if totalPages < 1 {
		totalPages = 1
	}
	return &Machine{
		page:       1,
		totalPages: totalPages,
		zoom:       ZoomDefault,
		hidden:     make(map[string]struct{}),
	}
}

// Page returns the current page (1-based).
func (m *Machine) Page() int { return m.page }

// Zoom returns the current zoom level.
func (m *Machine) Zoom() float64 { return m.zoom }

// SetZoom clamps level into [ZoomMin, ZoomMax] and returns the applied value.
func (m *Machine) SetZoom(level float64) float64 {
	switch {
	case level < ZoomMin:
		level = ZoomMin
	case level > ZoomMax:
		level = ZoomMax
	}
	m.zoom = level
	return level
}

// GoToPage moves to page n. Out-of-range requests are a no-op; zoom,
// isolation, filters, and the hidden set all persist across navigation.
func (m *Machine) GoToPage(n int) {
	if n < 1 || n > m.totalPages {
		return
	}
	m.page = n
}

// IsolationActive reports whether any isolation level is entered.
func (m *Machine) IsolationActive() bool { return len(m.isolation) > 0 }

// IsolationLevel returns the innermost isolation level, or "" outside
// isolation mode.
func (m *Machine) IsolationLevel() annotation.Type {
	if len(m.isolation) == 0 {
		return ""
	}
	return m.isolation[len(m.isolation)-1].level
}

// IsolatedIDs returns the room, location, and run ids of the innermost
// isolation frame. Unused levels are empty.
func (m *Machine) IsolatedIDs() (roomID, locationID, runID string) {
	if len(m.isolation) == 0 {
		return "", "", ""
	}
	top := m.isolation[len(m.isolation)-1]
	return top.roomID, top.locationID, top.runID
}

// EnterIsolation focuses the view on the subtree the annotation belongs
// to. Entering a deeper level while already isolated nests: the parent
// context is retained and the prior view is pushed so ExitIsolation can
// restore it. The zoom is adjusted to fit the isolated region, capped at
// ZoomMax.
func (m *Machine) EnterIsolation(a annotation.Annotation, idx *hierarchy.Index) {
	var frame isolationFrame
	switch a.Type {
	case annotation.TypeRoom:
		frame = isolationFrame{level: annotation.TypeRoom, roomID: a.Linkage.RoomID}
	case annotation.TypeRoomLocation:
		frame = isolationFrame{
			level:      annotation.TypeRoomLocation,
			roomID:     a.Linkage.RoomID,
			locationID: a.Linkage.RoomLocationID,
		}
	case annotation.TypeCabinetRun:
		frame = isolationFrame{
			level:      annotation.TypeCabinetRun,
			roomID:     a.Linkage.RoomID,
			locationID: a.Linkage.RoomLocationID,
			runID:      a.Linkage.CabinetRunID,
		}
	default:
		// Cabinets and dimensions isolate their containing run or room.
		if a.Linkage.CabinetRunID != "" {
			frame = isolationFrame{
				level:      annotation.TypeCabinetRun,
				roomID:     a.Linkage.RoomID,
				locationID: a.Linkage.RoomLocationID,
				runID:      a.Linkage.CabinetRunID,
			}
		} else if a.Linkage.RoomID != "" {
			frame = isolationFrame{level: annotation.TypeRoom, roomID: a.Linkage.RoomID}
		} else {
			return
		}
	}

	frame.prevPage = m.page
	frame.prevZoom = m.zoom
	m.isolation = append(m.isolation, frame)

	if owning := a.Linkage.OwningID(a.Type); owning != "" && idx != nil {
		idx.ExpandPath(owning)
	}
	m.SetZoom(fitZoom(a.Rect))
}

// fitZoom picks the zoom that makes the region fill the view, capped at
// the zoom bounds.
func fitZoom(r annotation.Rect) float64 {
	span := r.Width
	if r.Height > span {
		span = r.Height
	}
	if span <= 0 {
		return ZoomDefault
	}
	return 1 / span
}

// ExitIsolation pops one isolation level, restoring the page and zoom that
// were active immediately before the matching EnterIsolation. Nested
// location isolation returns to room isolation, not to normal. No-op when
// not isolated.
func (m *Machine) ExitIsolation() {
	if len(m.isolation) == 0 {
		return
	}
	top := m.isolation[len(m.isolation)-1]
	m.isolation = m.isolation[:len(m.isolation)-1]
	m.page = top.prevPage
	m.zoom = top.prevZoom
}

// ApplyFilter adds a filter; duplicates are ignored.
func (m *Machine) ApplyFilter(kind annotation.Type, id string) {
	for _, f := range m.filters {
		if f.Kind == kind && f.ID == id {
			return
		}
	}
	m.filters = append(m.filters, Filter{Kind: kind, ID: id})
}

// ClearFilter removes one filter.
func (m *Machine) ClearFilter(kind annotation.Type, id string) {
	out := m.filters[:0]
	for _, f := range m.filters {
		if f.Kind != kind || f.ID != id {
			out = append(out, f)
		}
	}
	m.filters = out
}

// ClearAllFilters removes every active filter.
func (m *Machine) ClearAllFilters() {
	m.filters = nil
}

// Filters returns the active filters.
func (m *Machine) Filters() []Filter {
	return m.filters
}

// Hidden reports whether an annotation id is in the hidden set.
func (m *Machine) Hidden(id string) bool {
	_, ok := m.hidden[id]
	return ok
}

// HiddenIDs returns the hidden set in sorted order.
func (m *Machine) HiddenIDs() []string {
	out := make([]string, 0, len(m.hidden))
	for id := range m.hidden {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ToggleVisibility toggles a hierarchy node and all of its descendants'
// annotations as one atomic operation: if every affected annotation is
// currently hidden they all become visible, otherwise they all become
// hidden. The affected ids are returned so the caller can record a single
// undo entry.
func (m *Machine) ToggleVisibility(nodeID string, idx *hierarchy.Index) []string {
	ids := idx.AnnotationsFor(nodeID)
	if len(ids) == 0 {
		return nil
	}
	allHidden := true
	for _, id := range ids {
		if _, ok := m.hidden[id]; !ok {
			allHidden = false
			break
		}
	}
	for _, id := range ids {
		if allHidden {
			delete(m.hidden, id)
		} else {
			m.hidden[id] = struct{}{}
		}
	}
	return ids
}

// SetHidden replaces the hidden set; used when restoring undo snapshots.
func (m *Machine) SetHidden(ids []string) {
	m.hidden = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m.hidden[id] = struct{}{}
	}
}

// Drop removes stale ids from the hidden set, e.g. after a remote delete.
func (m *Machine) Drop(ids ...string) {
	for _, id := range ids {
		delete(m.hidden, id)
	}
}

// VisibleAnnotations computes the rendered subset for a page: annotations
// on that page which match every active filter, fall inside the isolated
// subtree when isolation is active, and are not hidden. It is a pure
// function of the machine state and the given set; calling it twice with
// unchanged state yields an equal result.
func (m *Machine) VisibleAnnotations(anns []annotation.Annotation, page int) []annotation.Annotation {
	var out []annotation.Annotation
	for _, a := range anns {
		if a.PageNumber != page {
			continue
		}
		if _, hidden := m.hidden[a.ID]; hidden {
			continue
		}
		if !m.matchesFilters(a) {
			continue
		}
		if !m.matchesIsolation(a) {
			continue
		}
		out = append(out, a.Clone())
	}
	return out
}

func (m *Machine) matchesFilters(a annotation.Annotation) bool {
	for _, f := range m.filters {
		if !chainContains(a, f.Kind, f.ID) {
			return false
		}
	}
	return true
}

func (m *Machine) matchesIsolation(a annotation.Annotation) bool {
	if len(m.isolation) == 0 {
		return true
	}
	top := m.isolation[len(m.isolation)-1]
	switch top.level {
	case annotation.TypeRoom:
		return chainContains(a, annotation.TypeRoom, top.roomID)
	case annotation.TypeRoomLocation:
		return chainContains(a, annotation.TypeRoomLocation, top.locationID)
	default:
		return chainContains(a, annotation.TypeCabinetRun, top.runID)
	}
}

func chainContains(a annotation.Annotation, kind annotation.Type, id string) bool {
	for _, ref := range a.Linkage.Refs() {
		if ref.Type == kind && ref.ID == id {
			return true
		}
	}
	return false
}
