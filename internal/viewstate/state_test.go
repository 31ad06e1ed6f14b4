package viewstate

import (
	"reflect"
	"testing"

	"planmark/internal/annotation"
	"planmark/internal/hierarchy"
)

func fixtureEntities() hierarchy.Entities {
	return hierarchy.Entities{
		Rooms:     []hierarchy.Entity{{ID: "room_1", Name: "Kitchen"}},
		Locations: []hierarchy.Entity{{ID: "loc_1", Name: "North Wall", ParentID: "room_1"}},
		Runs:      []hierarchy.Entity{{ID: "run_1", Name: "Upper A", ParentID: "loc_1"}},
		Cabinets: []hierarchy.Entity{
			{ID: "cab_1", Name: "B24", ParentID: "run_1"},
			{ID: "cab_2", Name: "B30", ParentID: "run_1"},
		},
	}
}

func fixtureAnnotations() []annotation.Annotation {
	rect := annotation.Rect{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2}
	return []annotation.Annotation{
		{ID: "a_room", Type: annotation.TypeRoom, PageNumber: 1, Rect: rect,
			Linkage: annotation.Linkage{RoomID: "room_1"}},
		{ID: "a_loc", Type: annotation.TypeRoomLocation, PageNumber: 1, Rect: rect,
			Linkage: annotation.Linkage{RoomID: "room_1", RoomLocationID: "loc_1"}},
		{ID: "a_cab1", Type: annotation.TypeCabinet, PageNumber: 1, Rect: rect,
			Linkage: annotation.Linkage{RoomID: "room_1", RoomLocationID: "loc_1", CabinetRunID: "run_1", CabinetSpecificationID: "cab_1"}},
		{ID: "a_cab2", Type: annotation.TypeCabinet, PageNumber: 2, Rect: rect,
			Linkage: annotation.Linkage{RoomID: "room_1", RoomLocationID: "loc_1", CabinetRunID: "run_1", CabinetSpecificationID: "cab_2"}},
	}
}

func TestSetZoomClamps(t *testing.T) {
	m := New(5)
	for _, in := range []float64{-1, 0, 0.1, 0.25, 1.5, 4.0, 16} {
		got := m.SetZoom(in)
		if got < ZoomMin || got > ZoomMax {
			t.Fatalf("SetZoom(%v) = %v outside bounds", in, got)
		}
	}
	if m.SetZoom(16) != ZoomMax {
		t.Fatal("over-zoom should clamp to max")
	}
	if m.SetZoom(0.01) != ZoomMin {
		t.Fatal("under-zoom should clamp to min")
	}
}

func TestGoToPageBounds(t *testing.T) {
	m := New(3)
	m.GoToPage(2)
	if m.Page() != 2 {
		t.Fatalf("page = %d", m.Page())
	}
	m.GoToPage(9)
	if m.Page() != 2 {
		t.Fatal("out-of-range navigation must be a no-op")
	}
	m.GoToPage(0)
	if m.Page() != 2 {
		t.Fatal("page zero must be a no-op")
	}
}

func TestStatePersistsAcrossNavigation(t *testing.T) {
	m := New(3)
	m.SetZoom(2.0)
	m.ApplyFilter(annotation.TypeRoom, "room_1")
	m.SetHidden([]string{"a_cab1"})
	m.GoToPage(2)

	if m.Zoom() != 2.0 || len(m.Filters()) != 1 || !m.Hidden("a_cab1") {
		t.Fatal("zoom, filters, and hidden set must survive page navigation")
	}
}

func TestVisibleAnnotationsIdempotent(t *testing.T) {
	m := New(3)
	anns := fixtureAnnotations()
	m.ApplyFilter(annotation.TypeRoom, "room_1")

	first := m.VisibleAnnotations(anns, 1)
	second := m.VisibleAnnotations(anns, 1)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("VisibleAnnotations must be idempotent with unchanged state")
	}
}

func TestFiltersAreConjunction(t *testing.T) {
	m := New(3)
	anns := fixtureAnnotations()

	m.ApplyFilter(annotation.TypeRoom, "room_1")
	m.ApplyFilter(annotation.TypeCabinetRun, "run_1")

	visible := m.VisibleAnnotations(anns, 1)
	// Only a_cab1 carries both room_1 and run_1 in its chain on page 1.
	if len(visible) != 1 || visible[0].ID != "a_cab1" {
		t.Fatalf("conjunction filter wrong: %+v", visible)
	}

	m.ClearFilter(annotation.TypeCabinetRun, "run_1")
	if len(m.VisibleAnnotations(anns, 1)) != 3 {
		t.Fatal("clearing one filter should widen the set")
	}

	m.ClearAllFilters()
	if len(m.Filters()) != 0 {
		t.Fatal("filters not cleared")
	}
}

func TestHiddenSetExcludes(t *testing.T) {
	m := New(3)
	anns := fixtureAnnotations()
	m.SetHidden([]string{"a_loc"})

	for _, a := range m.VisibleAnnotations(anns, 1) {
		if a.ID == "a_loc" {
			t.Fatal("hidden annotation rendered")
		}
	}
}

func TestToggleVisibilityHierarchical(t *testing.T) {
	anns := fixtureAnnotations()
	idx := hierarchy.Build(anns, fixtureEntities())
	m := New(3)

	affected := m.ToggleVisibility("room_1", idx)
	if len(affected) != 4 {
		t.Fatalf("expected all 4 descendant annotations affected, got %v", affected)
	}
	if got := m.HiddenIDs(); len(got) != 4 {
		t.Fatalf("hidden = %v", got)
	}

	m.ToggleVisibility("room_1", idx)
	if len(m.HiddenIDs()) != 0 {
		t.Fatalf("second toggle must unhide all, hidden = %v", m.HiddenIDs())
	}
}

func TestIsolationNesting(t *testing.T) {
	anns := fixtureAnnotations()
	idx := hierarchy.Build(anns, fixtureEntities())
	m := New(3)
	m.SetZoom(1.0)

	m.EnterIsolation(anns[0], idx) // room
	if m.IsolationLevel() != annotation.TypeRoom {
		t.Fatalf("level = %q", m.IsolationLevel())
	}

	m.EnterIsolation(anns[1], idx) // location, nested
	if m.IsolationLevel() != annotation.TypeRoomLocation {
		t.Fatalf("level = %q", m.IsolationLevel())
	}
	roomID, locID, _ := m.IsolatedIDs()
	if roomID != "room_1" || locID != "loc_1" {
		t.Fatal("nested isolation must retain the parent room context")
	}

	// Exiting nested location isolation returns to room isolation.
	m.ExitIsolation()
	if m.IsolationLevel() != annotation.TypeRoom {
		t.Fatalf("after exit level = %q, want room", m.IsolationLevel())
	}

	m.ExitIsolation()
	if m.IsolationActive() {
		t.Fatal("expected normal mode after final exit")
	}
}

func TestIsolationRestoresViewLIFO(t *testing.T) {
	anns := fixtureAnnotations()
	idx := hierarchy.Build(anns, fixtureEntities())
	m := New(5)

	m.GoToPage(2)
	m.SetZoom(1.5)
	m.EnterIsolation(anns[0], idx)

	m.GoToPage(3)
	m.SetZoom(3.0)
	m.EnterIsolation(anns[1], idx)

	m.ExitIsolation()
	if m.Page() != 3 || m.Zoom() != 3.0 {
		t.Fatalf("inner exit restored wrong view: page=%d zoom=%v", m.Page(), m.Zoom())
	}

	m.ExitIsolation()
	if m.Page() != 2 || m.Zoom() != 1.5 {
		t.Fatalf("outer exit restored wrong view: page=%d zoom=%v", m.Page(), m.Zoom())
	}
}

func TestIsolationZoomCapped(t *testing.T) {
	anns := fixtureAnnotations()
	idx := hierarchy.Build(anns, fixtureEntities())
	m := New(3)

	tiny := anns[2]
	tiny.Rect = annotation.Rect{X: 0.4, Y: 0.4, Width: 0.02, Height: 0.02}
	m.EnterIsolation(tiny, idx)
	if m.Zoom() > ZoomMax {
		t.Fatalf("fit zoom %v exceeds max", m.Zoom())
	}
}

func TestIsolationAutoExpandsPath(t *testing.T) {
	anns := fixtureAnnotations()
	idx := hierarchy.Build(anns, fixtureEntities())
	m := New(3)

	m.EnterIsolation(anns[1], idx)
	for _, id := range []string{"room_1", "loc_1"} {
		if !idx.Expanded(id) {
			t.Fatalf("%s not expanded after isolation", id)
		}
	}
}

func TestVisibleAnnotationsUnderIsolation(t *testing.T) {
	anns := fixtureAnnotations()
	idx := hierarchy.Build(anns, fixtureEntities())
	m := New(3)

	m.EnterIsolation(anns[1], idx) // isolate loc_1
	visible := m.VisibleAnnotations(anns, 1)
	for _, a := range visible {
		if a.Linkage.RoomLocationID != "loc_1" {
			t.Fatalf("annotation outside isolated subtree rendered: %+v", a)
		}
	}
	if len(visible) != 2 { // a_loc and a_cab1 on page 1
		t.Fatalf("visible = %d, want 2", len(visible))
	}
}

func TestExitIsolationNoopWhenNormal(t *testing.T) {
	m := New(3)
	m.ExitIsolation() // must not panic or change anything
	if m.IsolationActive() {
		t.Fatal("unexpected isolation")
	}
}
