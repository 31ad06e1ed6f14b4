package editor

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planmark/internal/annotation"
	"planmark/internal/hierarchy"
)

func kitchenEntities() hierarchy.Entities {
	return hierarchy.Entities{
		Rooms: []hierarchy.Entity{{ID: "room_1", Name: "Kitchen", Sequence: 1}},
		Locations: []hierarchy.Entity{
			{ID: "loc_1", Name: "North Wall", ParentID: "room_1", Sequence: 1},
		},
		Runs: []hierarchy.Entity{
			{ID: "run_1", Name: "Base Run", ParentID: "loc_1", Sequence: 1},
		},
		Cabinets: []hierarchy.Entity{
			{ID: "cab_1", Name: "B24", ParentID: "run_1", Sequence: 1},
			{ID: "cab_2", Name: "B30", ParentID: "run_1", Sequence: 2},
		},
	}
}

func roomAnn(id string) annotation.Annotation {
	return annotation.Annotation{
		ID: id, Type: annotation.TypeRoom, PageNumber: 1,
		Rect:    annotation.Rect{X: 0.1, Y: 0.1, Width: 0.4, Height: 0.4},
		Linkage: annotation.Linkage{RoomID: "room_1"},
	}
}

func testSession(t *testing.T, anns ...annotation.Annotation) *Session {
	t.Helper()
	return NewSession("doc_1", anns, kitchenEntities(), 3, nil, zerolog.Nop())
}

func testCanvas() annotation.Canvas {
	return annotation.Canvas{Width: 1000, Height: 800, Zoom: 1.0}
}

func TestCreateAssignsProvisionalID(t *testing.T) {
	s := testSession(t)
	a, err := s.Create(roomAnn(""))
	require.NoError(t, err)
	assert.True(t, annotation.IsProvisional(a.ID))
	assert.Len(t, s.Annotations(), 1)
}

func TestCreateRejectsBrokenLinkage(t *testing.T) {
	s := testSession(t)
	bad := roomAnn("")
	bad.Linkage.RoomID = "room_missing"
	_, err := s.Create(bad)
	require.Error(t, err)
	assert.Empty(t, s.Annotations(), "rejected create must not mutate state")
	if undo, _ := s.history.Depths(); undo != 0 {
		t.Fatal("rejected create must not enter history")
	}
}

func TestUndoAfterThreeMovesStepsBackOne(t *testing.T) {
	s := testSession(t, roomAnn("ann_1"))
	c := testCanvas()

	require.NoError(t, s.Move("ann_1", 50, 0, c))
	require.NoError(t, s.Move("ann_1", 50, 0, c))
	beforeThird := s.Annotations()[0].Rect
	require.NoError(t, s.Move("ann_1", 50, 0, c))

	require.True(t, s.Undo())
	assert.Equal(t, beforeThird, s.Annotations()[0].Rect,
		"undo must revert only the third move")

	require.True(t, s.Redo())
	assert.InDelta(t, beforeThird.X+50.0/1000, s.Annotations()[0].Rect.X, 1e-9)
}

func TestDeleteRunCascadesToCabinets(t *testing.T) {
	run := annotation.Annotation{
		ID: "ann_run", Type: annotation.TypeCabinetRun, PageNumber: 1,
		Rect: annotation.Rect{X: 0.1, Y: 0.1, Width: 0.3, Height: 0.2},
		Linkage: annotation.Linkage{
			RoomID: "room_1", RoomLocationID: "loc_1", CabinetRunID: "run_1",
		},
	}
	cab := annotation.Annotation{
		ID: "ann_cab", Type: annotation.TypeCabinet, PageNumber: 2,
		Rect: annotation.Rect{X: 0.2, Y: 0.2, Width: 0.1, Height: 0.1},
		Linkage: annotation.Linkage{
			RoomID: "room_1", RoomLocationID: "loc_1",
			CabinetRunID: "run_1", CabinetSpecificationID: "cab_1",
		},
	}
	s := testSession(t, roomAnn("ann_room"), run, cab)

	require.NoError(t, s.Delete("ann_run"))

	left := s.Annotations()
	require.Len(t, left, 1, "cabinet on another page must cascade with its run")
	assert.Equal(t, "ann_room", left[0].ID)

	// One undo restores the run and the cascaded cabinet together.
	require.True(t, s.Undo())
	assert.Len(t, s.Annotations(), 3)
}

func TestToggleVisibilityIsOneUndoStep(t *testing.T) {
	s := testSession(t, roomAnn("ann_1"))
	require.NoError(t, s.ToggleVisibility("room_1"))
	assert.True(t, s.View().Hidden("ann_1"))

	require.True(t, s.Undo())
	assert.False(t, s.View().Hidden("ann_1"))
}

func TestToggleVisibilityNoopSkipsHistory(t *testing.T) {
	s := testSession(t) // no annotations under the room
	require.NoError(t, s.ToggleVisibility("room_1"))
	if undo, _ := s.history.Depths(); undo != 0 {
		t.Fatal("no-op toggle must not consume an undo slot")
	}
}

func TestAdoptServerIDsRekeysHiddenSet(t *testing.T) {
	s := testSession(t)
	a, err := s.Create(roomAnn(""))
	require.NoError(t, err)
	require.NoError(t, s.ToggleVisibility("room_1"))

	s.AdoptServerIDs(map[string]string{a.ID: "ann_42"})

	require.Equal(t, "ann_42", s.Annotations()[0].ID)
	assert.True(t, s.View().Hidden("ann_42"))
	assert.False(t, s.View().Hidden(a.ID))
}

func TestApplyRemoteLastWriterWins(t *testing.T) {
	local := roomAnn("ann_1")
	local.Rev = 3
	local.Color = "#ff0000"
	s := testSession(t, local)

	stale := roomAnn("ann_1")
	stale.Rev = 2
	stale.Color = "#00ff00"
	assert.False(t, s.ApplyRemote(stale))
	assert.Equal(t, "#ff0000", s.Annotations()[0].Color)

	newer := roomAnn("ann_1")
	newer.Rev = 4
	newer.Color = "#0000ff"
	assert.True(t, s.ApplyRemote(newer), "superseded local copy should be reported")
	assert.Equal(t, "#0000ff", s.Annotations()[0].Color)
}

func TestApplyRemoteAppendsUnknown(t *testing.T) {
	s := testSession(t)
	assert.False(t, s.ApplyRemote(roomAnn("ann_9")))
	assert.Len(t, s.Annotations(), 1)
}

func TestApplyRemoteDeleteStaleID(t *testing.T) {
	s := testSession(t, roomAnn("ann_1"))
	s.ApplyRemoteDelete("ann_gone") // must not panic or change state
	assert.Len(t, s.Annotations(), 1)
	s.ApplyRemoteDelete("ann_1")
	assert.Empty(t, s.Annotations())
}

func TestResyncReplacesReplica(t *testing.T) {
	s := testSession(t, roomAnn("ann_1"))
	s.Resync([]annotation.Annotation{roomAnn("ann_2"), roomAnn("ann_3")})
	got := s.Annotations()
	require.Len(t, got, 2)
	assert.Equal(t, "ann_2", got[0].ID)
}
