package editor

import (
	"testing"

	"planmark/internal/annotation"
)

func snap(ids ...string) Snapshot {
	anns := make([]annotation.Annotation, len(ids))
	for i, id := range ids {
		anns[i] = annotation.Annotation{
			ID: id, Type: annotation.TypeRoom, PageNumber: 1,
			Rect:    annotation.Rect{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2},
			Linkage: annotation.Linkage{RoomID: "room_1"},
		}
	}
	return Snapshot{Annotations: anns}
}

func TestUndoRedoInverse(t *testing.T) {
	h := NewHistory(10)

	before := snap("a")
	after := snap("a", "b")
	tok := h.Begin(before)
	h.Commit(tok, after)

	got, ok := h.Undo()
	if !ok || len(got.Annotations) != 1 {
		t.Fatalf("undo returned %v ok=%v", got, ok)
	}

	got, ok = h.Redo()
	if !ok || len(got.Annotations) != 2 {
		t.Fatalf("redo returned %v ok=%v", got, ok)
	}
}

func TestUndoEmptyIsNoop(t *testing.T) {
	h := NewHistory(10)
	if _, ok := h.Undo(); ok {
		t.Fatal("undo on empty stack must report false")
	}
	if _, ok := h.Redo(); ok {
		t.Fatal("redo on empty stack must report false")
	}
}

func TestCommitClearsRedo(t *testing.T) {
	h := NewHistory(10)

	h.Commit(h.Begin(snap()), snap("a"))
	h.Commit(h.Begin(snap("a")), snap("a", "b"))
	h.Undo()
	if _, redo := h.Depths(); redo != 1 {
		t.Fatal("expected one redo entry")
	}

	// A new mutation invalidates the redo branch.
	h.Commit(h.Begin(snap("a")), snap("a", "c"))
	if _, redo := h.Depths(); redo != 0 {
		t.Fatal("commit must clear the redo stack")
	}
}

func TestBoundedDepthEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Commit(h.Begin(snap()), snap("a"))
	}
	undo, _ := h.Depths()
	if undo != 3 {
		t.Fatalf("undo depth = %d, want cap 3", undo)
	}
}

func TestDiscardDropsPending(t *testing.T) {
	h := NewHistory(10)
	tok := h.Begin(snap())
	h.Discard(tok)
	h.Commit(tok, snap("a")) // must be ignored
	if undo, _ := h.Depths(); undo != 0 {
		t.Fatal("discarded token must not commit")
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	h := NewHistory(10)
	before := snap("a")
	tok := h.Begin(before)
	// Mutating the caller's snapshot after Begin must not affect history.
	before.Annotations[0].Label = "changed"
	h.Commit(tok, snap("a", "b"))

	got, _ := h.Undo()
	if got.Annotations[0].Label != "" {
		t.Fatal("history must deep-copy snapshots")
	}
}
