// Package editor holds the edit session: command handlers for annotation
// mutations, and the linear undo/redo history around them.
package editor

import (
	"time"

	"planmark/internal/annotation"
)

// DefaultUndoDepth bounds the undo stack; older entries are evicted
// silently once exceeded.
const DefaultUndoDepth = 50

// Snapshot captures enough state to fully restore the annotation set and
// the hidden-annotation set.
type Snapshot struct {
	Annotations []annotation.Annotation
	HiddenIDs   []string
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		Annotations: annotation.CloneSet(s.Annotations),
		HiddenIDs:   append([]string(nil), s.HiddenIDs...),
	}
	return out
}

type entry struct {
	before Snapshot
	after  Snapshot
	at     time.Time
}

// Token pairs a recorded before-snapshot with its pending after slot.
type Token struct {
	seq int
}

// History is a bounded linear undo/redo stack. Any committed mutation
// clears the redo stack; there is no branching.
type History struct {
	depth   int
	undo    []entry
	redo    []entry
	pending map[int]Snapshot
	seq     int
}

// NewHistory creates a history bounded at depth entries; depth <= 0 uses
// DefaultUndoDepth.
func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = DefaultUndoDepth
	}
	return &History{depth: depth, pending: make(map[int]Snapshot)}
}

// Begin records the before-snapshot of a mutation and returns a token the
// caller passes to Commit once the mutation is applied.
func (h *History) Begin(before Snapshot) Token {
	h.seq++
	h.pending[h.seq] = before.clone()
	return Token{seq: h.seq}
}

// Commit finalizes the undo entry for tok with the post-mutation snapshot
// and clears the redo stack. Commit with an unknown token is a no-op.
func (h *History) Commit(tok Token, after Snapshot) {
	before, ok := h.pending[tok.seq]
	if !ok {
		return
	}
	delete(h.pending, tok.seq)

	h.undo = append(h.undo, entry{before: before, after: after.clone(), at: time.Now()})
	if len(h.undo) > h.depth {
		h.undo = h.undo[len(h.undo)-h.depth:]
	}
	h.redo = nil
}

// Discard drops a pending token without recording an entry, for mutations
// that fail validation after Begin.
func (h *History) Discard(tok Token) {
	delete(h.pending, tok.seq)
}

// Undo pops the most recent entry and returns its before-snapshot. The
// second return is false when the stack is empty (a no-op, never an
// error).
func (h *History) Undo() (Snapshot, bool) {
	if len(h.undo) == 0 {
		return Snapshot{}, false
	}
	e := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, e)
	return e.before.clone(), true
}

// Redo pops from the redo stack and returns the after-snapshot. False when
// empty.
func (h *History) Redo() (Snapshot, bool) {
	if len(h.redo) == 0 {
		return Snapshot{}, false
	}
	e := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, e)
	return e.after.clone(), true
}

// Depths returns the current undo and redo stack sizes.
func (h *History) Depths() (undo, redo int) {
	return len(h.undo), len(h.redo)
}
