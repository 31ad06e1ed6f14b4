package editor

import (
	"fmt"

	"github.com/rs/zerolog"

	"planmark/internal/annotation"
	"planmark/internal/hierarchy"
	"planmark/internal/viewstate"
)

// Notifier receives the post-mutation annotation set after every committed
// local mutation, including undo and redo. The autosave pipeline
// implements it.
type Notifier interface {
	MutationApplied(anns []annotation.Annotation)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func([]annotation.Annotation)

func (f NotifierFunc) MutationApplied(anns []annotation.Annotation) { f(anns) }

// Session is one user's editing session over a document: the in-memory
// annotation replica, the hierarchy index over it, the view state, and the
// undo history. All methods are single-threaded; remote events must be
// applied from the same goroutine that drives local edits.
type Session struct {
	DocumentID string

	anns     []annotation.Annotation
	entities hierarchy.Entities
	index    *hierarchy.Index
	view     *viewstate.Machine
	history  *History
	notify   Notifier
	log      zerolog.Logger
}

// NewSession builds a session from the server's current annotation set and
// entity projection.
func NewSession(documentID string, anns []annotation.Annotation, ents hierarchy.Entities, totalPages int, notify Notifier, log zerolog.Logger) *Session {
	s := &Session{
		DocumentID: documentID,
		anns:       annotation.CloneSet(anns),
		entities:   ents,
		view:       viewstate.New(totalPages),
		history:    NewHistory(DefaultUndoDepth),
		notify:     notify,
		log:        log.With().Str("component", "editor").Str("document", documentID).Logger(),
	}
	s.index = hierarchy.Build(s.anns, s.entities)
	return s
}

// Annotations returns a deep copy of the current set.
func (s *Session) Annotations() []annotation.Annotation {
	return annotation.CloneSet(s.anns)
}

// Index exposes the hierarchy index for tree rendering and navigation.
func (s *Session) Index() *hierarchy.Index { return s.index }

// View exposes the view state machine.
func (s *Session) View() *viewstate.Machine { return s.view }

func (s *Session) snapshot() Snapshot {
	return Snapshot{Annotations: s.anns, HiddenIDs: s.view.HiddenIDs()}
}

func (s *Session) rebuild() {
	s.index = hierarchy.Build(s.anns, s.entities)
}

func (s *Session) committed() {
	if s.notify != nil {
		s.notify.MutationApplied(s.Annotations())
	}
}

func (s *Session) find(id string) int {
	for i := range s.anns {
		if s.anns[i].ID == id {
			return i
		}
	}
	return -1
}

// Create validates and adds a new annotation, assigning a provisional id
// when none is set. The linkage chain must resolve against the hierarchy;
// violations are rejected with no state change.
func (s *Session) Create(a annotation.Annotation) (annotation.Annotation, error) {
	if a.Type == annotation.TypeDimension && a.Line != nil && a.Rect == (annotation.Rect{}) {
		a.Rect = annotation.DeriveRect(*a.Line)
	}
	if err := a.Validate(); err != nil {
		return annotation.Annotation{}, err
	}
	if err := s.index.ValidateLinkage(a); err != nil {
		return annotation.Annotation{}, err
	}
	if a.ID == "" {
		a.ID = annotation.NewProvisionalID()
	}

	tok := s.history.Begin(s.snapshot())
	s.anns = append(s.anns, a.Clone())
	s.rebuild()
	s.history.Commit(tok, s.snapshot())
	s.committed()
	s.log.Debug().Str("annotation", a.ID).Str("type", string(a.Type)).Msg("annotation created")
	return a, nil
}

// Move translates an annotation by a pixel delta on the given canvas.
func (s *Session) Move(id string, dx, dy float64, c annotation.Canvas) error {
	i := s.find(id)
	if i < 0 {
		return fmt.Errorf("editor: annotation %q not found", id)
	}
	tok := s.history.Begin(s.snapshot())
	s.anns[i].Rect = annotation.Move(s.anns[i], dx, dy, c)
	s.history.Commit(tok, s.snapshot())
	s.committed()
	return nil
}

// Resize adjusts an annotation's rect through one of the eight handles.
func (s *Session) Resize(id string, handle annotation.Handle, dx, dy float64, c annotation.Canvas) error {
	i := s.find(id)
	if i < 0 {
		return fmt.Errorf("editor: annotation %q not found", id)
	}
	tok := s.history.Begin(s.snapshot())
	s.anns[i].Rect = annotation.Resize(s.anns[i], handle, dx, dy, c)
	s.history.Commit(tok, s.snapshot())
	s.committed()
	return nil
}

// Delete removes an annotation. Deleting a hierarchy-owning annotation
// cascades: every descendant annotation on any page goes with it.
func (s *Session) Delete(id string) error {
	i := s.find(id)
	if i < 0 {
		return fmt.Errorf("editor: annotation %q not found", id)
	}
	target := s.anns[i]

	remove := map[string]struct{}{id: {}}
	if owning := target.Linkage.OwningID(target.Type); owning != "" {
		set, err := s.index.CascadeTargets(owning)
		if err == nil {
			for _, aid := range set.AnnotationIDs {
				remove[aid] = struct{}{}
			}
		}
	}

	tok := s.history.Begin(s.snapshot())
	kept := s.anns[:0]
	var droppedIDs []string
	for _, a := range s.anns {
		if _, gone := remove[a.ID]; gone {
			droppedIDs = append(droppedIDs, a.ID)
			continue
		}
		kept = append(kept, a)
	}
	s.anns = kept
	s.view.Drop(droppedIDs...)
	s.rebuild()
	s.history.Commit(tok, s.snapshot())
	s.committed()
	s.log.Debug().Str("annotation", id).Int("cascade", len(droppedIDs)).Msg("annotation deleted")
	return nil
}

// ToggleVisibility hides or shows a hierarchy node's entire subtree as a
// single undo-able action.
func (s *Session) ToggleVisibility(nodeID string) error {
	if _, ok := s.index.Node(nodeID); !ok {
		return fmt.Errorf("editor: node %q not found", nodeID)
	}
	tok := s.history.Begin(s.snapshot())
	affected := s.view.ToggleVisibility(nodeID, s.index)
	if len(affected) == 0 {
		s.history.Discard(tok)
		return nil
	}
	s.history.Commit(tok, s.snapshot())
	s.committed()
	return nil
}

// Undo restores the state before the most recent mutation. No-op when the
// stack is empty. The restored state feeds the autosave pipeline like any
// other mutation.
func (s *Session) Undo() bool {
	snap, ok := s.history.Undo()
	if !ok {
		return false
	}
	s.restore(snap)
	s.committed()
	return true
}

// Redo re-applies the most recently undone mutation.
func (s *Session) Redo() bool {
	snap, ok := s.history.Redo()
	if !ok {
		return false
	}
	s.restore(snap)
	s.committed()
	return true
}

func (s *Session) restore(snap Snapshot) {
	s.anns = snap.Annotations
	s.view.SetHidden(snap.HiddenIDs)
	s.rebuild()
}

// AdoptServerIDs re-keys provisional annotations after a batch create is
// acknowledged, carrying the hidden set across the rename.
func (s *Session) AdoptServerIDs(mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	hidden := s.view.HiddenIDs()
	for i := range s.anns {
		if serverID, ok := mapping[s.anns[i].ID]; ok {
			s.anns[i].ID = serverID
		}
	}
	for i, id := range hidden {
		if serverID, ok := mapping[id]; ok {
			hidden[i] = serverID
		}
	}
	s.view.SetHidden(hidden)
	s.rebuild()
}

// ApplyRemote merges a remote create/update into the local replica under
// last-writer-wins: the local copy is replaced unless it already carries a
// newer or equal server revision. It returns true when a local copy was
// superseded, so callers can surface a soft notification.
func (s *Session) ApplyRemote(a annotation.Annotation) bool {
	i := s.find(a.ID)
	if i < 0 {
		s.anns = append(s.anns, a.Clone())
		s.rebuild()
		return false
	}
	if s.anns[i].Rev >= a.Rev {
		return false
	}
	s.anns[i] = a.Clone()
	s.rebuild()
	return true
}

// ApplyRemoteDelete removes an annotation deleted by another session. A
// stale id is dropped gracefully with no error.
func (s *Session) ApplyRemoteDelete(id string) {
	i := s.find(id)
	if i < 0 {
		return
	}
	s.anns = append(s.anns[:i], s.anns[i+1:]...)
	s.view.Drop(id)
	s.rebuild()
}

// Resync replaces the whole replica with the server's authoritative set,
// used after a transport reconnect.
func (s *Session) Resync(anns []annotation.Annotation) {
	s.anns = annotation.CloneSet(anns)
	s.rebuild()
}
