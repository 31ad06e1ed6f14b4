package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"planmark/internal/annotation"
	"planmark/internal/docsource"
	"planmark/internal/hierarchy"
	"planmark/internal/hub"
	"planmark/internal/metrics"
	"planmark/internal/search"
	"planmark/internal/store"
	"planmark/internal/syncclient"
)

// User is the request attribution carried on the X-User-Id and
// X-User-Name headers. Authentication itself lives in front of this
// service.
type User struct {
	ID   string `json:"userId"`
	Name string `json:"userName"`
}

type dataStore interface {
	Ping(context.Context) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	ListAnnotations(ctx context.Context, documentID string, page int) ([]annotation.Annotation, error)
	GetAnnotation(ctx context.Context, id string) (annotation.Annotation, string, error)
	CountAnnotations(ctx context.Context, documentID string, page int) (int, error)
	SaveBatch(ctx context.Context, documentID, actor string, anns []annotation.Annotation) ([]annotation.Annotation, map[string]string, error)
	UpdateAnnotation(ctx context.Context, actor string, a annotation.Annotation) (annotation.Annotation, string, error)
	DeleteAnnotations(ctx context.Context, documentID, actor string, ids []string) (int, error)
	History(ctx context.Context, documentID string, limit int) ([]store.AnnotationEvent, error)
	Entities(ctx context.Context, documentID string) (hierarchy.Entities, error)
}

type Service struct {
	store  dataStore
	hub    *hub.Hub
	search *search.Service
	docs   *docsource.Service
}

// NewService wires the annotation API. hub, search and docs may each be
// nil; the matching endpoints then degrade.
func NewService(st dataStore, h *hub.Hub, se *search.Service, docs *docsource.Service) *Service {
	return &Service{store: st, hub: h, search: se, docs: docs}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// DocumentInfo is the document summary returned by the API, enriched
// with source metadata when the document source is configured.
type DocumentInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	PageCount int       `json:"pageCount,omitempty"`
	FileURL   string    `json:"fileUrl,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Document returns the document record plus page count and a short-lived
// download URL for the stored PDF.
func (s *Service) Document(ctx context.Context, documentID string) (DocumentInfo, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentInfo{}, s.notFound(err, "Document not found")
	}
	info := DocumentInfo{ID: doc.ID, Title: doc.Title, UpdatedAt: doc.UpdatedAt}
	if s.docs == nil || doc.ObjectKey == "" {
		return info, nil
	}
	if pages, err := s.docs.PageCount(ctx, doc.ObjectKey); err == nil {
		info.PageCount = pages
	} else {
		log.Printf("page count for %s unavailable: %v", documentID, err)
	}
	if u, err := s.docs.PresignedURL(ctx, doc.ObjectKey, 15*time.Minute); err == nil {
		info.FileURL = u
	}
	return info, nil
}

// Envelope exports a document's annotations, optionally one page only.
func (s *Service) Envelope(ctx context.Context, documentID string, page int) (syncclient.Envelope, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return syncclient.Envelope{}, s.notFound(err, "Document not found")
	}
	anns, err := s.store.ListAnnotations(ctx, documentID, page)
	if err != nil {
		return syncclient.Envelope{}, fmt.Errorf("list annotations: %w", err)
	}
	return syncclient.Export(documentID, anns, 0), nil
}

// SaveResult is the response to an envelope save.
type SaveResult struct {
	Annotations []syncclient.Record `json:"annotations"`
	IDMap       map[string]string   `json:"idMap"`
}

// SaveEnvelope persists one envelope all-or-nothing: the import is
// fail-closed, every linkage must resolve against the document's
// hierarchy, and storage happens in one transaction. Accepted mutations
// are broadcast and their labels indexed.
func (s *Service) SaveEnvelope(ctx context.Context, documentID string, user User, env syncclient.Envelope) (SaveResult, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return SaveResult{}, s.notFound(err, "Document not found")
	}
	anns, err := syncclient.Import(env)
	if err != nil {
		return SaveResult{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "Invalid annotation payload", err.Error())
	}
	if err := s.checkLinkage(ctx, documentID, anns); err != nil {
		return SaveResult{}, err
	}

	saved, idMap, err := s.store.SaveBatch(ctx, documentID, user.ID, anns)
	if err != nil {
		metrics.SavesTotal.WithLabelValues("error").Inc()
		return SaveResult{}, fmt.Errorf("save batch: %w", err)
	}
	metrics.SavesTotal.WithLabelValues("ok").Inc()

	created := make(map[string]struct{}, len(idMap))
	for _, serverID := range idMap {
		created[serverID] = struct{}{}
	}

	result := SaveResult{Annotations: make([]syncclient.Record, 0, len(saved)), IDMap: idMap}
	for _, a := range saved {
		rec := syncclient.ToRecord(a)
		result.Annotations = append(result.Annotations, rec)

		kind := syncclient.EventUpdated
		if _, ok := created[a.ID]; ok {
			kind = syncclient.EventCreated
		}
		s.broadcast(ctx, documentID, syncclient.Event{Event: kind, Annotation: &rec, Rev: a.Rev})
		s.indexLabel(documentID, a)
	}
	return result, nil
}

// UpdateAnnotation applies a single-record patch. The server rev bump
// makes this write the latest; stale concurrent writers lose on replay.
func (s *Service) UpdateAnnotation(ctx context.Context, user User, rec syncclient.Record) (syncclient.Record, error) {
	a, err := syncclient.FromRecord(rec)
	if err != nil {
		return syncclient.Record{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "Invalid annotation payload", err.Error())
	}
	stored, documentID, err := s.store.UpdateAnnotation(ctx, user.ID, a)
	if err != nil {
		return syncclient.Record{}, s.notFound(err, "Annotation not found")
	}
	out := syncclient.ToRecord(stored)
	s.broadcast(ctx, documentID, syncclient.Event{Event: syncclient.EventUpdated, Annotation: &out, Rev: stored.Rev})
	s.indexLabel(documentID, stored)
	return out, nil
}

// DeleteAnnotation removes an annotation and everything below it in the
// hierarchy: deleting a run's annotation takes the run's cabinets with
// it, on every page.
func (s *Service) DeleteAnnotation(ctx context.Context, user User, id string) ([]string, error) {
	target, documentID, err := s.store.GetAnnotation(ctx, id)
	if err != nil {
		return nil, s.notFound(err, "Annotation not found")
	}

	ids := []string{id}
	if owning := target.Linkage.OwningID(target.Type); owning != "" {
		anns, err := s.store.ListAnnotations(ctx, documentID, 0)
		if err != nil {
			return nil, fmt.Errorf("list annotations: %w", err)
		}
		ents, err := s.store.Entities(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("load entities: %w", err)
		}
		index := hierarchy.Build(anns, ents)
		if set, err := index.CascadeTargets(owning); err == nil {
			seen := map[string]struct{}{id: {}}
			for _, aid := range set.AnnotationIDs {
				if _, ok := seen[aid]; ok {
					continue
				}
				seen[aid] = struct{}{}
				ids = append(ids, aid)
			}
		}
	}

	if _, err := s.store.DeleteAnnotations(ctx, documentID, user.ID, ids); err != nil {
		return nil, fmt.Errorf("delete annotations: %w", err)
	}
	for _, aid := range ids {
		s.broadcast(ctx, documentID, syncclient.Event{Event: syncclient.EventDeleted, ID: aid})
		if s.search != nil {
			s.search.DeleteAnnotation(aid)
		}
	}
	return ids, nil
}

// Count returns the annotation count for a document, optionally per page.
func (s *Service) Count(ctx context.Context, documentID string, page int) (int, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return 0, s.notFound(err, "Document not found")
	}
	return s.store.CountAnnotations(ctx, documentID, page)
}

// Context returns the hierarchy entities used for display names.
func (s *Service) Context(ctx context.Context, documentID string) (hierarchy.Entities, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return hierarchy.Entities{}, s.notFound(err, "Document not found")
	}
	return s.store.Entities(ctx, documentID)
}

// History returns recent audit entries for a document.
func (s *Service) History(ctx context.Context, documentID string, limit int) ([]store.AnnotationEvent, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, s.notFound(err, "Document not found")
	}
	events, err := s.store.History(ctx, documentID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []store.AnnotationEvent{}
	}
	return events, nil
}

// Search runs a label search across documents.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// Page returns page metadata from the document source.
func (s *Service) Page(ctx context.Context, documentID string, page int) (docsource.PageInfo, error) {
	if s.docs == nil {
		return docsource.PageInfo{}, domainError(http.StatusServiceUnavailable, CodeDocsrcUnavailable, "Document source not configured", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return docsource.PageInfo{}, s.notFound(err, "Document not found")
	}
	info, err := s.docs.Page(ctx, doc.ObjectKey, page)
	if err != nil {
		return docsource.PageInfo{}, domainError(http.StatusNotFound, CodeNotFound, "Page not found", err.Error())
	}
	return info, nil
}

// ServeWS upgrades a request to a live document channel.
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request, documentID string) error {
	if s.hub == nil {
		return domainError(http.StatusServiceUnavailable, CodeRealtimeUnavailable, "Realtime channel not configured", nil)
	}
	if _, err := s.store.GetDocument(r.Context(), documentID); err != nil {
		return s.notFound(err, "Document not found")
	}
	s.hub.ServeWS(w, r, documentID)
	return nil
}

// Presence lists who is currently editing a document.
func (s *Service) Presence(ctx context.Context, documentID string) ([]hub.PresenceEntry, error) {
	if s.hub == nil {
		return []hub.PresenceEntry{}, nil
	}
	entries, err := s.hub.Presence(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []hub.PresenceEntry{}
	}
	return entries, nil
}

// checkLinkage resolves every annotation's linkage chain against the
// document's hierarchy and rejects chains that do not form a real
// ancestor path.
func (s *Service) checkLinkage(ctx context.Context, documentID string, anns []annotation.Annotation) error {
	ents, err := s.store.Entities(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	index := hierarchy.Build(anns, ents)
	for _, a := range anns {
		if err := index.ValidateLinkage(a); err != nil {
			return domainError(http.StatusUnprocessableEntity, CodeValidation, "Invalid annotation linkage", err.Error())
		}
	}
	return nil
}

// HandleSocketEvent persists a mutation published over a WebSocket. It
// is the hub's EventHandler; the hub broadcasts after it succeeds.
// Mutations get the same linkage validation as an envelope save.
func (s *Service) HandleSocketEvent(ctx context.Context, documentID string, ev syncclient.Event) error {
	user := User{ID: ev.UserID, Name: ev.UserName}
	switch ev.Event {
	case syncclient.EventCreated, syncclient.EventUpdated:
		if ev.Annotation == nil {
			return errors.New("mutation event carries no annotation")
		}
		a, err := syncclient.FromRecord(*ev.Annotation)
		if err != nil {
			return err
		}
		anns := []annotation.Annotation{a}
		if err := s.checkLinkage(ctx, documentID, anns); err != nil {
			return err
		}
		_, _, err = s.store.SaveBatch(ctx, documentID, user.ID, anns)
		return err
	case syncclient.EventDeleted:
		if ev.ID == "" {
			return errors.New("delete event carries no id")
		}
		_, err := s.store.DeleteAnnotations(ctx, documentID, user.ID, []string{ev.ID})
		return err
	default:
		return fmt.Errorf("unsupported socket event %q", ev.Event)
	}
}

func (s *Service) broadcast(ctx context.Context, documentID string, ev syncclient.Event) {
	if s.hub == nil {
		return
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	s.hub.Broadcast(bctx, documentID, ev)
}

func (s *Service) indexLabel(documentID string, a annotation.Annotation) {
	if s.search == nil || a.Label == "" {
		return
	}
	s.search.IndexAnnotation(search.Record{
		ID:         a.ID,
		DocumentID: documentID,
		Type:       string(a.Type),
		PageNumber: a.PageNumber,
		Label:      a.Label,
	})
}

// RebuildSearchIndex pushes every labeled annotation into the search
// index in one bulk write, walking all documents. Run at startup so a
// fresh or wiped Meilisearch instance catches up with Postgres. Returns
// the number of records pushed.
func (s *Service) RebuildSearchIndex(ctx context.Context) (int, error) {
	if s.search == nil {
		return 0, nil
	}
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list documents: %w", err)
	}
	var recs []search.Record
	for _, doc := range docs {
		anns, err := s.store.ListAnnotations(ctx, doc.ID, 0)
		if err != nil {
			return 0, fmt.Errorf("list annotations for %s: %w", doc.ID, err)
		}
		for _, a := range anns {
			if a.Label == "" {
				continue
			}
			recs = append(recs, search.Record{
				ID:         a.ID,
				DocumentID: doc.ID,
				Type:       string(a.Type),
				PageNumber: a.PageNumber,
				Label:      a.Label,
			})
		}
	}
	s.search.ReindexAll(recs)
	return len(recs), nil
}

func (s *Service) notFound(err error, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return domainError(http.StatusNotFound, CodeNotFound, message, nil)
	}
	return err
}
