package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"planmark/internal/annotation"
)

// openTestDB connects to the database named by PLANMARK_TEST_DATABASE_URL,
// resets the public schema and applies migrations. Tests skip when the
// variable is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PLANMARK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PLANMARK_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA public CASCADE; CREATE SCHEMA public`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func seedDocument(t *testing.T, s *PostgresStore) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.EnsureDocument(ctx, "doc_1", "Kitchen Plans", "plans/doc_1.pdf"); err != nil {
		t.Fatalf("ensure document: %v", err)
	}
	stmts := []string{
		`INSERT INTO rooms (id, document_id, name, sequence) VALUES ('room_1', 'doc_1', 'Kitchen', 1)`,
		`INSERT INTO room_locations (id, room_id, name, sequence) VALUES ('loc_1', 'room_1', 'North Wall', 1)`,
		`INSERT INTO cabinet_runs (id, room_location_id, name, sequence) VALUES ('run_1', 'loc_1', 'Base Run', 1)`,
		`INSERT INTO cabinet_specifications (id, cabinet_run_id, name, sequence) VALUES ('cab_1', 'run_1', 'B24', 1)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func provisionalRoom() annotation.Annotation {
	return annotation.Annotation{
		ID:         annotation.NewProvisionalID(),
		Type:       annotation.TypeRoom,
		PageNumber: 1,
		Rect:       annotation.Rect{X: 0.1, Y: 0.1, Width: 0.4, Height: 0.3},
		Label:      "Kitchen",
		Linkage:    annotation.Linkage{RoomID: "room_1"},
	}
}

func TestSaveBatchAssignsServerIDs(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	seedDocument(t, s)
	ctx := context.Background()

	prov := provisionalRoom()
	saved, idMap, err := s.SaveBatch(ctx, "doc_1", "usr_1", []annotation.Annotation{prov})
	if err != nil {
		t.Fatalf("save batch: %v", err)
	}
	if len(saved) != 1 {
		t.Fatalf("saved = %d", len(saved))
	}
	serverID, ok := idMap[prov.ID]
	if !ok || annotation.IsProvisional(serverID) {
		t.Fatalf("provisional id not re-keyed: %v", idMap)
	}
	if saved[0].ID != serverID || saved[0].Rev != 1 {
		t.Fatalf("stored = %+v", saved[0])
	}
	if saved[0].Author != "usr_1" {
		t.Fatalf("author = %q", saved[0].Author)
	}
}

func TestSaveBatchBumpsRevOnlyOnChange(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	seedDocument(t, s)
	ctx := context.Background()

	saved, _, err := s.SaveBatch(ctx, "doc_1", "usr_1", []annotation.Annotation{provisionalRoom()})
	if err != nil {
		t.Fatalf("save batch: %v", err)
	}
	a := saved[0]

	// Identical payload: no rev movement.
	again, _, err := s.SaveBatch(ctx, "doc_1", "usr_1", []annotation.Annotation{a})
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	if again[0].Rev != 1 {
		t.Fatalf("unchanged save bumped rev to %d", again[0].Rev)
	}

	a.Label = "Kitchen v2"
	changed, _, err := s.SaveBatch(ctx, "doc_1", "usr_2", []annotation.Annotation{a})
	if err != nil {
		t.Fatalf("changed save: %v", err)
	}
	if changed[0].Rev != 2 {
		t.Fatalf("changed save rev = %d, want 2", changed[0].Rev)
	}
}

func TestSaveBatchAllOrNothing(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	seedDocument(t, s)
	ctx := context.Background()

	good := provisionalRoom()
	bad := provisionalRoom()
	bad.Linkage.RoomID = "room_missing" // FK violation

	if _, _, err := s.SaveBatch(ctx, "doc_1", "usr_1", []annotation.Annotation{good, bad}); err == nil {
		t.Fatal("expected batch to fail")
	}
	n, err := s.CountAnnotations(ctx, "doc_1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("failed batch left %d rows behind", n)
	}
}

func TestDeleteAndHistory(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	seedDocument(t, s)
	ctx := context.Background()

	saved, _, err := s.SaveBatch(ctx, "doc_1", "usr_1", []annotation.Annotation{provisionalRoom()})
	if err != nil {
		t.Fatalf("save batch: %v", err)
	}
	id := saved[0].ID

	deleted, err := s.DeleteAnnotations(ctx, "doc_1", "usr_2", []string{id, "ann_unknown"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, _, err := s.GetAnnotation(ctx, id); err != ErrNotFound {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}

	events, err := s.History(ctx, "doc_1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("history length = %d, want created+deleted", len(events))
	}
	if events[0].Event != "deleted" || events[0].Actor != "usr_2" {
		t.Fatalf("latest event = %+v", events[0])
	}
}

func TestEntitiesProjection(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	seedDocument(t, s)

	ents, err := s.Entities(context.Background(), "doc_1")
	if err != nil {
		t.Fatalf("entities: %v", err)
	}
	if len(ents.Rooms) != 1 || ents.Rooms[0].Name != "Kitchen" {
		t.Fatalf("rooms = %+v", ents.Rooms)
	}
	if len(ents.Cabinets) != 1 || ents.Cabinets[0].ParentID != "run_1" {
		t.Fatalf("cabinets = %+v", ents.Cabinets)
	}
}

func TestSearchLabelsFallback(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	seedDocument(t, s)
	ctx := context.Background()

	if _, _, err := s.SaveBatch(ctx, "doc_1", "usr_1", []annotation.Annotation{provisionalRoom()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	hits, err := s.SearchLabels(ctx, "kitch", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Label != "Kitchen" {
		t.Fatalf("hits = %+v", hits)
	}
}
