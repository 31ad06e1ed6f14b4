package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"planmark/internal/annotation"
	"planmark/internal/hierarchy"
	"planmark/internal/util"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("store: not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, object_key, created_at, updated_at FROM documents WHERE id=$1
	`, id).Scan(&doc.ID, &doc.Title, &doc.ObjectKey, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, object_key, created_at, updated_at FROM documents ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.ObjectKey, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) EnsureDocument(ctx context.Context, id, title, objectKey string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, title, object_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET updated_at=NOW()
		RETURNING id, title, object_key, created_at, updated_at
	`, id, title, objectKey).Scan(&doc.ID, &doc.Title, &doc.ObjectKey, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("ensure document: %w", err)
	}
	return doc, nil
}

const annotationColumns = `
	id, annotation_type, page_number, label, color,
	x, y, width, height,
	line_x1, line_y1, line_x2, line_y2,
	room_id, room_location_id, cabinet_run_id, cabinet_specification_id,
	author, rev, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (annotation.Annotation, error) {
	var (
		a                                annotation.Annotation
		typ                              string
		lx1, ly1, lx2, ly2               *float64
		roomID, locationID, runID, cabID *string
	)
	err := row.Scan(
		&a.ID, &typ, &a.PageNumber, &a.Label, &a.Color,
		&a.Rect.X, &a.Rect.Y, &a.Rect.Width, &a.Rect.Height,
		&lx1, &ly1, &lx2, &ly2,
		&roomID, &locationID, &runID, &cabID,
		&a.Author, &a.Rev, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return annotation.Annotation{}, err
	}
	a.Type = annotation.Type(typ)
	a.Linkage = scanLinkage(roomID, locationID, runID, cabID)
	if lx1 != nil && ly1 != nil && lx2 != nil && ly2 != nil {
		line := [2]annotation.Point{{X: *lx1, Y: *ly1}, {X: *lx2, Y: *ly2}}
		a.Line = &line
	}
	return a, nil
}

func lineArgs(a annotation.Annotation) (any, any, any, any) {
	if a.Line == nil {
		return nil, nil, nil, nil
	}
	return a.Line[0].X, a.Line[0].Y, a.Line[1].X, a.Line[1].Y
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, documentID string, page int) ([]annotation.Annotation, error) {
	query := `SELECT ` + annotationColumns + ` FROM annotations WHERE document_id=$1`
	args := []any{documentID}
	if page > 0 {
		query += ` AND page_number=$2`
		args = append(args, page)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var anns []annotation.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		anns = append(anns, a)
	}
	return anns, rows.Err()
}

// GetAnnotation returns one annotation and its owning document id.
func (s *PostgresStore) GetAnnotation(ctx context.Context, id string) (annotation.Annotation, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_id, `+annotationColumns+` FROM annotations WHERE id=$1
	`, id)
	var (
		documentID                       string
		a                                annotation.Annotation
		typ                              string
		lx1, ly1, lx2, ly2               *float64
		roomID, locationID, runID, cabID *string
	)
	err := row.Scan(
		&documentID,
		&a.ID, &typ, &a.PageNumber, &a.Label, &a.Color,
		&a.Rect.X, &a.Rect.Y, &a.Rect.Width, &a.Rect.Height,
		&lx1, &ly1, &lx2, &ly2,
		&roomID, &locationID, &runID, &cabID,
		&a.Author, &a.Rev, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.Annotation{}, "", ErrNotFound
	}
	if err != nil {
		return annotation.Annotation{}, "", fmt.Errorf("get annotation: %w", err)
	}
	a.Type = annotation.Type(typ)
	a.Linkage = scanLinkage(roomID, locationID, runID, cabID)
	if lx1 != nil && ly1 != nil && lx2 != nil && ly2 != nil {
		line := [2]annotation.Point{{X: *lx1, Y: *ly1}, {X: *lx2, Y: *ly2}}
		a.Line = &line
	}
	return a, documentID, nil
}

func (s *PostgresStore) CountAnnotations(ctx context.Context, documentID string, page int) (int, error) {
	query := `SELECT COUNT(*) FROM annotations WHERE document_id=$1`
	args := []any{documentID}
	if page > 0 {
		query += ` AND page_number=$2`
		args = append(args, page)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count annotations: %w", err)
	}
	return n, nil
}

// SaveBatch upserts a full annotation set in one transaction. Provisional
// ids are re-keyed to server ids and reported in the returned mapping;
// existing rows only take a rev bump when their payload actually changed.
// Any failure rolls the whole batch back.
func (s *PostgresStore) SaveBatch(ctx context.Context, documentID, actor string, anns []annotation.Annotation) ([]annotation.Annotation, map[string]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin save batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing := map[string]struct{}{}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM annotations WHERE document_id=$1 FOR UPDATE`, documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock annotations: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, nil, fmt.Errorf("scan id: %w", err)
		}
		existing[id] = struct{}{}
	}
	if err := rows.Close(); err != nil {
		return nil, nil, fmt.Errorf("close id rows: %w", err)
	}

	idMap := make(map[string]string)
	saved := make([]annotation.Annotation, 0, len(anns))
	for _, a := range anns {
		if _, ok := existing[a.ID]; ok {
			stored, err := updateAnnotationTx(ctx, tx, documentID, actor, a)
			if err != nil {
				return nil, nil, err
			}
			saved = append(saved, stored)
			continue
		}
		serverID := a.ID
		if annotation.IsProvisional(serverID) || serverID == "" {
			serverID = util.NewID("ann")
			idMap[a.ID] = serverID
		}
		a.ID = serverID
		stored, err := insertAnnotationTx(ctx, tx, documentID, actor, a)
		if err != nil {
			return nil, nil, err
		}
		saved = append(saved, stored)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit save batch: %w", err)
	}
	return saved, idMap, nil
}

func insertAnnotationTx(ctx context.Context, tx *sql.Tx, documentID, actor string, a annotation.Annotation) (annotation.Annotation, error) {
	lx1, ly1, lx2, ly2 := lineArgs(a)
	row := tx.QueryRowContext(ctx, `
		INSERT INTO annotations (
			id, document_id, annotation_type, page_number, label, color,
			x, y, width, height,
			line_x1, line_y1, line_x2, line_y2,
			room_id, room_location_id, cabinet_run_id, cabinet_specification_id,
			author, rev
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,1)
		RETURNING `+annotationColumns+`
	`, a.ID, documentID, string(a.Type), a.PageNumber, a.Label, a.Color,
		a.Rect.X, a.Rect.Y, a.Rect.Width, a.Rect.Height,
		lx1, ly1, lx2, ly2,
		nullable(a.Linkage.RoomID), nullable(a.Linkage.RoomLocationID),
		nullable(a.Linkage.CabinetRunID), nullable(a.Linkage.CabinetSpecificationID),
		actor)
	stored, err := scanAnnotation(row)
	if err != nil {
		return annotation.Annotation{}, fmt.Errorf("insert annotation %s: %w", a.ID, err)
	}
	if err := recordEventTx(ctx, tx, documentID, stored.ID, "created", actor, stored); err != nil {
		return annotation.Annotation{}, err
	}
	return stored, nil
}

func updateAnnotationTx(ctx context.Context, tx *sql.Tx, documentID, actor string, a annotation.Annotation) (annotation.Annotation, error) {
	lx1, ly1, lx2, ly2 := lineArgs(a)
	row := tx.QueryRowContext(ctx, `
		UPDATE annotations SET
			annotation_type=$2, page_number=$3, label=$4, color=$5,
			x=$6, y=$7, width=$8, height=$9,
			line_x1=$10, line_y1=$11, line_x2=$12, line_y2=$13,
			room_id=$14, room_location_id=$15, cabinet_run_id=$16, cabinet_specification_id=$17,
			rev=rev+1, updated_at=NOW()
		WHERE id=$1 AND (
			annotation_type, page_number, label, color, x, y, width, height,
			line_x1, line_y1, line_x2, line_y2,
			room_id, room_location_id, cabinet_run_id, cabinet_specification_id
		) IS DISTINCT FROM (
			$2::text, $3::int, $4::text, $5::text,
			$6::double precision, $7::double precision, $8::double precision, $9::double precision,
			$10::double precision, $11::double precision, $12::double precision, $13::double precision,
			$14::text, $15::text, $16::text, $17::text
		)
		RETURNING `+annotationColumns+`
	`, a.ID, string(a.Type), a.PageNumber, a.Label, a.Color,
		a.Rect.X, a.Rect.Y, a.Rect.Width, a.Rect.Height,
		lx1, ly1, lx2, ly2,
		nullable(a.Linkage.RoomID), nullable(a.Linkage.RoomLocationID),
		nullable(a.Linkage.CabinetRunID), nullable(a.Linkage.CabinetSpecificationID))
	stored, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Unchanged payload: return the current row without a rev bump.
		row = tx.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id=$1`, a.ID)
		stored, err = scanAnnotation(row)
		if err != nil {
			return annotation.Annotation{}, fmt.Errorf("reread annotation %s: %w", a.ID, err)
		}
		return stored, nil
	}
	if err != nil {
		return annotation.Annotation{}, fmt.Errorf("update annotation %s: %w", a.ID, err)
	}
	if err := recordEventTx(ctx, tx, documentID, stored.ID, "updated", actor, stored); err != nil {
		return annotation.Annotation{}, err
	}
	return stored, nil
}

// UpdateAnnotation applies a single-record write outside a batch. The rev
// bump makes it the new latest writer.
func (s *PostgresStore) UpdateAnnotation(ctx context.Context, actor string, a annotation.Annotation) (annotation.Annotation, string, error) {
	_, documentID, err := s.GetAnnotation(ctx, a.ID)
	if err != nil {
		return annotation.Annotation{}, "", err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return annotation.Annotation{}, "", fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stored, err := updateAnnotationTx(ctx, tx, documentID, actor, a)
	if err != nil {
		return annotation.Annotation{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return annotation.Annotation{}, "", fmt.Errorf("commit update: %w", err)
	}
	return stored, documentID, nil
}

// DeleteAnnotations removes the given rows in one transaction. The caller
// resolves the cascade set; the schema only detaches.
func (s *PostgresStore) DeleteAnnotations(ctx context.Context, documentID, actor string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE id=$1 AND document_id=$2`, id, documentID)
		if err != nil {
			return 0, fmt.Errorf("delete annotation %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		deleted++
		if err := recordEventTx(ctx, tx, documentID, id, "deleted", actor, nil); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return deleted, nil
}

func recordEventTx(ctx context.Context, tx *sql.Tx, documentID, annotationID, event, actor string, payload any) error {
	raw := []byte(`{}`)
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO annotation_events (document_id, annotation_id, event, actor, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, documentID, annotationID, event, actor, raw); err != nil {
		return fmt.Errorf("record %s event: %w", event, err)
	}
	return nil
}

// History returns the most recent audit entries for a document.
func (s *PostgresStore) History(ctx context.Context, documentID string, limit int) ([]AnnotationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, annotation_id, event, actor, payload, created_at
		FROM annotation_events
		WHERE document_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []AnnotationEvent
	for rows.Next() {
		var ev AnnotationEvent
		if err := rows.Scan(&ev.ID, &ev.DocumentID, &ev.AnnotationID, &ev.Event, &ev.Actor, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) queryEntities(ctx context.Context, query string, args ...any) ([]hierarchy.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []hierarchy.Entity
	for rows.Next() {
		var e hierarchy.Entity
		if err := rows.Scan(&e.ID, &e.ParentID, &e.Name, &e.Sequence); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Entities loads the hierarchy projection for a document: rooms with
// their locations, runs and cabinet specifications.
func (s *PostgresStore) Entities(ctx context.Context, documentID string) (hierarchy.Entities, error) {
	var ents hierarchy.Entities
	var err error

	ents.Rooms, err = s.queryEntities(ctx, `
		SELECT id, '', name, sequence FROM rooms WHERE document_id=$1 ORDER BY sequence, name
	`, documentID)
	if err != nil {
		return hierarchy.Entities{}, fmt.Errorf("load rooms: %w", err)
	}
	ents.Locations, err = s.queryEntities(ctx, `
		SELECT rl.id, rl.room_id, rl.name, rl.sequence
		FROM room_locations rl JOIN rooms r ON r.id = rl.room_id
		WHERE r.document_id=$1 ORDER BY rl.sequence, rl.name
	`, documentID)
	if err != nil {
		return hierarchy.Entities{}, fmt.Errorf("load locations: %w", err)
	}
	ents.Runs, err = s.queryEntities(ctx, `
		SELECT cr.id, cr.room_location_id, cr.name, cr.sequence
		FROM cabinet_runs cr
		JOIN room_locations rl ON rl.id = cr.room_location_id
		JOIN rooms r ON r.id = rl.room_id
		WHERE r.document_id=$1 ORDER BY cr.sequence, cr.name
	`, documentID)
	if err != nil {
		return hierarchy.Entities{}, fmt.Errorf("load runs: %w", err)
	}
	ents.Cabinets, err = s.queryEntities(ctx, `
		SELECT cs.id, cs.cabinet_run_id, cs.name, cs.sequence
		FROM cabinet_specifications cs
		JOIN cabinet_runs cr ON cr.id = cs.cabinet_run_id
		JOIN room_locations rl ON rl.id = cr.room_location_id
		JOIN rooms r ON r.id = rl.room_id
		WHERE r.document_id=$1 ORDER BY cs.sequence, cs.name
	`, documentID)
	if err != nil {
		return hierarchy.Entities{}, fmt.Errorf("load cabinets: %w", err)
	}
	return ents, nil
}

// SearchLabels is the Postgres fallback for label search.
func (s *PostgresStore) SearchLabels(ctx context.Context, q string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, annotation_type, page_number, label
		FROM annotations
		WHERE label ILIKE '%' || $1 || '%'
		ORDER BY updated_at DESC
		LIMIT $2
	`, q, limit)
	if err != nil {
		return nil, fmt.Errorf("search labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.ID, &h.DocumentID, &h.Type, &h.PageNumber, &h.Label); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
