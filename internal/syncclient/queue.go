package syncclient

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Queue is the offline mutation queue: saves attempted while the
// transport is down are appended here in order and flushed FIFO on
// reconnect. Every item is spilled to a single SQLite table so queued
// work survives a crash.
type Queue struct {
	mu sync.Mutex
	db *sql.DB
}

// Item is one queued save payload.
type Item struct {
	Seq      int64
	Envelope Envelope
}

// OpenQueue opens (or creates) the spill database at path.
func OpenQueue(path string) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS pending_saves (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	return &Queue{db: db}, nil
}

// Enqueue appends an envelope to the tail of the queue.
func (q *Queue) Enqueue(env Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	if _, err := q.db.Exec(`INSERT INTO pending_saves (payload) VALUES (?)`, payload); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Pending returns every queued item in FIFO order.
func (q *Queue) Pending() ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rows, err := q.db.Query(`SELECT seq, payload FROM pending_saves ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var items []Item
	for rows.Next() {
		var (
			it      Item
			payload []byte
		)
		if err := rows.Scan(&it.Seq, &payload); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		if err := json.Unmarshal(payload, &it.Envelope); err != nil {
			return nil, fmt.Errorf("decode queue item %d: %w", it.Seq, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Ack removes an acknowledged item. Acking an unknown seq is harmless.
func (q *Queue) Ack(seq int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.db.Exec(`DELETE FROM pending_saves WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("ack queue item %d: %w", seq, err)
	}
	return nil
}

// Len reports the number of queued items.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM pending_saves`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// Close releases the spill database.
func (q *Queue) Close() error { return q.db.Close() }
