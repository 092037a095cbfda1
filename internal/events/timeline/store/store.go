// Package store mirrors timeline events into a sqlite archive so the
// UI and verify command can query run history without scanning JSONL.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ralphdev/ralph/internal/events/timeline"
)

// Store is a sqlite-backed archive of timeline records.
type Store struct {
	db *sqlx.DB
}

type eventRow struct {
	ID        int64  `db:"id"`
	SessionID string `db:"session_id"`
	TS        string `db:"ts"`
	Kind      string `db:"kind"`
	TaskID    string `db:"task_id"`
	Payload   string `db:"payload"`
}

// Open opens (or creates) the archive database at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
		CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert archives one timeline record under a session.
func (s *Store) Insert(ctx context.Context, sessionID string, rec timeline.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	taskID, _ := rec.Payload["task_id"].(string)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, ts, kind, task_id, payload)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, rec.TS.UTC().Format(time.RFC3339Nano), rec.Event, taskID, string(payload))
	return err
}

// BySession returns all records for a session in insertion order.
func (s *Store) BySession(ctx context.Context, sessionID string) ([]timeline.Record, error) {
	return s.query(ctx, `
		SELECT id, session_id, ts, kind, task_id, payload
		FROM events WHERE session_id = ? ORDER BY id ASC
	`, sessionID)
}

// ByTask returns all records for a task within a session in insertion order.
func (s *Store) ByTask(ctx context.Context, sessionID, taskID string) ([]timeline.Record, error) {
	return s.query(ctx, `
		SELECT id, session_id, ts, kind, task_id, payload
		FROM events WHERE session_id = ? AND task_id = ? ORDER BY id ASC
	`, sessionID, taskID)
}

// ByKind returns all records of one kind within a session in insertion order.
func (s *Store) ByKind(ctx context.Context, sessionID, kind string) ([]timeline.Record, error) {
	return s.query(ctx, `
		SELECT id, session_id, ts, kind, task_id, payload
		FROM events WHERE session_id = ? AND kind = ? ORDER BY id ASC
	`, sessionID, kind)
}

// Count returns the number of archived events for a session.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID)
	return n, err
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]timeline.Record, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}

	records := make([]timeline.Record, 0, len(rows))
	for _, row := range rows {
		ts, err := time.Parse(time.RFC3339Nano, row.TS)
		if err != nil {
			return nil, fmt.Errorf("corrupt ts in archive row %d: %w", row.ID, err)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
			return nil, fmt.Errorf("corrupt payload in archive row %d: %w", row.ID, err)
		}
		records = append(records, timeline.Record{TS: ts, Event: row.Kind, Payload: payload})
	}
	return records, nil
}
