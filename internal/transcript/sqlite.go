package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"intentbridge/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcript (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session      TEXT    NOT NULL,
	ts           INTEGER NOT NULL,
	kind         TEXT    NOT NULL,
	request_id   TEXT    NOT NULL,
	subject_id   TEXT    NOT NULL DEFAULT '',
	subject_name TEXT    NOT NULL DEFAULT '',
	body         TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcript_request ON transcript(request_id);
CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript(session, id);
`

// SQLiteSink stores entries in a SQLite table so a session can be queried
// after the fact.
type SQLiteSink struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryTranscript).Debug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryTranscript).Debug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize transcript schema: %w", err)
	}
	return &SQLiteSink{db: db, path: path}, nil
}

// Write inserts e.
func (s *SQLiteSink) Write(e Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO transcript (session, ts, kind, request_id, subject_id, subject_name, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Session, e.Time.UnixMilli(), string(e.Kind), e.RequestID, e.Subject.ID, e.Subject.Name, e.Body,
	)
	return err
}

// Query selects entries.
type Query struct {
	Session   string
	RequestID string
	Kind      Kind
	Limit     int
}

// Entries returns matching entries in insertion order.
func (s *SQLiteSink) Entries(ctx context.Context, q Query) ([]Entry, error) {
	stmt := `SELECT session, ts, kind, request_id, subject_id, subject_name, body FROM transcript WHERE 1=1`
	var args []any
	if q.Session != "" {
		stmt += ` AND session = ?`
		args = append(args, q.Session)
	}
	if q.RequestID != "" {
		stmt += ` AND request_id = ?`
		args = append(args, q.RequestID)
	}
	if q.Kind != "" {
		stmt += ` AND kind = ?`
		args = append(args, string(q.Kind))
	}
	stmt += ` ORDER BY id`
	if q.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			ts   int64
			kind string
		)
		if err := rows.Scan(&e.Session, &ts, &kind, &e.RequestID, &e.Subject.ID, &e.Subject.Name, &e.Body); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		e.Time = time.UnixMilli(ts)
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
