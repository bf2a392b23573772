// Package storage provides a SQLite journal for multiplayer events and stats
// documents that could not be written to the service.
// Uses the pure-Go modernc.org/sqlite driver to avoid CGO dependencies.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/vovakirdan/xblsync/internal/multiplayer"
	"github.com/vovakirdan/xblsync/internal/stats"
)

// Store manages the SQLite database connection.
type Store struct {
	db *sql.DB
}

// EventRecord is one journaled multiplayer event.
type EventRecord struct {
	ID          int64
	Type        string
	SessionType string
	Detail      string
	Error       string
	Context     string
	CreatedAt   time.Time
}

// Failed reports whether the recorded event carried an error.
func (r EventRecord) Failed() bool {
	return r.Error != ""
}

// OfflineDocument is a stats document kept for a later upload.
type OfflineDocument struct {
	ID        int64
	Xuid      string
	Payload   []byte
	CreatedAt time.Time
}

// Open creates or opens a SQLite database at the given path.
// It creates the parent directories if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	// Expand ~ to home directory
	if dbPath != "" && dbPath[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("storage: cannot expand home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: cannot create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: cannot connect to database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migration failed: %w", err)
	}

	return store, nil
}

// migrate creates the database schema if it doesn't exist.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS multiplayer_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			session_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_multiplayer_events_type ON multiplayer_events(type);

		CREATE TABLE IF NOT EXISTS offline_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			xuid TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_offline_stats_xuid ON offline_stats(xuid);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordEvent implements multiplayer.EventRecorder.
func (s *Store) RecordEvent(evt multiplayer.Event) error {
	var note string
	if evt.Context != nil {
		note = fmt.Sprint(evt.Context)
	}
	_, err := s.db.Exec(
		`INSERT INTO multiplayer_events (type, session_type, detail, error, context) VALUES (?, ?, ?, ?, ?)`,
		evt.Type.String(), evt.SessionType.String(), eventDetail(evt.Args), evt.ErrorMessage, note,
	)
	if err != nil {
		return fmt.Errorf("storage: cannot record event: %w", err)
	}
	return nil
}

var _ multiplayer.EventRecorder = (*Store)(nil)

func eventDetail(args multiplayer.EventArgs) string {
	switch a := args.(type) {
	case multiplayer.JoinabilityArgs:
		return a.Joinability.String()
	case multiplayer.PropertyWriteArgs:
		return a.Name
	case multiplayer.SynchronizedHostArgs:
		return a.DeviceToken
	default:
		return ""
	}
}

// RecentEvents returns the most recent events, newest first.
func (s *Store) RecentEvents(limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT id, type, session_type, detail, error, context, created_at
		 FROM multiplayer_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		var createdAt any
		if err := rows.Scan(&r.ID, &r.Type, &r.SessionType, &r.Detail, &r.Error, &r.Context, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: cannot scan row: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}

	return records, nil
}

// EventCounts returns the number of recorded events per type.
func (s *Store) EventCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM multiplayer_events GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("storage: cannot scan count row: %w", err)
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}

// SaveOfflineDocument implements stats.OfflineSink.
func (s *Store) SaveOfflineDocument(ctx context.Context, xuid string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO offline_stats (xuid, payload) VALUES (?, ?)",
		xuid, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: cannot save offline document: %w", err)
	}
	return nil
}

var _ stats.OfflineSink = (*Store)(nil)

// OfflineDocuments returns stored documents, oldest first. An empty xuid
// returns documents for every user.
func (s *Store) OfflineDocuments(xuid string) ([]OfflineDocument, error) {
	query := `SELECT id, xuid, payload, created_at FROM offline_stats`
	var args []any
	if xuid != "" {
		query += ` WHERE xuid = ?`
		args = append(args, xuid)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query offline documents: %w", err)
	}
	defer rows.Close()

	var docs []OfflineDocument
	for rows.Next() {
		var d OfflineDocument
		var createdAt any
		if err := rows.Scan(&d.ID, &d.Xuid, &d.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: cannot scan row: %w", err)
		}
		d.CreatedAt = parseTime(createdAt)
		docs = append(docs, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}

	return docs, nil
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("storage: not found")

// DeleteOfflineDocument removes a stored document after a successful upload.
func (s *Store) DeleteOfflineDocument(id int64) error {
	res, err := s.db.Exec("DELETE FROM offline_stats WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("storage: cannot delete offline document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: cannot get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: offline document %d: %w", id, ErrNotFound)
	}
	return nil
}

// parseTime handles both time.Time and string datetimes.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
