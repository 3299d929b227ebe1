// Package sqlite persists per-visitor local storage in an embedded database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"example.com/landingtrack/internal/storage"

	_ "modernc.org/sqlite"
)

// tsLayout sorts lexicographically in time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite connection holding visitor local storage.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open initializes the database connection, creating directories as needed.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := "file::memory:?cache=shared"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures the visitor storage table exists.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS visitor_storage (
			visitor_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (visitor_id, key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_visitor_storage_updated ON visitor_storage(updated_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Ready pings the database.
func (s *Store) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Visitor returns the local storage of one visitor.
func (s *Store) Visitor(visitorID string) storage.KV {
	return &visitorKV{store: s, visitorID: visitorID}
}

// PurgeBefore removes entries not updated since cutoff and returns how many
// were deleted.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM visitor_storage WHERE updated_at < ?`, cutoff.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("purge visitor storage: %w", err)
	}
	return res.RowsAffected()
}

type visitorKV struct {
	store     *Store
	visitorID string
}

func (v *visitorKV) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := v.store.db.QueryRowContext(ctx,
		`SELECT value FROM visitor_storage WHERE visitor_id = ? AND key = ?`, v.visitorID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (v *visitorKV) Set(ctx context.Context, key, value string) error {
	_, err := v.store.db.ExecContext(ctx, `
INSERT INTO visitor_storage (visitor_id, key, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(visitor_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		v.visitorID, key, value, v.store.now().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (v *visitorKV) Delete(ctx context.Context, key string) error {
	if _, err := v.store.db.ExecContext(ctx,
		`DELETE FROM visitor_storage WHERE visitor_id = ? AND key = ?`, v.visitorID, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
