package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas go in the DSN so the driver applies them to every pooled
	// connection, not just whichever one a PRAGMA statement lands on.
	// WAL lets the dispatcher, worker, and API read and write concurrently;
	// busy_timeout handles the remaining writer-on-writer contention.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_records (
  id             TEXT PRIMARY KEY,
  status         TEXT NOT NULL,
  envelope       JSON NOT NULL,
  result         JSON,
  retry_count    INTEGER NOT NULL DEFAULT 0,
  claim_deadline TEXT,
  created_at     TEXT NOT NULL,
  updated_at     TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS queue_messages (
  id             TEXT PRIMARY KEY,
  queue          TEXT NOT NULL,
  body           BLOB NOT NULL,
  status         TEXT NOT NULL,
  delivery_count INTEGER NOT NULL DEFAULT 0,
  available_at   TEXT NOT NULL,
  claim_deadline TEXT,
  created_at     TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS blobs (
  key        TEXT PRIMARY KEY,
  content    BLOB NOT NULL,
  digest     TEXT NOT NULL,
  size       INTEGER NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS job_records_status_idx ON job_records(status, claim_deadline);`,
		`CREATE INDEX IF NOT EXISTS queue_messages_queue_status_idx ON queue_messages(queue, status, available_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
