// Package store persists capability descriptors, evolution records and
// the version ledger in a single SQLite database so the runtime survives
// process restarts. Nested structures are stored as JSON columns; scalar
// fields get real columns so operators can query them directly.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"protean/internal/logging"
)

// Store wraps one SQLite database. Safe for concurrent use; the driver
// is pinned to a single connection and WAL journaling.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates or opens the database at path, creating parent
// directories and the schema as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: logging.Named(logging.CategoryStore)}
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		// synchronous=NORMAL is safe under WAL and much faster than FULL.
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			s.log.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS capabilities (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL,
			description        TEXT NOT NULL DEFAULT '',
			type               TEXT NOT NULL,
			provider_kind      TEXT NOT NULL,
			privilege          INTEGER NOT NULL DEFAULT 0,
			status             TEXT NOT NULL,
			unavailable_reason TEXT NOT NULL DEFAULT '',
			input_schema       TEXT,
			output_schema      TEXT,
			cost               TEXT,
			version            TEXT NOT NULL DEFAULT '',
			artifact_path      TEXT NOT NULL DEFAULT '',
			dependencies       TEXT,
			metadata           TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS evolution_records (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT NOT NULL UNIQUE,
			capability_id    TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			provider_kind    TEXT NOT NULL,
			attempt          INTEGER NOT NULL DEFAULT 0,
			source_code      TEXT NOT NULL DEFAULT '',
			artifact_path    TEXT NOT NULL DEFAULT '',
			compile_output   TEXT NOT NULL DEFAULT '',
			feedback_history TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_capability
			ON evolution_records(capability_id)`,
		`CREATE TABLE IF NOT EXISTS capability_versions (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			capability_id TEXT NOT NULL,
			version       TEXT NOT NULL,
			artifact_ref  TEXT NOT NULL DEFAULT '',
			source        TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			timestamp     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_capability
			ON capability_versions(capability_id)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}
