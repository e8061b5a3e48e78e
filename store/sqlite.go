package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements message.Store and message.StateStore on a
// local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode and foreign keys, and runs any pending schema
// migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// WAL for concurrent readers under the browser-triggered paths.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Foreign keys drive the translation/read-status cascade.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0
	if err := s.db.Get(&currentVersion, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for v := currentVersion; v < len(migrations); v++ {
		if _, err := s.db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("applying migration %d: %w", v+1, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			return fmt.Errorf("recording schema version %d: %w", v+1, err)
		}
	}
	return nil
}

// migrations holds one DDL script per schema version, applied in order.
var migrations = []string{
	`
	CREATE TABLE messages (
		id                     TEXT PRIMARY KEY,
		third_party_name       TEXT NOT NULL,
		third_party_message_id TEXT NOT NULL,
		title                  TEXT NOT NULL,
		start_date             TIMESTAMP NOT NULL,
		end_date               TIMESTAMP,
		priority               INTEGER NOT NULL DEFAULT 0,
		targeting_query        TEXT NOT NULL DEFAULT '',
		manually_created       INTEGER NOT NULL DEFAULT 0,
		icon_data              BLOB,
		icon_mimetype          TEXT,
		icon_filename          TEXT,
		created_at             TIMESTAMP NOT NULL,
		updated_at             TIMESTAMP NOT NULL,
		UNIQUE (third_party_name, third_party_message_id)
	);

	CREATE TABLE translations (
		id         TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		language   TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		text       TEXT NOT NULL DEFAULT '',
		url        TEXT NOT NULL DEFAULT '',
		UNIQUE (message_id, language)
	);

	CREATE TABLE read_statuses (
		message_id       TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id          TEXT NOT NULL,
		first_shown_date TIMESTAMP NOT NULL,
		last_shown_date  TIMESTAMP NOT NULL,
		read_date        TIMESTAMP,
		PRIMARY KEY (message_id, user_id)
	);

	CREATE TABLE source_executions (
		source         TEXT NOT NULL,
		operation      TEXT NOT NULL,
		last_execution TIMESTAMP NOT NULL,
		PRIMARY KEY (source, operation)
	);

	CREATE TABLE source_tokens (
		source       TEXT PRIMARY KEY,
		client_token TEXT NOT NULL
	);
	`,
}
