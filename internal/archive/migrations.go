package archive

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one schema change. IDs are strictly increasing and a
// migration's (ID, Name) pair never changes once released.
type Migration struct {
	ID   int
	Name string
	SQL  string
}

const createMigrationTable = `
CREATE TABLE IF NOT EXISTS migrations (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL
)`

const initialMigration = `
CREATE TABLE collections (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE pages (
  id INTEGER PRIMARY KEY,
  collection_id INTEGER NOT NULL REFERENCES collections ( id ),
  url TEXT NOT NULL UNIQUE,
  original_url TEXT,
  title TEXT NOT NULL DEFAULT '',
  full_text TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE recordings (
  id INTEGER PRIMARY KEY,
  collection_id INTEGER NOT NULL REFERENCES collections ( id ),
  url TEXT NOT NULL,
  method TEXT NOT NULL,
  request_headers TEXT NOT NULL,
  request_body BLOB,
  status_code INTEGER,
  response_headers TEXT,
  response_body BLOB,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX recordings_url_method ON recordings ( url, method );
`

const ftsMigration = `
CREATE VIRTUAL TABLE page_search USING fts5 (
  full_text,
  content = 'pages',
  content_rowid = 'id'
);
CREATE TRIGGER pages_search_insert AFTER INSERT ON pages BEGIN
  INSERT INTO page_search ( rowid, full_text ) VALUES ( new.id, new.full_text );
END;
CREATE TRIGGER pages_search_delete AFTER DELETE ON pages BEGIN
  INSERT INTO page_search ( page_search, rowid, full_text ) VALUES ( 'delete', old.id, old.full_text );
END;
CREATE TRIGGER pages_search_update AFTER UPDATE OF full_text ON pages BEGIN
  INSERT INTO page_search ( page_search, rowid, full_text ) VALUES ( 'delete', old.id, old.full_text );
  INSERT INTO page_search ( rowid, full_text ) VALUES ( new.id, new.full_text );
END;
INSERT INTO page_search ( page_search ) VALUES ( 'rebuild' );
`

// KnownMigrations is the schema history this build understands.
var KnownMigrations = []Migration{
	{ID: 1, Name: "initial", SQL: initialMigration},
	{ID: 2, Name: "fts", SQL: ftsMigration},
}

// AppliedMigration is a row of the migrations table.
type AppliedMigration struct {
	ID   int
	Name string
}

// MigrationManager compares a store's migration history with the known
// list and applies what is missing.
type MigrationManager struct {
	db         *sql.DB
	known      []Migration
	applied    []AppliedMigration
	compatible bool
	next       int // index into known of the first migration not applied
}

// NewMigrationManager reads the store's history. A store whose history is
// not a prefix of known is incompatible and is switched to query-only so
// nothing can write to it.
func NewMigrationManager(ctx context.Context, db *sql.DB, known []Migration) (*MigrationManager, error) {
	if _, err := db.ExecContext(ctx, createMigrationTable); err != nil {
		return nil, fmt.Errorf("creating migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT id, name FROM migrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, fmt.Errorf("scanning migration: %w", err)
		}
		applied = append(applied, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	compatible := true
	i := 0
	for i < len(known) && i < len(applied) {
		if applied[i].ID != known[i].ID || applied[i].Name != known[i].Name {
			compatible = false
			break
		}
		i++
	}
	if i != len(applied) {
		compatible = false
	}

	m := &MigrationManager{
		db:         db,
		known:      known,
		applied:    applied,
		compatible: compatible,
		next:       i,
	}
	if !compatible {
		if _, err := db.ExecContext(ctx, `PRAGMA query_only = 1`); err != nil {
			return nil, fmt.Errorf("locking incompatible store: %w", err)
		}
	}
	return m, nil
}

// Compatible reports whether the store's history is a prefix of the known
// migrations.
func (m *MigrationManager) Compatible() bool { return m.compatible }

// NeedsMigrations reports whether known migrations remain to be applied.
func (m *MigrationManager) NeedsMigrations() bool {
	return m.compatible && m.next < len(m.known)
}

// Applied returns the store's migration history as read at open time plus
// anything applied since.
func (m *MigrationManager) Applied() []AppliedMigration {
	return append([]AppliedMigration(nil), m.applied...)
}

// Pending returns the migrations that Migrate would apply.
func (m *MigrationManager) Pending() []Migration {
	if !m.compatible {
		return nil
	}
	return append([]Migration(nil), m.known[m.next:]...)
}

// Migrate applies pending migrations in order. Each migration and its
// history row commit in one transaction, so an interrupted run leaves a
// valid prefix that a later run resumes from.
func (m *MigrationManager) Migrate(ctx context.Context) error {
	if !m.compatible {
		return ErrIncompatible
	}
	for m.next < len(m.known) {
		current := m.known[m.next]
		if err := m.apply(ctx, current); err != nil {
			return fmt.Errorf("migration %d %q: %w", current.ID, current.Name, err)
		}
		m.applied = append(m.applied, AppliedMigration{ID: current.ID, Name: current.Name})
		m.next++
	}
	return nil
}

func (m *MigrationManager) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO migrations ( id, name ) VALUES ( ?, ? )`, mig.ID, mig.Name); err != nil {
		return err
	}
	return tx.Commit()
}
