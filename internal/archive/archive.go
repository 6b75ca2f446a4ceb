// Package archive is the SQLite store behind recording and replay. It keeps
// captured request/response pairs, the pages visited while recording and
// the collections they belong to.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/clock"
)

var (
	// ErrIncompatible means the store was written by a build with a
	// different schema history. The store is left open read-only.
	ErrIncompatible = errors.New("archive is incompatible with this version")
	// ErrNeedsMigration is returned by Open with WithoutMigrate when
	// migrations are pending.
	ErrNeedsMigration = errors.New("archive needs migration")
	// ErrReadOnly is returned by writes on an incompatible store.
	ErrReadOnly = errors.New("archive is read-only")
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
)

// Archive is an open store. Safe for concurrent use.
type Archive struct {
	db       *sql.DB
	manager  *MigrationManager
	clock    clock.Clock
	readOnly bool
}

type options struct {
	clock     clock.Clock
	known     []Migration
	noMigrate bool
}

// Option configures Open.
type Option func(*options)

// WithClock sets the clock used for row timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMigrations replaces the known migration list.
func WithMigrations(known []Migration) Option {
	return func(o *options) { o.known = known }
}

// WithoutMigrate makes Open fail with ErrNeedsMigration instead of
// migrating a store that is behind.
func WithoutMigrate() Option {
	return func(o *options) { o.noMigrate = true }
}

// Open opens the store at dsn (a file path or ":memory:"), checks its
// schema history and migrates it when it is behind.
//
// An incompatible store is returned together with ErrIncompatible so that
// callers can still read from it; every write fails with ErrReadOnly.
func Open(ctx context.Context, dsn string, opts ...Option) (*Archive, error) {
	o := options{clock: clock.NewRealClock(), known: KnownMigrations}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and per-connection
	// pragmas such as query_only must stick.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring archive: %w", err)
	}

	manager, err := NewMigrationManager(ctx, db, o.known)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &Archive{db: db, manager: manager, clock: o.clock}
	if !manager.Compatible() {
		a.readOnly = true
		slog.Error("archive is incompatible, opened read-only.", slog.String("dsn", dsn))
		return a, ErrIncompatible
	}
	if manager.NeedsMigrations() {
		if o.noMigrate {
			return a, ErrNeedsMigration
		}
		for _, m := range manager.Pending() {
			slog.Info("applying archive migration.", slog.Int("id", m.ID), slog.String("name", m.Name))
		}
		if err := manager.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating archive: %w", err)
		}
	}
	return a, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// ReadOnly reports whether writes are rejected.
func (a *Archive) ReadOnly() bool { return a.readOnly }

// Migrations returns the manager that opened the store.
func (a *Archive) Migrations() *MigrationManager { return a.manager }

func (a *Archive) writable() error {
	if a.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (a *Archive) now() int64 {
	return a.clock.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Collection is one recording session's worth of captures.
type Collection struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateCollection inserts a new collection.
func (a *Archive) CreateCollection(ctx context.Context, name string) (*Collection, error) {
	if err := a.writable(); err != nil {
		return nil, err
	}
	now := a.now()
	res, err := a.db.ExecContext(ctx,
		`INSERT INTO collections ( name, created_at, updated_at ) VALUES ( ?, ?, ? )`, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("inserting collection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Collection{ID: id, Name: name, CreatedAt: fromMillis(now), UpdatedAt: fromMillis(now)}, nil
}

// Collections lists collections, newest first.
func (a *Archive) Collections(ctx context.Context) ([]Collection, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM collections ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		var c Collection
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Name, &created, &updated); err != nil {
			return nil, err
		}
		c.CreatedAt, c.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}
