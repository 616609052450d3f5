// Package sqlstore is the SQLite storage backend. It provides the event log
// and the snapshot store over one database file, selected with
// storage.engine = sqlite.
//
// The database is opened with a single connection: SQLite has one writer,
// and serializing on the pool keeps the sequence counter and the active
// snapshot flag consistent without busy retries.
package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/yndnr/mailsync-go/internal/storage/safeenc"
	"github.com/yndnr/mailsync-go/pkg/crypto/adaptive"
)

// Options configures the database.
type Options struct {
	// Cipher seals payloads and snapshot items at rest. Nil stores them in
	// clear.
	Cipher adaptive.Cipher

	// Encoder sanitizes items before they are persisted.
	Encoder *safeenc.Encoder

	Logger *slog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DB is an open SQLite database holding events and snapshots.
type DB struct {
	db      *sqlx.DB
	cipher  adaptive.Cipher
	encoder *safeenc.Encoder
	logger  *slog.Logger
	now     func() time.Time
}

// Open opens (or creates) the database at path, enables WAL mode, and runs
// pending schema migrations. Use ":memory:" for a throwaway database.
func Open(path string, opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Encoder == nil {
		opts.Encoder = safeenc.New(safeenc.DefaultOptions())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	d := &DB{
		db:      db,
		cipher:  opts.Cipher,
		encoder: opts.Encoder,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if err := d.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	opts.Logger.Info("sqlite storage opened", "path", path)
	return d, nil
}

// Events returns the event log view of the database.
func (d *DB) Events() *EventLog {
	return &EventLog{d: d}
}

// Snapshots returns the snapshot store view of the database.
func (d *DB) Snapshots() *SnapshotStore {
	return &SnapshotStore{d: d}
}

// Ping checks the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (d *DB) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := d.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = d.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := d.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		d.logger.Debug("schema migration applied", "version", m.version)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
