package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opensha/aafs/internal/fault"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a single requested record does not exist.
var ErrNotFound = errors.New("record not found")

// pragma is a connection setting and the value SQLite reports once it holds.
type pragma struct {
	name, set, want string
}

var pragmas = []pragma{
	{"journal_mode", "WAL", "wal"},
	{"synchronous", "NORMAL", "1"},
	{"busy_timeout", "5000", "5000"},
	{"foreign_keys", "OFF", "0"},
}

// migration upgrades a database from version-1 to version. Steps run in
// order inside one transaction each, after schema.sql.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	// Origin change stream scans relay items by stamp then seq.
	{1, []string{
		`CREATE INDEX IF NOT EXISTS idx_relay_items_stamp_seq ON relay_items(relay_stamp, seq)`,
	}},
	// One row per relay id: drop rows superseded before submission
	// replaced them.
	{2, []string{
		`DELETE FROM relay_items WHERE EXISTS (
			SELECT 1 FROM relay_items AS newer
			WHERE newer.relay_id = relay_items.relay_id
			  AND (newer.relay_time > relay_items.relay_time
			       OR (newer.relay_time = relay_items.relay_time AND newer.seq > relay_items.seq)))`,
	}},
}

// schemaVersion is the user_version of a fully migrated database.
func schemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Store is the durable state of one server: the task queue and its log,
// timelines, alias families, relay items and catalog snapshots. It is a
// single SQLite file in WAL mode behind one connection, so every write is
// serialized.
type Store struct {
	db    *sql.DB
	path  string
	codec *snapshotCodec
}

// Open opens or creates the database at path and brings its schema up to
// date. Opening an existing database is a no-op apart from pending
// migrations.
func Open(path string) (*Store, error) {
	loc := fault.Locus{DB: path}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fault.PersistenceAt("open database", loc, err)
	}
	// The relay stale-check-then-insert relies on a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	fail := func(op string, err error) (*Store, error) {
		db.Close()
		return nil, fault.PersistenceAt(op, loc, err)
	}

	if err := db.Ping(); err != nil {
		return fail("connect to database", err)
	}
	if err := configure(db); err != nil {
		return fail("apply pragmas", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fail("apply schema", err)
	}
	if err := migrate(db); err != nil {
		return fail("migrate schema", err)
	}

	codec, err := newSnapshotCodec()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot codec: %w", err)
	}
	return &Store{db: db, path: path, codec: codec}, nil
}

// Close releases the snapshot codec and the connection.
func (s *Store) Close() error {
	if s.codec != nil {
		s.codec.close()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.path }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fault.PersistenceAt("ping", fault.Locus{DB: s.path}, err)
	}
	return nil
}

// SchemaVersion reports the user_version recorded in the database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fault.PersistenceAt("read schema version", fault.Locus{DB: s.path}, err)
	}
	return v, nil
}

// configure sets each pragma and reads it back. A pragma that did not take
// is an error.
func configure(db *sql.DB) error {
	for _, p := range pragmas {
		if _, err := db.Exec("PRAGMA " + p.name + " = " + p.set); err != nil {
			return fmt.Errorf("set %s: %w", p.name, err)
		}
		got, err := readPragma(db, p.name)
		if err != nil {
			return err
		}
		if !strings.EqualFold(got, p.want) {
			return fmt.Errorf("%s = %q after setting %q", p.name, got, p.set)
		}
	}
	return nil
}

func readPragma(db *sql.DB, name string) (string, error) {
	var v string
	if err := db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return v, nil
}

// migrate applies every step newer than the recorded user_version.
func migrate(db *sql.DB) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return err
	}
	return tx.Commit()
}

// notFound maps sql.ErrNoRows to ErrNotFound and classifies everything else.
func notFound(op, collection string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fault.Persistence(op, collection, err)
}
