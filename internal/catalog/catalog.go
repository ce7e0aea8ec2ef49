// Package catalog implements the embedded relational catalog covering
// archives, backups, tablespaces, streams, profiles, retention
// policies, worker processes and connection settings, all backed by
// a single SQLite file opened in WAL mode with a busy timeout so
// concurrent commands don't trip over each other's writes.
package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// schemaMagic identifies the catalog schema version this binary
// understands. Stored in the sqlite user_version pragma.
const schemaMagic = 1

// Mode selects whether a catalog is opened for queries only or for
// both reads and writes.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Error distinguishes catalog failures from other kinds.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("catalog: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// LockHintError specializes Error with an operator-visible hint about
// which interlock blocked an action (CatalogLockHint).
type LockHintError struct {
	Op   string
	Hint string
}

func (e *LockHintError) Error() string {
	return fmt.Sprintf("catalog: %s: locked: %s", e.Op, e.Hint)
}

// DB wraps a single archive's catalog database.
type DB struct {
	conn *sql.DB
	mode Mode
	path string
}

// Open opens or creates the catalog database at path.
func Open(path string, mode Mode) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	if mode == ReadOnly {
		dsn += "&mode=ro"
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, wrap("open", err)
	}
	db := &DB{conn: conn, mode: mode, path: path}
	if mode == ReadWrite {
		if err := db.migrate(context.Background()); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

// Path returns the catalog file path.
func (db *DB) Path() string { return db.path }

func (db *DB) migrate(ctx context.Context) error {
	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return wrap("migrate: read version", err)
	}
	if version == schemaMagic {
		return nil
	}
	if version != 0 {
		return wrap("migrate", fmt.Errorf("schema mismatch: catalog has version %d, binary expects %d", version, schemaMagic))
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrap("migrate", err)
	}
	defer tx.Rollback()

	for _, stmt := range schemaDDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return wrap("migrate: apply schema", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaMagic)); err != nil {
		return wrap("migrate: set version", err)
	}
	return wrap("migrate", tx.Commit())
}

// withTx runs fn inside a single transaction, committing on success and
// rolling back on any error so a partial write never reaches disk.
func (db *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if db.mode != ReadWrite {
		return wrap("with-tx", fmt.Errorf("catalog opened read-only"))
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrap("with-tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return wrap("with-tx: commit", tx.Commit())
}
