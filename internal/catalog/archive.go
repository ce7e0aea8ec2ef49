package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateArchive inserts a new archive row. Name must be unique within
// the catalog.
func (db *DB) CreateArchive(ctx context.Context, a Archive) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO archive (name, directory, compression) VALUES (?, ?, ?)`,
			a.Name, a.Directory, a.Compression)
		if err != nil {
			return wrap("create-archive", err)
		}
		id, err = res.LastInsertId()
		return wrap("create-archive", err)
	})
	return id, err
}

// DropArchive removes an archive row. It refuses to drop an archive
// that still owns a running worker, per interlock rules;
// callers that already hold the appropriate shared-memory lock
// information should check that separately before calling this.
func (db *DB) DropArchive(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM procs WHERE archive_id = ? AND state = 'running'`, id,
		).Scan(&n); err != nil {
			return wrap("drop-archive", err)
		}
		if n > 0 {
			return &LockHintError{Op: "drop-archive", Hint: fmt.Sprintf("archive %d has %d running worker(s)", id, n)}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM archive WHERE id = ?`, id); err != nil {
			return wrap("drop-archive", err)
		}
		return nil
	})
}

// ExistsByName reports whether an archive with the given name exists.
func (db *DB) ExistsByName(ctx context.Context, name string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, wrap("exists-by-name", err)
	}
	return n > 0, nil
}

// GetArchiveByName looks up an archive by its unique name.
func (db *DB) GetArchiveByName(ctx context.Context, name string) (Archive, error) {
	var a Archive
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, directory, compression FROM archive WHERE name = ?`, name,
	).Scan(&a.ID, &a.Name, &a.Directory, &a.Compression)
	if errors.Is(err, sql.ErrNoRows) {
		return Archive{}, wrap("get-archive-by-name", fmt.Errorf("archive %q not found", name))
	}
	if err != nil {
		return Archive{}, wrap("get-archive-by-name", err)
	}
	return a, nil
}

// ListArchives returns all archives ordered by name.
func (db *DB) ListArchives(ctx context.Context) ([]Archive, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name, directory, compression FROM archive ORDER BY name`)
	if err != nil {
		return nil, wrap("list-archives", err)
	}
	defer rows.Close()

	var out []Archive
	for rows.Next() {
		var a Archive
		if err := rows.Scan(&a.ID, &a.Name, &a.Directory, &a.Compression); err != nil {
			return nil, wrap("list-archives", err)
		}
		out = append(out, a)
	}
	return out, wrap("list-archives", rows.Err())
}
