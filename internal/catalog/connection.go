package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetConnection upserts the connection settings an archive uses to
// reach its source PostgreSQL instance for a given connection type
// (e.g. "basebackup", "streaming").
func (db *DB) SetConnection(ctx context.Context, c Connection) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE archive_id = ? AND type = ?`, c.ArchiveID, c.Type)
		if err != nil {
			return wrap("set-connection", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO connections (archive_id, type, dsn, pghost, pgport, pguser, pgdatabase)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ArchiveID, c.Type, c.DSN, c.PGHost, c.PGPort, c.PGUser, c.PGDatabase)
		return wrap("set-connection", err)
	})
}

// GetConnection returns the connection settings for an archive and
// connection type.
func (db *DB) GetConnection(ctx context.Context, archiveID int64, ctype string) (Connection, error) {
	var c Connection
	err := db.conn.QueryRowContext(ctx,
		`SELECT archive_id, type, dsn, pghost, pgport, pguser, pgdatabase
		 FROM connections WHERE archive_id = ? AND type = ?`, archiveID, ctype,
	).Scan(&c.ArchiveID, &c.Type, &c.DSN, &c.PGHost, &c.PGPort, &c.PGUser, &c.PGDatabase)
	if errors.Is(err, sql.ErrNoRows) {
		return Connection{}, wrap("get-connection", fmt.Errorf("no %q connection for archive %d", ctype, archiveID))
	}
	if err != nil {
		return Connection{}, wrap("get-connection", err)
	}
	return c, nil
}
