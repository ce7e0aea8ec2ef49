// Package pgrepl builds the upstream PostgreSQL connections the
// backup engine drives: replication-mode control connections for the
// WAL streamer and base-backup pipeline (raw pgconn.PgConn, since the
// replication protocol is driven at the connection level), and an
// ordinary connection for the preflight checks that run before any
// replication command is issued.
package pgrepl

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
)

// ConnConfig names the discrete fields a catalog.Connection row or CLI
// flag set provides, rather than a pre-assembled DSN, so callers don't
// need to know libpq's quoting rules.
type ConnConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

func (c ConnConfig) baseConnString() string {
	db := c.Database
	if db == "" {
		db = "postgres"
	}
	s := fmt.Sprintf("host=%s port=%d user=%s dbname=%s", c.Host, c.Port, c.User, db)
	if c.Password != "" {
		s += fmt.Sprintf(" password=%s", c.Password)
	}
	return s
}

func (c ConnConfig) connString() string {
	return c.baseConnString() + " replication=database"
}

// Dial opens a replication-mode control connection, the one both the
// WAL streamer and base-backup pipeline drive directly.
func Dial(ctx context.Context, cfg ConnConfig) (*pgconn.PgConn, error) {
	conn, err := pgconn.Connect(ctx, cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("pgrepl: dial %s@%s:%d: %w", cfg.User, cfg.Host, cfg.Port, err)
	}
	return conn, nil
}

// IdentifySystem runs IDENTIFY_SYSTEM, the handshake that resolves the
// WAL streamer's STARTUP -> START_POSITION transition: the session's
// system identifier, timeline and initial XLogRecPtr.
func IdentifySystem(ctx context.Context, conn *pgconn.PgConn) (pglogrepl.IdentifySystemResult, error) {
	res, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return pglogrepl.IdentifySystemResult{}, fmt.Errorf("pgrepl: identify system: %w", err)
	}
	return res, nil
}
