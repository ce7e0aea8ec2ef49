package pgrepl

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// minVersionNum is the oldest server this engine's BASE_BACKUP framing
// supports: the n/m/d/p framed CopyData subprotocol appeared in
// PostgreSQL 15.
const minVersionNum = 150000

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ServerInfo is what a preflight check learns about the upstream
// primary before any replication command is issued.
type ServerInfo struct {
	VersionNum     int
	WALSegmentSize int64
	InRecovery     bool
}

// FetchServerInfo reads the primary's version, WAL segment size and
// recovery state over an ordinary (non-replication) connection.
func FetchServerInfo(ctx context.Context, q queryer) (ServerInfo, error) {
	var info ServerInfo
	err := q.QueryRow(ctx,
		`SELECT current_setting('server_version_num')::int,
		        (SELECT setting::bigint FROM pg_settings WHERE name = 'wal_segment_size'),
		        pg_is_in_recovery()`).
		Scan(&info.VersionNum, &info.WALSegmentSize, &info.InRecovery)
	if err != nil {
		return ServerInfo{}, fmt.Errorf("pgrepl: fetch server info: %w", err)
	}
	return info, nil
}

// CheckServer validates info against what the backup engine requires:
// a PostgreSQL 15+ primary that is not itself in recovery.
func CheckServer(info ServerInfo) error {
	if info.VersionNum < minVersionNum {
		return fmt.Errorf("pgrepl: server version %d too old, need >= %d", info.VersionNum, minVersionNum)
	}
	if info.InRecovery {
		return fmt.Errorf("pgrepl: server is in recovery; base backups must run against the primary")
	}
	return nil
}

// Preflight dials an ordinary connection, fetches and validates the
// server info, and closes the connection again. Run before a backup or
// stream session so misconfiguration surfaces as one clear error
// instead of a replication-protocol failure mid-stream.
func Preflight(ctx context.Context, cfg ConnConfig) (ServerInfo, error) {
	conn, err := pgx.Connect(ctx, cfg.baseConnString())
	if err != nil {
		return ServerInfo{}, fmt.Errorf("pgrepl: preflight dial %s@%s:%d: %w", cfg.User, cfg.Host, cfg.Port, err)
	}
	defer conn.Close(ctx)

	info, err := FetchServerInfo(ctx, conn)
	if err != nil {
		return ServerInfo{}, err
	}
	if err := CheckServer(info); err != nil {
		return ServerInfo{}, err
	}
	return info, nil
}
