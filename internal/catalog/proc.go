package catalog

import (
	"context"
	"database/sql"
)

// RegisterProcess records a launcher or worker process row, mirroring
// the shared-memory Worker Registry entry into the
// catalog so `pgbckctl` CLI listings don't need to attach shared
// memory for a simple status query.
func (db *DB) RegisterProcess(ctx context.Context, p Proc) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO procs (pid, archive_id, type, started, state, shm_key, shm_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.PID, p.ArchiveID, p.Type, formatTime(p.Started), p.State, p.ShmKey, p.ShmID)
		return wrap("register-process", err)
	})
}

// SetProcessState updates a process's lifecycle state (e.g. "running"
// -> "stopped") by pid and archive.
func (db *DB) SetProcessState(ctx context.Context, archiveID int64, pid int, state string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE procs SET state = ? WHERE archive_id = ? AND pid = ?`, state, archiveID, pid)
		return wrap("set-process-state", err)
	})
}

// ListProcesses returns the process rows recorded for an archive.
func (db *DB) ListProcesses(ctx context.Context, archiveID int64) ([]Proc, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT pid, archive_id, type, started, state, shm_key, shm_id FROM procs WHERE archive_id = ?`, archiveID)
	if err != nil {
		return nil, wrap("list-processes", err)
	}
	defer rows.Close()

	var out []Proc
	for rows.Next() {
		var p Proc
		var started string
		if err := rows.Scan(&p.PID, &p.ArchiveID, &p.Type, &started, &p.State, &p.ShmKey, &p.ShmID); err != nil {
			return nil, wrap("list-processes", err)
		}
		p.Started = parseTime(started)
		out = append(out, p)
	}
	return out, wrap("list-processes", rows.Err())
}

// PruneProcess removes a process row once its worker has exited and
// its registry slot has been reclaimed.
func (db *DB) PruneProcess(ctx context.Context, archiveID int64, pid int) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM procs WHERE archive_id = ? AND pid = ?`, archiveID, pid)
		return wrap("prune-process", err)
	})
}
