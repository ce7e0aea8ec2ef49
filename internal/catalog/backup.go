package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateBackup inserts a new backup row in the in-progress state.
func (db *DB) CreateBackup(ctx context.Context, b Backup) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO backup (archive_id, label, xlogpos, timeline, started, status,
				systemid, wal_segment_size, used_profile, pg_version_num)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ArchiveID, b.Label, b.XLogPos, b.Timeline, formatTime(b.Started), BackupInProgress,
			b.SystemID, b.WALSegmentSize, b.UsedProfile, b.PGVersionNum)
		if err != nil {
			return wrap("create-backup", err)
		}
		id, err = res.LastInsertId()
		return wrap("create-backup", err)
	})
	return id, err
}

// SetBackupReady transitions a backup to the ready terminal state,
// recording its end WAL position and stop time. Status transitions
// are monotonic: in-progress -> exactly one of {ready, aborted}, never
// back.
func (db *DB) SetBackupReady(ctx context.Context, id int64, xlogPosEnd string, fsEntry string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return db.transitionBackup(ctx, tx, id, BackupReady, xlogPosEnd, fsEntry)
	})
}

// SetBackupAborted transitions a backup to the aborted terminal state.
func (db *DB) SetBackupAborted(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return db.transitionBackup(ctx, tx, id, BackupAborted, "", "")
	})
}

func (db *DB) transitionBackup(ctx context.Context, tx *sql.Tx, id int64, to BackupStatus, xlogPosEnd, fsEntry string) error {
	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM backup WHERE id = ?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wrap("transition-backup", fmt.Errorf("backup %d not found", id))
		}
		return wrap("transition-backup", err)
	}
	if BackupStatus(status) != BackupInProgress {
		return wrap("transition-backup", fmt.Errorf("backup %d already %s, cannot move to %s", id, status, to))
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE backup SET status = ?, xlogposend = ?, fsentry = ?, stopped = ? WHERE id = ?`,
		to, xlogPosEnd, fsEntry, formatTime(time.Now().UTC()), id)
	return wrap("transition-backup", err)
}

// UpdateBackupStartPosition corrects an in-progress backup's start WAL
// position and timeline once the server has reported the exact values
// in BASE_BACKUP's first result set (the row is created earlier, from
// the IDENTIFY_SYSTEM approximation, so the in-progress state is
// visible from the start).
func (db *DB) UpdateBackupStartPosition(ctx context.Context, id int64, xlogPos string, timeline uint32) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE backup SET xlogpos = ?, timeline = ? WHERE id = ? AND status = ?`,
			xlogPos, timeline, id, BackupInProgress)
		if err != nil {
			return wrap("update-start-position", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrap("update-start-position", err)
		}
		if n == 0 {
			return wrap("update-start-position", fmt.Errorf("backup %d not found or not in progress", id))
		}
		return nil
	})
}

// PinBackup marks a backup as pinned, excluding it from retention
// drop rules until UnpinBackup is called ("pin"/"unpin").
func (db *DB) PinBackup(ctx context.Context, id int64) error {
	return db.setPinned(ctx, id, true)
}

// UnpinBackup clears a backup's pinned flag.
func (db *DB) UnpinBackup(ctx context.Context, id int64) error {
	return db.setPinned(ctx, id, false)
}

func (db *DB) setPinned(ctx context.Context, id int64, pinned bool) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE backup SET pinned = ? WHERE id = ?`, pinned, id)
		if err != nil {
			return wrap("set-pinned", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrap("set-pinned", err)
		}
		if n == 0 {
			return wrap("set-pinned", fmt.Errorf("backup %d not found", id))
		}
		return nil
	})
}

const backupColumns = `id, archive_id, label, xlogpos, xlogposend, timeline, fsentry, started,
	stopped, pinned, status, systemid, wal_segment_size, used_profile, pg_version_num`

func scanBackup(row interface{ Scan(...any) error }) (Backup, error) {
	var b Backup
	var started, stopped, status string
	err := row.Scan(&b.ID, &b.ArchiveID, &b.Label, &b.XLogPos, &b.XLogPosEnd, &b.Timeline, &b.FSEntry,
		&started, &stopped, &b.Pinned, &status, &b.SystemID, &b.WALSegmentSize, &b.UsedProfile, &b.PGVersionNum)
	if err != nil {
		return Backup{}, err
	}
	b.Started = parseTime(started)
	b.Stopped = parseTime(stopped)
	b.Status = BackupStatus(status)
	return b, nil
}

// GetBaseBackup looks up a single backup by id.
func (db *DB) GetBaseBackup(ctx context.Context, id int64) (Backup, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backup WHERE id = ?`, id)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Backup{}, wrap("get-base-backup", fmt.Errorf("backup %d not found", id))
	}
	if err != nil {
		return Backup{}, wrap("get-base-backup", err)
	}
	return b, nil
}

// GetBackupList returns every backup for an archive, most recent first.
func (db *DB) GetBackupList(ctx context.Context, archiveID int64) ([]Backup, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+backupColumns+` FROM backup WHERE archive_id = ? ORDER BY started DESC`, archiveID)
	if err != nil {
		return nil, wrap("get-backup-list", err)
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, wrap("get-backup-list", err)
		}
		out = append(out, b)
	}
	return out, wrap("get-backup-list", rows.Err())
}

// DeleteBackup removes a backup's catalog row and its tablespace
// rows in a single transaction, used by the retention engine after a
// backup has been chosen for removal.
func (db *DB) DeleteBackup(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_tablespaces WHERE backup_id = ?`, id); err != nil {
			return wrap("delete-backup: tablespaces", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM backup WHERE id = ?`, id)
		if err != nil {
			return wrap("delete-backup", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrap("delete-backup", err)
		}
		if n == 0 {
			return wrap("delete-backup", fmt.Errorf("backup %d not found", id))
		}
		return nil
	})
}

// CreateBackupTablespace records one tablespace entry for a backup.
func (db *DB) CreateBackupTablespace(ctx context.Context, ts BackupTablespace) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO backup_tablespaces (backup_id, spcoid, spclocation, spcsize) VALUES (?, ?, ?, ?)`,
			ts.BackupID, ts.SpcOID, ts.SpcLocation, ts.SpcSize)
		return wrap("create-backup-tablespace", err)
	})
}

// ListBackupTablespaces returns the tablespaces recorded for a backup.
func (db *DB) ListBackupTablespaces(ctx context.Context, backupID int64) ([]BackupTablespace, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT backup_id, spcoid, spclocation, spcsize FROM backup_tablespaces WHERE backup_id = ?`, backupID)
	if err != nil {
		return nil, wrap("list-backup-tablespaces", err)
	}
	defer rows.Close()

	var out []BackupTablespace
	for rows.Next() {
		var ts BackupTablespace
		if err := rows.Scan(&ts.BackupID, &ts.SpcOID, &ts.SpcLocation, &ts.SpcSize); err != nil {
			return nil, wrap("list-backup-tablespaces", err)
		}
		out = append(out, ts)
	}
	return out, wrap("list-backup-tablespaces", rows.Err())
}
