package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateBackupProfile inserts a named backup profile: a configuration
// bundle of compression, rate limit, checkpoint mode and manifest
// options applied to a future base backup.
func (db *DB) CreateBackupProfile(ctx context.Context, p BackupProfile) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO backup_profiles (name, compression, max_rate, label_template,
				fast_checkpoint, include_wal, wait_for_wal, verify_checksums, manifest, manifest_checksums)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Name, p.Compression, p.MaxRate, p.LabelTemplate, p.FastCheckpoint,
			p.IncludeWAL, p.WaitForWAL, p.VerifyChecksums, p.Manifest, p.ManifestChecksums)
		if err != nil {
			return wrap("create-backup-profile", err)
		}
		id, err = res.LastInsertId()
		return wrap("create-backup-profile", err)
	})
	return id, err
}

const profileColumns = `id, name, compression, max_rate, label_template, fast_checkpoint,
	include_wal, wait_for_wal, verify_checksums, manifest, manifest_checksums`

func scanProfile(row interface{ Scan(...any) error }) (BackupProfile, error) {
	var p BackupProfile
	err := row.Scan(&p.ID, &p.Name, &p.Compression, &p.MaxRate, &p.LabelTemplate, &p.FastCheckpoint,
		&p.IncludeWAL, &p.WaitForWAL, &p.VerifyChecksums, &p.Manifest, &p.ManifestChecksums)
	return p, err
}

// GetBackupProfile looks up a profile by name.
func (db *DB) GetBackupProfile(ctx context.Context, name string) (BackupProfile, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM backup_profiles WHERE name = ?`, name)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BackupProfile{}, wrap("get-backup-profile", fmt.Errorf("profile %q not found", name))
	}
	if err != nil {
		return BackupProfile{}, wrap("get-backup-profile", err)
	}
	return p, nil
}

// ListBackupProfiles returns all configured profiles ordered by name.
func (db *DB) ListBackupProfiles(ctx context.Context) ([]BackupProfile, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+profileColumns+` FROM backup_profiles ORDER BY name`)
	if err != nil {
		return nil, wrap("list-backup-profiles", err)
	}
	defer rows.Close()

	var out []BackupProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, wrap("list-backup-profiles", err)
		}
		out = append(out, p)
	}
	return out, wrap("list-backup-profiles", rows.Err())
}
