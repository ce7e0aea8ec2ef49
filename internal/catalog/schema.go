package catalog

// schemaDDL creates the catalog's tables. Column names are kept close
// to the abstract data model's names so the mapping stays obvious.
var schemaDDL = []string{
	`CREATE TABLE archive (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL UNIQUE,
		directory   TEXT NOT NULL,
		compression INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE backup (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		archive_id       INTEGER NOT NULL REFERENCES archive(id),
		label            TEXT NOT NULL,
		xlogpos          TEXT NOT NULL DEFAULT '',
		xlogposend       TEXT NOT NULL DEFAULT '',
		timeline         INTEGER NOT NULL DEFAULT 0,
		fsentry          TEXT NOT NULL DEFAULT '',
		started          TEXT NOT NULL,
		stopped          TEXT NOT NULL DEFAULT '',
		pinned           INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL DEFAULT 'in-progress',
		systemid         TEXT NOT NULL DEFAULT '',
		wal_segment_size INTEGER NOT NULL DEFAULT 0,
		used_profile     TEXT NOT NULL DEFAULT '',
		pg_version_num   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE backup_tablespaces (
		backup_id   INTEGER NOT NULL REFERENCES backup(id),
		spcoid      INTEGER NOT NULL,
		spclocation TEXT NOT NULL DEFAULT '',
		spcsize     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE stream (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		archive_id    INTEGER NOT NULL REFERENCES archive(id),
		stype         TEXT NOT NULL DEFAULT 'physical',
		slot_name     TEXT NOT NULL DEFAULT '',
		systemid      TEXT NOT NULL DEFAULT '',
		timeline      INTEGER NOT NULL DEFAULT 0,
		xlogpos       TEXT NOT NULL DEFAULT '',
		dbname        TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'identified',
		register_date TEXT NOT NULL
	)`,
	`CREATE TABLE backup_profiles (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		name               TEXT NOT NULL UNIQUE,
		compression        TEXT NOT NULL DEFAULT 'none',
		max_rate           INTEGER NOT NULL DEFAULT 0,
		label_template     TEXT NOT NULL DEFAULT '',
		fast_checkpoint    INTEGER NOT NULL DEFAULT 0,
		include_wal        INTEGER NOT NULL DEFAULT 0,
		wait_for_wal       INTEGER NOT NULL DEFAULT 0,
		verify_checksums   INTEGER NOT NULL DEFAULT 1,
		manifest           INTEGER NOT NULL DEFAULT 1,
		manifest_checksums TEXT NOT NULL DEFAULT 'sha256'
	)`,
	`CREATE TABLE procs (
		pid        INTEGER NOT NULL,
		archive_id INTEGER NOT NULL REFERENCES archive(id),
		type       TEXT NOT NULL,
		started    TEXT NOT NULL,
		state      TEXT NOT NULL DEFAULT 'running',
		shm_key    TEXT NOT NULL DEFAULT '',
		shm_id     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE connections (
		archive_id INTEGER NOT NULL REFERENCES archive(id),
		type       TEXT NOT NULL DEFAULT 'basebackup',
		dsn        TEXT NOT NULL DEFAULT '',
		pghost     TEXT NOT NULL DEFAULT '',
		pgport     INTEGER NOT NULL DEFAULT 5432,
		pguser     TEXT NOT NULL DEFAULT '',
		pgdatabase TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE retention (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		name    TEXT NOT NULL UNIQUE,
		created TEXT NOT NULL
	)`,
	`CREATE TABLE retention_rules (
		retention_id INTEGER NOT NULL REFERENCES retention(id),
		ord          INTEGER NOT NULL,
		type         TEXT NOT NULL,
		value        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX idx_backup_archive ON backup(archive_id)`,
	`CREATE INDEX idx_stream_archive ON stream(archive_id)`,
	`CREATE INDEX idx_tablespaces_backup ON backup_tablespaces(backup_id)`,
}
