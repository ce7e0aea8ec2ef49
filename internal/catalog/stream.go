package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RegisterStream inserts a new stream row in the identified state,
// per streamer lifecycle.
func (db *DB) RegisterStream(ctx context.Context, s Stream) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO stream (archive_id, stype, slot_name, systemid, timeline, xlogpos, dbname,
				status, register_date)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ArchiveID, s.SType, s.SlotName, s.SystemID, s.Timeline, s.XLogPos, s.DBName,
			StreamIdentified, formatTime(time.Now().UTC()))
		if err != nil {
			return wrap("register-stream", err)
		}
		id, err = res.LastInsertId()
		return wrap("register-stream", err)
	})
	return id, err
}

// SetStreamStatus updates a stream's lifecycle state and, when
// non-empty, its current WAL position and timeline.
func (db *DB) SetStreamStatus(ctx context.Context, id int64, status StreamStatus, xlogPos string, timeline uint32) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE stream SET status = ?, xlogpos = COALESCE(NULLIF(?, ''), xlogpos), timeline = ? WHERE id = ?`,
			status, xlogPos, timeline, id)
		if err != nil {
			return wrap("set-stream-status", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrap("set-stream-status", err)
		}
		if n == 0 {
			return wrap("set-stream-status", fmt.Errorf("stream %d not found", id))
		}
		return nil
	})
}

const streamColumns = `id, archive_id, stype, slot_name, systemid, timeline, xlogpos, dbname, status, register_date`

func scanStream(row interface{ Scan(...any) error }) (Stream, error) {
	var s Stream
	var status, registered string
	err := row.Scan(&s.ID, &s.ArchiveID, &s.SType, &s.SlotName, &s.SystemID, &s.Timeline,
		&s.XLogPos, &s.DBName, &status, &registered)
	if err != nil {
		return Stream{}, err
	}
	s.Status = StreamStatus(status)
	s.RegisterDate = parseTime(registered)
	return s, nil
}

// GetStream looks up a stream by id.
func (db *DB) GetStream(ctx context.Context, id int64) (Stream, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM stream WHERE id = ?`, id)
	s, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Stream{}, wrap("get-stream", fmt.Errorf("stream %d not found", id))
	}
	if err != nil {
		return Stream{}, wrap("get-stream", err)
	}
	return s, nil
}

// ListStreams returns every stream registered for an archive.
func (db *DB) ListStreams(ctx context.Context, archiveID int64) ([]Stream, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+streamColumns+` FROM stream WHERE archive_id = ? ORDER BY register_date DESC`, archiveID)
	if err != nil {
		return nil, wrap("list-streams", err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, wrap("list-streams", err)
		}
		out = append(out, s)
	}
	return out, wrap("list-streams", rows.Err())
}
