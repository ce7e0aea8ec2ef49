// Package orchestrator wires the leaf subsystems together into the
// two user-facing flows end to end: driving one `BASE_BACKUP` into a
// catalog-tracked backup row, and running a standalone WAL streamer
// session. It is the single entry point that opens connections,
// creates scratch state, and drives a pipeline to completion; process
// role is threaded explicitly through constructors rather than read
// from package-level state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pgbckctl/pgbckctl/internal/archive"
	"github.com/pgbckctl/pgbckctl/internal/basebackup"
	"github.com/pgbckctl/pgbckctl/internal/catalog"
	"github.com/pgbckctl/pgbckctl/internal/jobctl"
	"github.com/pgbckctl/pgbckctl/internal/pgrepl"
	"github.com/pgbckctl/pgbckctl/internal/registry"
	"github.com/pgbckctl/pgbckctl/internal/walstream"
	"github.com/pgbckctl/pgbckctl/internal/xlog"
)

// waitForWALPollInterval is how often RunBaseBackup polls a
// concurrently running WAL streamer's flush position when the active
// profile has WaitForWAL set.
const waitForWALPollInterval = 200 * time.Millisecond

// BackupConfig configures one orchestrated BASE_BACKUP run.
type BackupConfig struct {
	ArchiveID int64
	Conn      pgrepl.ConnConfig
	Profile   catalog.BackupProfile
	Label     string
	Role      jobctl.RoleContext
	Stop      jobctl.StopToken

	// WALSegmentSize and PGVersionNum come from a pgrepl.Preflight
	// against the same primary; a zero WALSegmentSize falls back to
	// xlog.DefaultSegmentSize, and PGVersionNum is recorded as given.
	WALSegmentSize int64
	PGVersionNum   int
}

// RunBaseBackup drives BASE_BACKUP end to end: dials a replication
// control connection, creates the streaming-backup directory, records
// the in-progress catalog row, runs the basebackup.Pipeline, records
// tablespace rows, and transitions the backup to ready or aborted.
//
// When cfg.Profile.WaitForWAL is set, a second control connection
// runs a WAL streamer for the same archive concurrently; the backup
// is not marked ready until that streamer's flush position reaches
// the backup's stop position.
func RunBaseBackup(ctx context.Context, db *catalog.DB, arc *archive.Archive, reg *registry.Registry, cfg BackupConfig) (catalog.Backup, error) {
	conn, err := pgrepl.Dial(ctx, cfg.Conn)
	if err != nil {
		return catalog.Backup{}, fmt.Errorf("orchestrator: basebackup connect: %w", err)
	}
	defer conn.Close(ctx)

	sys, err := pgrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return catalog.Backup{}, fmt.Errorf("orchestrator: identify system: %w", err)
	}

	label := cfg.Label
	if label == "" {
		label = cfg.Profile.LabelTemplate
	}
	if label == "" {
		label = "pgbckctl-" + time.Now().UTC().Format("20060102T150405Z")
	}

	streamDir, err := arc.NewStreamingBackupDir(time.Now())
	if err != nil {
		return catalog.Backup{}, fmt.Errorf("orchestrator: create streaming dir: %w", err)
	}
	slog.Info("base backup starting", "archive", cfg.ArchiveID, "label", label, "role", cfg.Role.String(), "dir", streamDir)

	segSize := cfg.WALSegmentSize
	if segSize == 0 {
		segSize = xlog.DefaultSegmentSize
	}
	backupID, err := db.CreateBackup(ctx, catalog.Backup{
		ArchiveID:      cfg.ArchiveID,
		Label:          label,
		XLogPos:        sys.XLogPos.String(),
		Timeline:       uint32(sys.Timeline),
		SystemID:       fmt.Sprintf("%d", sys.SystemID),
		WALSegmentSize: segSize,
		PGVersionNum:   cfg.PGVersionNum,
		UsedProfile:    cfg.Profile.Name,
		FSEntry:        streamDir,
		Started:        time.Now().UTC(),
	})
	if err != nil {
		return catalog.Backup{}, fmt.Errorf("orchestrator: create backup row: %w", err)
	}

	var slot int = -1
	if reg != nil {
		slot, err = reg.Allocate(registry.WorkerInfo{PID: int32(os.Getpid()), CommandType: "basebackup", ArchiveID: cfg.ArchiveID, Started: time.Now()})
		if err == nil {
			defer func() { _ = reg.Free(slot) }()
		}
	}

	// Mirror the registry slot into the procs table so status listings
	// don't need to attach shared memory.
	if err := db.RegisterProcess(ctx, catalog.Proc{
		PID: os.Getpid(), ArchiveID: cfg.ArchiveID, Type: "basebackup", Started: time.Now().UTC(),
	}); err != nil {
		return catalog.Backup{}, fmt.Errorf("orchestrator: register process: %w", err)
	}
	defer func() { _ = db.PruneProcess(context.Background(), cfg.ArchiveID, os.Getpid()) }()

	var waiter *walWaiter
	if cfg.Profile.WaitForWAL {
		waiter, err = startWaitForWAL(ctx, db, arc, cfg)
		if err != nil {
			_ = db.SetBackupAborted(ctx, backupID)
			return catalog.Backup{}, fmt.Errorf("orchestrator: start wait-for-wal streamer: %w", err)
		}
		defer waiter.stop()
	}

	pipe := basebackup.New(conn, streamDir, basebackup.Options{
		Label:             label,
		FastCheckpoint:    cfg.Profile.FastCheckpoint,
		IncludeWAL:        cfg.Profile.IncludeWAL,
		VerifyChecksums:   cfg.Profile.VerifyChecksums,
		Manifest:          cfg.Profile.Manifest,
		ManifestChecksums: cfg.Profile.ManifestChecksums,
		MaxRateKBPerSec:   cfg.Profile.MaxRate,
		Compress:          arc.Compression,
	}, cfg.Stop)

	if err := pipe.Run(ctx); err != nil {
		_ = db.SetBackupAborted(ctx, backupID)
		return catalog.Backup{}, fmt.Errorf("orchestrator: base backup pipeline: %w", err)
	}
	if pipe.State() != basebackup.StateEOB {
		// Stop token tripped mid-backup: partial tablespaces are left
		// on disk for retry.
		_ = db.SetBackupAborted(ctx, backupID)
		return db.GetBaseBackup(ctx, backupID)
	}

	for _, ts := range pipe.Tablespaces() {
		if err := db.CreateBackupTablespace(ctx, catalog.BackupTablespace{
			BackupID: backupID, SpcOID: ts.OID, SpcLocation: ts.Location, SpcSize: ts.SizeBytes,
		}); err != nil {
			return catalog.Backup{}, fmt.Errorf("orchestrator: record tablespace: %w", err)
		}
	}

	// The pipeline's result sets carry the exact start/stop positions;
	// the row was created from the IDENTIFY_SYSTEM approximation.
	if pipe.StartPos() != "" {
		if err := db.UpdateBackupStartPosition(ctx, backupID, pipe.StartPos(), pipe.Timeline()); err != nil {
			return catalog.Backup{}, fmt.Errorf("orchestrator: record start position: %w", err)
		}
	}

	stopPos := pipe.StopPos()
	if stopPos == "" {
		return catalog.Backup{}, fmt.Errorf("orchestrator: base backup finished without a stop position")
	}

	if waiter != nil {
		target, err := xlog.Parse(stopPos)
		if err != nil {
			return catalog.Backup{}, fmt.Errorf("orchestrator: malformed stop position %q: %w", stopPos, err)
		}
		if err := waiter.waitFor(ctx, target); err != nil {
			_ = db.SetBackupAborted(ctx, backupID)
			return catalog.Backup{}, fmt.Errorf("orchestrator: wait for wal: %w", err)
		}
	}

	if err := db.SetBackupReady(ctx, backupID, stopPos, streamDir); err != nil {
		return catalog.Backup{}, fmt.Errorf("orchestrator: mark ready: %w", err)
	}
	return db.GetBaseBackup(ctx, backupID)
}

// walWaiter owns the background WAL streamer started on behalf of a
// wait_for_wal backup run.
type walWaiter struct {
	streamer *walstream.Streamer
	cancel   context.CancelFunc
	done     chan error
}

func startWaitForWAL(ctx context.Context, db *catalog.DB, arc *archive.Archive, cfg BackupConfig) (*walWaiter, error) {
	conn, err := pgrepl.Dial(ctx, cfg.Conn)
	if err != nil {
		return nil, err
	}
	sys, err := pgrepl.IdentifySystem(ctx, conn)
	if err != nil {
		conn.Close(ctx)
		return nil, err
	}
	segSize := uint64(cfg.WALSegmentSize)
	if segSize == 0 {
		segSize = xlog.DefaultSegmentSize
	}
	sink := walstream.NewArchiveSink(arc.LogDir(), segSize)
	streamCtx, cancel := context.WithCancel(ctx)
	s, err := walstream.New(conn, sink, walstream.Config{
		Timeline:  sys.Timeline,
		StartPos:  xlog.Pos(sys.XLogPos),
		SegSize:   segSize,
		StopToken: jobctl.CtxStopToken{Ctx: streamCtx},
	})
	if err != nil {
		cancel()
		conn.Close(ctx)
		return nil, err
	}

	w := &walWaiter{streamer: s, cancel: cancel, done: make(chan error, 1)}
	go func() {
		defer conn.Close(context.Background())
		w.done <- s.Run(streamCtx)
	}()
	return w, nil
}

// waitFor blocks until the background streamer's flush position has
// reached target, or the streamer exits (successfully or not).
func (w *walWaiter) waitFor(ctx context.Context, target xlog.Pos) error {
	ticker := time.NewTicker(waitForWALPollInterval)
	defer ticker.Stop()
	for {
		if w.streamer.FlushPosition() >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-w.done:
			if w.streamer.FlushPosition() >= target {
				return nil
			}
			return fmt.Errorf("wal streamer exited before reaching target position: %w", err)
		case <-ticker.C:
		}
	}
}

func (w *walWaiter) stop() {
	w.cancel()
	<-w.done
}

// StreamConfig configures a standalone, long-running WAL streamer
// session (the `stream run` CLI flow), independent of any base
// backup.
type StreamConfig struct {
	ArchiveID int64
	Conn      pgrepl.ConnConfig
	SlotName  string
	Role      jobctl.RoleContext
	Stop      jobctl.StopToken
}

// RunWALStream registers a stream row, runs the WAL streamer until
// the upstream ends the copy stream or the stop token trips, and
// records the stream's catalog status: streaming once the streamer is
// constructed, then shutdown or failed (with the final flush position)
// when Run returns.
func RunWALStream(ctx context.Context, db *catalog.DB, arc *archive.Archive, cfg StreamConfig) error {
	conn, err := pgrepl.Dial(ctx, cfg.Conn)
	if err != nil {
		return fmt.Errorf("orchestrator: wal stream connect: %w", err)
	}
	defer conn.Close(ctx)

	sys, err := pgrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("orchestrator: identify system: %w", err)
	}

	if err := db.RegisterProcess(ctx, catalog.Proc{
		PID: os.Getpid(), ArchiveID: cfg.ArchiveID, Type: "streaming", Started: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("orchestrator: register process: %w", err)
	}
	defer func() { _ = db.PruneProcess(context.Background(), cfg.ArchiveID, os.Getpid()) }()

	streamID, err := db.RegisterStream(ctx, catalog.Stream{
		ArchiveID: cfg.ArchiveID,
		SType:     "physical",
		SlotName:  cfg.SlotName,
		SystemID:  fmt.Sprintf("%d", sys.SystemID),
		Timeline:  uint32(sys.Timeline),
		XLogPos:   sys.XLogPos.String(),
		DBName:    sys.DBName,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: register stream: %w", err)
	}

	slog.Info("wal stream starting", "archive", cfg.ArchiveID, "slot", cfg.SlotName, "role", cfg.Role.String(), "timeline", sys.Timeline, "pos", sys.XLogPos)

	sink := walstream.NewArchiveSink(arc.LogDir(), xlog.DefaultSegmentSize)
	s, err := walstream.New(conn, sink, walstream.Config{
		SlotName:  cfg.SlotName,
		Timeline:  sys.Timeline,
		StartPos:  xlog.Pos(sys.XLogPos),
		SegSize:   xlog.DefaultSegmentSize,
		StopToken: cfg.Stop,
	})
	if err != nil {
		_ = db.SetStreamStatus(ctx, streamID, catalog.StreamFailed, "", 0)
		return err
	}

	if err := db.SetStreamStatus(ctx, streamID, catalog.StreamStreaming, "", 0); err != nil {
		return err
	}

	runErr := s.Run(ctx)
	flush := s.FlushPosition()
	status := catalog.StreamShutdown
	if runErr != nil {
		status = catalog.StreamFailed
	}
	if err := db.SetStreamStatus(ctx, streamID, status, flush.String(), uint32(sys.Timeline)); err != nil {
		return err
	}
	return runErr
}
