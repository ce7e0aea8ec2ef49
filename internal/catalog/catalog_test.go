package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := Open(path, ReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestArchive_CreateListDrop(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	id, err := db.CreateArchive(ctx, Archive{Name: "main", Directory: "/archive/main"})
	require.NoError(t, err)
	require.NotZero(t, id)

	ok, err := db.ExistsByName(ctx, "main")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := db.GetArchiveByName(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, "main", got.Name)
	require.Equal(t, "/archive/main", got.Directory)

	list, err := db.ListArchives(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, db.DropArchive(ctx, id))
	ok, err = db.ExistsByName(ctx, "main")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestArchive_DropBlockedByRunningWorker(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	archiveID, err := db.CreateArchive(ctx, Archive{Name: "main", Directory: "/archive/main"})
	require.NoError(t, err)

	require.NoError(t, db.RegisterProcess(ctx, Proc{
		PID: 1234, ArchiveID: archiveID, Type: "worker", Started: time.Now(), State: "running",
	}))

	err = db.DropArchive(ctx, archiveID)
	require.Error(t, err)
	var hintErr *LockHintError
	require.ErrorAs(t, err, &hintErr)
}

func TestBackup_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	archiveID, err := db.CreateArchive(ctx, Archive{Name: "main", Directory: "/archive/main"})
	require.NoError(t, err)

	backupID, err := db.CreateBackup(ctx, Backup{
		ArchiveID: archiveID,
		Label:     "manual backup",
		XLogPos:   "0/3000000",
		Started:   time.Now(),
		SystemID:  "6801234567890123456",
	})
	require.NoError(t, err)

	b, err := db.GetBaseBackup(ctx, backupID)
	require.NoError(t, err)
	require.Equal(t, BackupInProgress, b.Status)

	require.NoError(t, db.CreateBackupTablespace(ctx, BackupTablespace{
		BackupID: backupID, SpcOID: 0, SpcLocation: "", SpcSize: 12345,
	}))
	tss, err := db.ListBackupTablespaces(ctx, backupID)
	require.NoError(t, err)
	require.Len(t, tss, 1)

	require.NoError(t, db.SetBackupReady(ctx, backupID, "0/5000000", "000000010000000000000003"))

	b, err = db.GetBaseBackup(ctx, backupID)
	require.NoError(t, err)
	require.Equal(t, BackupReady, b.Status)
	require.Equal(t, "0/5000000", b.XLogPosEnd)

	// Monotonic transition: cannot move ready -> ready again.
	err = db.SetBackupReady(ctx, backupID, "0/6000000", "x")
	require.Error(t, err)

	require.NoError(t, db.PinBackup(ctx, backupID))
	b, err = db.GetBaseBackup(ctx, backupID)
	require.NoError(t, err)
	require.True(t, b.Pinned)

	list, err := db.GetBackupList(ctx, archiveID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestBackup_Abort(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	archiveID, err := db.CreateArchive(ctx, Archive{Name: "main", Directory: "/archive/main"})
	require.NoError(t, err)
	backupID, err := db.CreateBackup(ctx, Backup{ArchiveID: archiveID, Label: "x", Started: time.Now()})
	require.NoError(t, err)

	require.NoError(t, db.SetBackupAborted(ctx, backupID))
	b, err := db.GetBaseBackup(ctx, backupID)
	require.NoError(t, err)
	require.Equal(t, BackupAborted, b.Status)
}

func TestBackupProfile_CreateAndList(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.CreateBackupProfile(ctx, BackupProfile{
		Name:            "default",
		Compression:     "gzip",
		FastCheckpoint:  true,
		VerifyChecksums: true,
		Manifest:        true,
	})
	require.NoError(t, err)

	p, err := db.GetBackupProfile(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, "gzip", p.Compression)
	require.True(t, p.FastCheckpoint)

	list, err := db.ListBackupProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestStream_RegisterAndTransition(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	archiveID, err := db.CreateArchive(ctx, Archive{Name: "main", Directory: "/archive/main"})
	require.NoError(t, err)

	streamID, err := db.RegisterStream(ctx, Stream{
		ArchiveID: archiveID,
		SType:     "physical",
		SystemID:  "6801234567890123456",
		Timeline:  1,
		XLogPos:   "0/3000000",
	})
	require.NoError(t, err)

	s, err := db.GetStream(ctx, streamID)
	require.NoError(t, err)
	require.Equal(t, StreamIdentified, s.Status)

	require.NoError(t, db.SetStreamStatus(ctx, streamID, StreamStreaming, "0/4000000", 1))
	s, err = db.GetStream(ctx, streamID)
	require.NoError(t, err)
	require.Equal(t, StreamStreaming, s.Status)
	require.Equal(t, "0/4000000", s.XLogPos)

	list, err := db.ListStreams(ctx, archiveID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestConnection_SetAndGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	archiveID, err := db.CreateArchive(ctx, Archive{Name: "main", Directory: "/archive/main"})
	require.NoError(t, err)

	require.NoError(t, db.SetConnection(ctx, Connection{
		ArchiveID: archiveID, Type: "streaming", PGHost: "localhost", PGPort: 5432, PGUser: "replicator",
	}))

	c, err := db.GetConnection(ctx, archiveID, "streaming")
	require.NoError(t, err)
	require.Equal(t, "localhost", c.PGHost)

	// Upsert replaces, doesn't duplicate.
	require.NoError(t, db.SetConnection(ctx, Connection{
		ArchiveID: archiveID, Type: "streaming", PGHost: "otherhost", PGPort: 5432, PGUser: "replicator",
	}))
	c, err = db.GetConnection(ctx, archiveID, "streaming")
	require.NoError(t, err)
	require.Equal(t, "otherhost", c.PGHost)
}

func TestRetentionPolicy_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.CreateRetentionPolicy(ctx, RetentionPolicy{
		Name: "default",
		Rules: []RetentionRule{
			{Type: RulePin, Value: "release-*"},
			{Type: RuleKeepNewestN, Value: "5"},
			{Type: RuleDropOlderThan, Value: "30d"},
		},
	})
	require.NoError(t, err)

	p, err := db.GetRetentionPolicy(ctx, "default")
	require.NoError(t, err)
	require.Len(t, p.Rules, 3)
	require.Equal(t, RulePin, p.Rules[0].Type)
	require.Equal(t, RuleDropOlderThan, p.Rules[2].Type)

	list, err := db.ListRetentionPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestProcess_RegisterStateAndPrune(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	archiveID, err := db.CreateArchive(ctx, Archive{Name: "main", Directory: "/archive/main"})
	require.NoError(t, err)

	require.NoError(t, db.RegisterProcess(ctx, Proc{
		PID: 42, ArchiveID: archiveID, Type: "launcher", Started: time.Now(), State: "running",
	}))

	list, err := db.ListProcesses(ctx, archiveID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "running", list[0].State)

	require.NoError(t, db.SetProcessState(ctx, archiveID, 42, "stopped"))
	list, err = db.ListProcesses(ctx, archiveID)
	require.NoError(t, err)
	require.Equal(t, "stopped", list[0].State)

	require.NoError(t, db.PruneProcess(ctx, archiveID, 42))
	list, err = db.ListProcesses(ctx, archiveID)
	require.NoError(t, err)
	require.Len(t, list, 0)
}

func TestOpen_ReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	rw, err := Open(path, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro, err := Open(path, ReadOnly)
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.CreateArchive(context.Background(), Archive{Name: "x", Directory: "/x"})
	require.Error(t, err)
}
