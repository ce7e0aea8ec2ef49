package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
)

// run executes the root command with args against a fresh buffer and
// returns its combined stdout.
func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	require.NoError(t, err, out.String())
	return out.String()
}

func withCatalog(t *testing.T) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	return []string{"--catalog", path}
}

func TestArchiveLifecycle(t *testing.T) {
	cat := withCatalog(t)
	archiveDir := filepath.Join(t.TempDir(), "main")

	run(t, append(cat, "archive", "create", "main", "--directory", archiveDir)...)

	out := run(t, append(cat, "archive", "list")...)
	require.Contains(t, out, "main")
	require.Contains(t, out, archiveDir)

	run(t, append(cat, "archive", "drop", "main")...)
	out = run(t, append(cat, "archive", "list")...)
	require.NotContains(t, out, "main")
}

func TestArchiveCreateRefusesDuplicateName(t *testing.T) {
	cat := withCatalog(t)
	archiveDir := filepath.Join(t.TempDir(), "main")
	run(t, append(cat, "archive", "create", "main", "--directory", archiveDir)...)

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(append(cat, "archive", "create", "main", "--directory", archiveDir))
	err := RootCmd.Execute()
	require.Error(t, err)
}

func TestBackupProfileLifecycle(t *testing.T) {
	cat := withCatalog(t)
	run(t, append(cat, "profile", "create", "nightly", "--compression", "gzip", "--max-rate", "1024")...)

	out := run(t, append(cat, "profile", "list")...)
	require.Contains(t, out, "nightly")
	require.Contains(t, out, "compression=gzip")
}

func TestRetentionPolicyLifecycle(t *testing.T) {
	cat := withCatalog(t)
	run(t, append(cat, "retention", "create", "daily",
		"--rule", "keep-newest-n=5", "--rule", "pin=^weekly-.*")...)

	out := run(t, append(cat, "retention", "list")...)
	require.Contains(t, out, "daily")

	out = run(t, append(cat, "retention", "show", "daily")...)
	require.Contains(t, out, "keep-newest-n=5")
	require.Contains(t, out, "pin=^weekly-.*")
}

// TestRestoreBackup exercises the restore flow without a live
// primary: the backup row and its tarball directory are seeded
// directly, then the CLI materializes them into a fresh target.
func TestRestoreBackup(t *testing.T) {
	cat := withCatalog(t)
	archiveDir := filepath.Join(t.TempDir(), "main")
	run(t, append(cat, "archive", "create", "main", "--directory", archiveDir)...)

	// Seed a ready backup whose fsentry holds two fake tarballs.
	fsEntry := filepath.Join(archiveDir, "base", "streambackup-20260101120000")
	require.NoError(t, os.MkdirAll(fsEntry, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fsEntry, "base.tar"), bytes.Repeat([]byte{0xAB}, 4096), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(fsEntry, "16385.tar"), bytes.Repeat([]byte{0xCD}, 2048), 0o644))

	ctx := context.Background()
	db, err := catalog.Open(cat[1], catalog.ReadWrite)
	require.NoError(t, err)
	row, err := db.GetArchiveByName(ctx, "main")
	require.NoError(t, err)
	backupID, err := db.CreateBackup(ctx, catalog.Backup{
		ArchiveID: row.ID, Label: "seeded", XLogPos: "0/1000000", Timeline: 1,
		Started: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, db.SetBackupReady(ctx, backupID, "0/2000000", fsEntry))
	require.NoError(t, db.Close())

	target := filepath.Join(t.TempDir(), "restored")
	idArg := strconv.FormatInt(backupID, 10)
	out := run(t, append(cat, "restore", "main", idArg, "--target", target, "--workers", "2")...)
	require.Contains(t, out, "restored to")

	data, err := os.ReadFile(filepath.Join(target, "base.tar"))
	require.NoError(t, err)
	require.Len(t, data, 4096)
	data, err = os.ReadFile(filepath.Join(target, "16385.tar"))
	require.NoError(t, err)
	require.Len(t, data, 2048)

	// A second restore into the same target must refuse.
	var buf bytes.Buffer
	RootCmd.SetOut(&buf)
	RootCmd.SetErr(&buf)
	RootCmd.SetArgs(append(cat, "restore", "main", idArg, "--target", target))
	require.Error(t, RootCmd.Execute())
}

func TestConnectionSetAndList(t *testing.T) {
	cat := withCatalog(t)
	archiveDir := filepath.Join(t.TempDir(), "main")
	run(t, append(cat, "archive", "create", "main", "--directory", archiveDir)...)
	run(t, append(cat, "connection", "set", "main", "--type", "basebackup",
		"--pghost", "10.0.0.1", "--pgport", "5432", "--pguser", "replicator")...)

	out := run(t, append(cat, "connection", "list", "main")...)
	require.Contains(t, out, "replicator@10.0.0.1:5432")
}
