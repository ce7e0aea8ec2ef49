package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
	"github.com/pgbckctl/pgbckctl/internal/copymgr"
	"github.com/pgbckctl/pgbckctl/internal/debug"
	"github.com/pgbckctl/pgbckctl/internal/jobctl"
	"github.com/pgbckctl/pgbckctl/internal/lock"
	"github.com/pgbckctl/pgbckctl/internal/registry"
	"github.com/pgbckctl/pgbckctl/internal/runctx"
	"github.com/pgbckctl/pgbckctl/internal/util/disk"
)

func newRestoreCmd() *cobra.Command {
	var target string
	var workers int
	var progress, keepStaging bool

	cmd := &cobra.Command{
		Use:   "restore <archive> <backup-id>",
		Short: "Materialize a base backup's tarballs into a local restore target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withSignals(cmd.Context())
			defer cancel()

			if target == "" {
				return fmt.Errorf("--target is required")
			}
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("restore target %s already exists", target)
			}

			db, err := openCatalog(catalog.ReadOnly)
			if err != nil {
				return err
			}
			defer db.Close()

			row, arc, err := resolveArchive(ctx, db, args[0])
			if err != nil {
				return err
			}

			var backupID int64
			if _, err := fmt.Sscanf(args[1], "%d", &backupID); err != nil {
				return fmt.Errorf("malformed backup id %q: %w", args[1], err)
			}
			backup, err := db.GetBaseBackup(ctx, backupID)
			if err != nil {
				return err
			}
			if backup.ArchiveID != row.ID {
				return fmt.Errorf("backup %d belongs to a different archive", backupID)
			}
			if backup.Status != catalog.BackupReady {
				return fmt.Errorf("backup %d is %s, only ready backups can be restored", backupID, backup.Status)
			}
			if backup.FSEntry == "" {
				return fmt.Errorf("backup %d has no filesystem entry recorded", backupID)
			}

			need, err := dirSize(backup.FSEntry)
			if err != nil {
				return fmt.Errorf("preflight: size %s: %w", backup.FSEntry, err)
			}
			parent := filepath.Dir(filepath.Clean(target))
			if err := disk.EnsureSpace(map[string]uint64{parent: uint64(need)}); err != nil {
				return fmt.Errorf("preflight: %w", err)
			}

			lk := lock.New(arc.Root())
			ok, err := lk.TryLock()
			if err != nil {
				return fmt.Errorf("acquire archive lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another pgbckctl process is operating on archive %s", row.Name)
			}
			defer func() { _ = lk.Unlock() }()

			reg, err := registry.Open(arc.Root() + "/.pgbckctl_registry")
			if err != nil {
				return fmt.Errorf("open worker registry: %w", err)
			}
			defer reg.Close()

			slot, err := reg.Allocate(registry.WorkerInfo{
				PID: int32(os.Getpid()), CommandType: "restore", ArchiveID: row.ID,
			})
			if err != nil {
				return err
			}
			defer func() { _ = reg.Free(slot) }()

			// Child sub-slot 0 pins the backup against retention while
			// the copy is in flight.
			if err := reg.WriteChild(slot, 0, registry.ChildInfo{
				PID: int32(os.Getpid()), BackupID: backupID,
			}); err != nil {
				return err
			}
			defer func() { _ = reg.WriteChild(slot, 0, registry.ChildInfo{}) }()

			debug.StopIf("before-restore")

			// Stage next to the target so the finishing rename never
			// crosses a filesystem; a half-finished restore is only ever
			// visible under the staging name.
			rc, err := runctx.NewAt(parent, ".pgbckctl_restore_", keepStaging)
			if err != nil {
				return fmt.Errorf("create staging directory: %w", err)
			}
			defer func() { _ = rc.Cleanup() }()

			mgr := copymgr.New(workers)
			mgr.ShowBar = progress
			mgr.StopToken = jobctl.CtxStopToken{Ctx: ctx}
			if err := mgr.Run(ctx, backup.FSEntry, rc.Dir); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return fmt.Errorf("restore interrupted before completion")
			}

			if err := os.Rename(rc.Dir, target); err != nil {
				return fmt.Errorf("finalize restore: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup %d restored to %s\n", backupID, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "directory to materialize the backup into (must not exist)")
	cmd.Flags().IntVar(&workers, "workers", 1, "parallel copy workers")
	cmd.Flags().BoolVar(&progress, "progress", false, "show a progress bar")
	cmd.Flags().BoolVar(&keepStaging, "keep-staging", false, "keep the staging directory on failure for inspection")
	return cmd
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
