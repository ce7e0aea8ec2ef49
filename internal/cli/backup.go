package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
	"github.com/pgbckctl/pgbckctl/internal/debug"
	"github.com/pgbckctl/pgbckctl/internal/jobctl"
	"github.com/pgbckctl/pgbckctl/internal/lock"
	"github.com/pgbckctl/pgbckctl/internal/orchestrator"
	"github.com/pgbckctl/pgbckctl/internal/pgrepl"
	"github.com/pgbckctl/pgbckctl/internal/registry"
	"github.com/pgbckctl/pgbckctl/internal/util/disk"
)

// minBaseBackupFreeBytes is a conservative preflight floor.
// internal/util/disk.EnsureSpace was written to guard an rsync'd PGDATA
// clone against a full disk mid-copy; BASE_BACKUP has no way to know the
// primary's data size up front, so this only catches the degenerate case
// of starting a backup against an already-full archive volume.
const minBaseBackupFreeBytes = 64 * 1024 * 1024

// connFlags are the discrete connection fields shared by `backup run`
// and `stream run`, falling back to a registered connections row when
// left unset.
type connFlags struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

func addConnFlags(cmd *cobra.Command, cf *connFlags) {
	cmd.Flags().StringVar(&cf.Host, "pghost", "", "primary host (falls back to the archive's registered connection)")
	cmd.Flags().IntVar(&cf.Port, "pgport", 0, "primary port")
	cmd.Flags().StringVar(&cf.User, "pguser", "", "replication user")
	cmd.Flags().StringVar(&cf.Password, "pgpassword", "", "replication password")
	cmd.Flags().StringVar(&cf.Database, "pgdatabase", "", "database name (replication slots are database-scoped since PG 16)")
}

// resolveConn merges explicit flags over a registered connection row,
// so a one-off flag overrides the archive's saved defaults.
func resolveConn(ctx context.Context, db *catalog.DB, archiveID int64, ctype string, cf connFlags) pgrepl.ConnConfig {
	saved, _ := db.GetConnection(ctx, archiveID, ctype)
	cfg := pgrepl.ConnConfig{
		Host: saved.PGHost, Port: saved.PGPort, User: saved.PGUser, Database: saved.PGDatabase,
	}
	if cf.Host != "" {
		cfg.Host = cf.Host
	}
	if cf.Port != 0 {
		cfg.Port = cf.Port
	}
	if cf.User != "" {
		cfg.User = cf.User
	}
	if cf.Database != "" {
		cfg.Database = cf.Database
	}
	if cf.Password != "" {
		cfg.Password = cf.Password
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	return cfg
}

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Drive and inspect base backups",
	}
	cmd.AddCommand(newBackupRunCmd())
	cmd.AddCommand(newBackupListCmd())
	cmd.AddCommand(newBackupPinCmd(true))
	cmd.AddCommand(newBackupPinCmd(false))
	return cmd
}

func newBackupRunCmd() *cobra.Command {
	var cf connFlags
	var profileName, label string

	cmd := &cobra.Command{
		Use:   "run <archive>",
		Short: "Drive one BASE_BACKUP into the named archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withSignals(cmd.Context())
			defer cancel()
			jobctl.KillChildrenOnCancel(ctx, 3*time.Second)

			db, err := openCatalog(catalog.ReadWrite)
			if err != nil {
				return err
			}
			defer db.Close()

			row, arc, err := resolveArchive(ctx, db, args[0])
			if err != nil {
				return err
			}

			profile := defaultProfile()
			if profileName != "" {
				profile, err = db.GetBackupProfile(ctx, profileName)
				if err != nil {
					return err
				}
			}

			if err := disk.EnsureSpace(map[string]uint64{arc.BaseDir(): minBaseBackupFreeBytes}); err != nil {
				return fmt.Errorf("preflight: %w", err)
			}

			conn := resolveConn(ctx, db, row.ID, "basebackup", cf)
			info, err := pgrepl.Preflight(ctx, conn)
			if err != nil {
				return err
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

			debug.StopIf("before-backup")

			cfg := orchestrator.BackupConfig{
				ArchiveID:      row.ID,
				Conn:           conn,
				Profile:        profile,
				Label:          label,
				Role:           jobctl.RoleWorker,
				Stop:           jobctl.CtxStopToken{Ctx: ctx},
				WALSegmentSize: info.WALSegmentSize,
				PGVersionNum:   info.VersionNum,
			}
			backup, err := orchestrator.RunBaseBackup(ctx, db, arc, reg, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup %d %s (label=%s, xlogpos=%s..%s)\n",
				backup.ID, backup.Status, backup.Label, backup.XLogPos, backup.XLogPosEnd)
			return nil
		},
	}
	addConnFlags(cmd, &cf)
	cmd.Flags().StringVar(&profileName, "profile", "", "named backup profile to use (default: built-in defaults)")
	cmd.Flags().StringVar(&label, "label", "", "backup label (overrides the profile's label template)")
	return cmd
}

func defaultProfile() catalog.BackupProfile {
	return catalog.BackupProfile{
		Name:              "default",
		Compression:       "none",
		VerifyChecksums:   true,
		Manifest:          true,
		ManifestChecksums: "sha256",
	}
}

func newBackupListCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "list <archive>",
		Short: "LIST BASEBACKUPS IN ARCHIVE <name> [VERBOSE]",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadOnly)
			if err != nil {
				return err
			}
			defer db.Close()

			row, _, err := resolveArchive(ctx, db, args[0])
			if err != nil {
				return err
			}
			backups, err := db.GetBackupList(ctx, row.ID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, b := range backups {
				pinned := ""
				if b.Pinned {
					pinned = " pinned"
				}
				fmt.Fprintf(w, "%-6d %-10s %-20s %s..%s%s\n", b.ID, b.Status, b.Label, b.XLogPos, b.XLogPosEnd, pinned)
				if verbose {
					fmt.Fprintf(w, "       started=%s stopped=%s timeline=%d segsize=%d profile=%s\n",
						b.Started.Format("2006-01-02T15:04:05Z"), b.Stopped.Format("2006-01-02T15:04:05Z"),
						b.Timeline, b.WALSegmentSize, b.UsedProfile)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "include timing and segment-size detail")
	return cmd
}

func newBackupPinCmd(pin bool) *cobra.Command {
	use, short := "pin <archive> <backup-id>", "Pin a backup, exempting it from retention"
	if !pin {
		use, short = "unpin <archive> <backup-id>", "Unpin a previously pinned backup"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadWrite)
			if err != nil {
				return err
			}
			defer db.Close()

			var id int64
			if _, err := fmt.Sscanf(args[1], "%d", &id); err != nil {
				return fmt.Errorf("malformed backup id %q: %w", args[1], err)
			}
			if pin {
				err = db.PinBackup(ctx, id)
			} else {
				err = db.UnpinBackup(ctx, id)
			}
			return err
		},
	}
}
