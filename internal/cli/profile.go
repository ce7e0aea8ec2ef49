package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage backup profiles",
	}
	cmd.AddCommand(newProfileCreateCmd())
	cmd.AddCommand(newProfileListCmd())
	return cmd
}

func newProfileCreateCmd() *cobra.Command {
	p := catalog.BackupProfile{Compression: "none", ManifestChecksums: "sha256", VerifyChecksums: true, Manifest: true}

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "CREATE BACKUP PROFILE <name>: define a bundle of BASE_BACKUP options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Name = args[0]
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadWrite)
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := db.CreateBackupProfile(ctx, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup profile %q created (id=%d)\n", p.Name, id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Compression, "compression", "none", "compression kind: none|gzip")
	f.Int64Var(&p.MaxRate, "max-rate", 0, "max rate in KB/s (0 = unlimited)")
	f.StringVar(&p.LabelTemplate, "label-template", "", "label template for backups using this profile")
	f.BoolVar(&p.FastCheckpoint, "fast-checkpoint", false, "request an immediate checkpoint")
	f.BoolVar(&p.IncludeWAL, "include-wal", false, "include required WAL in the backup stream")
	f.BoolVar(&p.WaitForWAL, "wait-for-wal", false, "do not mark the backup ready until a streamer's flush position reaches its stop LSN")
	f.BoolVar(&p.VerifyChecksums, "verify-checksums", true, "verify page checksums during the backup")
	f.BoolVar(&p.Manifest, "manifest", true, "request a backup_manifest")
	f.StringVar(&p.ManifestChecksums, "manifest-checksums", "sha256", "manifest checksum algorithm")
	return cmd
}

func newProfileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "LIST BACKUP PROFILE: list every configured profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadOnly)
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := db.ListBackupProfiles(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, p := range list {
				fmt.Fprintf(w, "%-20s compression=%-6s max-rate=%-8d wait-for-wal=%v manifest=%v\n",
					p.Name, p.Compression, p.MaxRate, p.WaitForWAL, p.Manifest)
			}
			return nil
		},
	}
}
