package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgbckctl/pgbckctl/internal/archive"
	"github.com/pgbckctl/pgbckctl/internal/catalog"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Manage registered archives",
	}
	cmd.AddCommand(newArchiveCreateCmd())
	cmd.AddCommand(newArchiveDropCmd())
	cmd.AddCommand(newArchiveListCmd())
	return cmd
}

func newArchiveCreateCmd() *cobra.Command {
	var directory string
	var compression bool

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "CREATE ARCHIVE: register a new archive root directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if directory == "" {
				return fmt.Errorf("archive create: --directory is required")
			}
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadWrite)
			if err != nil {
				return err
			}
			defer db.Close()

			exists, err := db.ExistsByName(ctx, args[0])
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("archive %q already exists", args[0])
			}

			arc := archive.New(args[0], directory, compression)
			if err := arc.Init(); err != nil {
				return fmt.Errorf("initialize archive directory: %w", err)
			}

			id, err := db.CreateArchive(ctx, catalog.Archive{
				Name: args[0], Directory: directory, Compression: compression,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archive %q created (id=%d, directory=%s)\n", args[0], id, directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&directory, "directory", "", "absolute path of the archive root (required)")
	cmd.Flags().BoolVar(&compression, "compression", false, "default compression for new base backups")
	return cmd
}

func newArchiveDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <name>",
		Short: "DROP ARCHIVE: unregister an archive, refusing while a worker is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadWrite)
			if err != nil {
				return err
			}
			defer db.Close()

			row, err := db.GetArchiveByName(ctx, args[0])
			if err != nil {
				return err
			}
			if err := db.DropArchive(ctx, row.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archive %q dropped\n", args[0])
			return nil
		},
	}
}

func newArchiveListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "LIST ARCHIVE: list every registered archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadOnly)
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := db.ListArchives(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, a := range list {
				fmt.Fprintf(w, "%-6d %-20s %-40s compression=%v\n", a.ID, a.Name, a.Directory, a.Compression)
			}
			return nil
		},
	}
}
