package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
)

func newConnectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connection",
		Short: "Manage an archive's saved source-connection settings",
	}
	cmd.AddCommand(newConnectionSetCmd())
	cmd.AddCommand(newConnectionListCmd())
	return cmd
}

func newConnectionSetCmd() *cobra.Command {
	var ctype, host, user, database string
	var port int

	cmd := &cobra.Command{
		Use:   "set <archive>",
		Short: "Register the connection settings an archive uses to reach its source",
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
			return db.SetConnection(ctx, catalog.Connection{
				ArchiveID: row.ID, Type: ctype, PGHost: host, PGPort: port, PGUser: user, PGDatabase: database,
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&ctype, "type", "basebackup", "connection type: basebackup|streaming")
	f.StringVar(&host, "pghost", "", "primary host")
	f.IntVar(&port, "pgport", 5432, "primary port")
	f.StringVar(&user, "pguser", "", "replication user")
	f.StringVar(&database, "pgdatabase", "", "database name")
	return cmd
}

func newConnectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <archive>",
		Short: "LIST CONNECTION FOR ARCHIVE <name>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadOnly)
			if err != nil {
				return err
			}
			defer db.Close()

			row, err := db.GetArchiveByName(ctx, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, ctype := range []string{"basebackup", "streaming"} {
				c, err := db.GetConnection(ctx, row.ID, ctype)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%-12s %s@%s:%d/%s\n", c.Type, c.PGUser, c.PGHost, c.PGPort, c.PGDatabase)
			}
			return nil
		},
	}
}
