package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
	"github.com/pgbckctl/pgbckctl/internal/replproto"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve <archive>",
		Short: "Serve the replication protocol surface (IDENTIFY_SYSTEM, LIST_BASEBACKUPS, TIMELINE_HISTORY) for one archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withSignals(cmd.Context())
			defer cancel()

			db, err := openCatalog(catalog.ReadOnly)
			if err != nil {
				return err
			}
			defer db.Close()

			row, err := db.GetArchiveByName(context.Background(), args[0])
			if err != nil {
				return err
			}
			return replproto.ListenAndServe(ctx, addr, db, row.ID)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5433", "TCP address to listen on")
	return cmd
}
