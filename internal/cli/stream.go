package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
	"github.com/pgbckctl/pgbckctl/internal/jobctl"
	"github.com/pgbckctl/pgbckctl/internal/orchestrator"
)

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Run a standalone WAL streaming session",
	}
	cmd.AddCommand(newStreamRunCmd())
	return cmd
}

func newStreamRunCmd() *cobra.Command {
	var cf connFlags
	var slot string

	cmd := &cobra.Command{
		Use:   "run <archive>",
		Short: "START_REPLICATION: stream WAL into the archive until stopped or the upstream ends the stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withSignals(cmd.Context())
			defer cancel()

			db, err := openCatalog(catalog.ReadWrite)
			if err != nil {
				return err
			}
			defer db.Close()

			row, arc, err := resolveArchive(ctx, db, args[0])
			if err != nil {
				return err
			}

			cfg := orchestrator.StreamConfig{
				ArchiveID: row.ID,
				Conn:      resolveConn(ctx, db, row.ID, "streaming", cf),
				SlotName:  slot,
				Role:      jobctl.RoleWorker,
				Stop:      jobctl.CtxStopToken{Ctx: ctx},
			}
			if err := orchestrator.RunWALStream(ctx, db, arc, cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wal stream ended")
			return nil
		},
	}
	addConnFlags(cmd, &cf)
	cmd.Flags().StringVar(&slot, "slot", "", "physical replication slot name (optional)")
	return cmd
}
