// Package cli implements the archive/backup/retention/stream command
// surface: a thin cobra command tree that drives the core subsystems
// (internal/catalog, internal/archive, internal/orchestrator,
// internal/retention, internal/replproto) and prints their results.
// One file per command family; flag parsing and dispatch only, the
// real work lives in the packages each RunE wires together.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pgbckctl/pgbckctl/internal/archive"
	"github.com/pgbckctl/pgbckctl/internal/catalog"
	"github.com/pgbckctl/pgbckctl/internal/log"
	"github.com/pgbckctl/pgbckctl/internal/util/signalctx"
)

// globalFlags holds the flags every subcommand shares;
// subcommand-local flags bind into locals inside each new*Cmd
// constructor.
type globalFlags struct {
	CatalogPath string
	Debug       bool
	Verbose     bool
}

var gf = &globalFlags{}

// RootCmd is the main entry point invoked from cmd/pgbckctl.
var RootCmd = &cobra.Command{
	Use:           "pgbckctl",
	Short:         "PostgreSQL physical backup and archiving engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Setup(gf.Debug, gf.Verbose)
	},
}

// Execute parses flags and runs the selected subcommand, logging any
// resulting error through the configured slog logger before returning
// it so main can still set the process exit code.
func Execute() error {
	ran, err := RootCmd.ExecuteC()
	if err != nil {
		logCommandError(ran, err)
	}
	return err
}

func init() {
	home, _ := os.UserHomeDir()
	defaultCatalog := filepath.Join(home, ".pgbckctl", "catalog.sqlite")

	f := RootCmd.PersistentFlags()
	f.StringVar(&gf.CatalogPath, "catalog", defaultCatalog, "path to the pgbckctl catalog database")
	f.BoolVar(&gf.Debug, "debug", false, "enable debug trace output")
	f.BoolVar(&gf.Verbose, "verbose", false, "verbose output")

	RootCmd.AddCommand(newArchiveCmd())
	RootCmd.AddCommand(newBackupCmd())
	RootCmd.AddCommand(newProfileCmd())
	RootCmd.AddCommand(newConnectionCmd())
	RootCmd.AddCommand(newRetentionCmd())
	RootCmd.AddCommand(newRestoreCmd())
	RootCmd.AddCommand(newStreamCmd())
	RootCmd.AddCommand(newServeCmd())
}

// openCatalog opens the shared catalog database, creating its parent
// directory first since it commonly lives under $HOME/.pgbckctl which
// may not exist yet.
func openCatalog(mode catalog.Mode) (*catalog.DB, error) {
	if mode == catalog.ReadWrite {
		if err := os.MkdirAll(filepath.Dir(gf.CatalogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}
	db, err := catalog.Open(gf.CatalogPath, mode)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", gf.CatalogPath, err)
	}
	return db, nil
}

// resolveArchive looks up an archive by name and returns both its
// catalog row and an internal/archive.Archive filesystem handle bound
// to its registered directory.
func resolveArchive(ctx context.Context, db *catalog.DB, name string) (catalog.Archive, *archive.Archive, error) {
	row, err := db.GetArchiveByName(ctx, name)
	if err != nil {
		return catalog.Archive{}, nil, err
	}
	return row, archive.New(row.Name, row.Directory, row.Compression), nil
}

// withSignals wires SIGINT/SIGTERM cancellation into ctx, the
// cooperative-stop contract that backup run, stream run and restore
// poll via internal/jobctl.CtxStopToken and serve watches directly.
func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	c, cancel, _ := signalctx.WithSignals(ctx)
	return c, cancel
}

func logCommandError(cmd *cobra.Command, err error) {
	if err == nil {
		return
	}
	slog.Error(cmd.Name(), "err", err)
}
