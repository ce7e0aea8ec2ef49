// Command pgbckctl is the archive/backup/retention/stream CLI entry
// point. It is a thin wrapper around internal/cli: parse flags, run,
// set the process exit code.
package main

import (
	"fmt"
	"os"

	"github.com/pgbckctl/pgbckctl/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
