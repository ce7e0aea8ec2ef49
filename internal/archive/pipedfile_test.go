package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPipedFile_WriteBridgesStdin spawns a child whose stdin is the
// handle's write path and verifies the bytes written through the
// handle land in the file the child produces.
func TestPipedFile_WriteBridgesStdin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.dat")
	f, err := Open(path, WriteOnly, Options{Piped: &PipeSpec{
		Command: "sh", Args: []string{"-c", "cat > " + path},
	}})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xA5}, 8192)
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// TestPipedFile_ReadBridgesStdout spawns a child whose stdout is the
// handle's read path and verifies a byte-identical round trip.
func TestPipedFile_ReadBridgesStdout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.dat")
	payload := bytes.Repeat([]byte{0x5A}, 4096)
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	f, err := Open(path, ReadOnly, Options{Piped: &PipeSpec{
		Command: "cat", Args: []string{path},
	}})
	require.NoError(t, err)

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NoError(t, f.Close())
}

// TestPipedFile_UnsupportedOperations covers the capability contract:
// rename and lseek have no meaning on a pipe.
func TestPipedFile_UnsupportedOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.dat")
	f, err := Open(path, WriteOnly, Options{Piped: &PipeSpec{
		Command: "sh", Args: []string{"-c", "cat > " + path},
	}})
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Lseek(0, io.SeekStart)
	require.Error(t, err)
	require.Error(t, f.Rename(path+".renamed"))
	_, err = f.Position()
	require.Error(t, err)
}
