package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgbckctl/pgbckctl/internal/xlog"
)

const segSize = 16 * 1024 * 1024

// TestSegment_Rollover covers segment rollover: three `w` messages at
// pos=0 (8MiB of 0xAA), pos=8MiB (8MiB of 0xBB), pos=16MiB (4KiB of
// 0xCC), against a 16MiB segment size.
func TestSegment_Rollover(t *testing.T) {
	dir := t.TempDir()

	seg, err := archiveOpenAt(t, dir, 0)
	require.NoError(t, err)

	writeChunk(t, seg, 8*1024*1024, 0xAA)
	writeChunk(t, seg, 8*1024*1024, 0xBB)
	require.True(t, seg.Full())
	require.NoError(t, seg.Finalize())

	seg2, err := archiveOpenAt(t, dir, segSize)
	require.NoError(t, err)
	writeChunk(t, seg2, 4*1024, 0xCC)
	require.False(t, seg2.Full())
	require.NoError(t, seg2.Close())

	finalName := filepath.Join(dir, "000000010000000000000000")
	info, err := os.Stat(finalName)
	require.NoError(t, err)
	require.EqualValues(t, segSize, info.Size())

	data, err := os.ReadFile(finalName)
	require.NoError(t, err)
	for i := 0; i < 8*1024*1024; i++ {
		require.Equal(t, byte(0xAA), data[i])
	}
	for i := 8 * 1024 * 1024; i < segSize; i++ {
		require.Equal(t, byte(0xBB), data[i])
	}

	partialName := filepath.Join(dir, "000000010000000000000001.partial")
	info2, err := os.Stat(partialName)
	require.NoError(t, err)
	require.EqualValues(t, 4*1024, info2.Size())

	pdata, err := os.ReadFile(partialName)
	require.NoError(t, err)
	for _, b := range pdata {
		require.Equal(t, byte(0xCC), b)
	}
}

func archiveOpenAt(t *testing.T, dir string, pos uint64) (*Segment, error) {
	t.Helper()
	return OpenSegment(dir, 1, xlog.Pos(pos), segSize)
}

func writeChunk(t *testing.T, seg *Segment, n int, b byte) {
	t.Helper()
	chunk := make([]byte, n)
	for i := range chunk {
		chunk[i] = b
	}
	require.NoError(t, seg.Write(chunk))
}
