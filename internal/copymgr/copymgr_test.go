package copymgr

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func sha(t *testing.T, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return sha256.Sum256(data)
}

func TestManager_CopiesTreeByteIdentical(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	writeTestFile(t, filepath.Join(src, "base", "small.dat"), 100)
	writeTestFile(t, filepath.Join(src, "base", "block.dat"), blockSize+17)
	writeTestFile(t, filepath.Join(src, "base", "subdir", "nested.dat"), 4096)
	writeTestFile(t, filepath.Join(src, "log", "seg"), 2*blockSize)

	m := New(3)
	require.NoError(t, m.Run(context.Background(), src, dst))

	for _, rel := range []string{
		filepath.Join("base", "small.dat"),
		filepath.Join("base", "block.dat"),
		filepath.Join("base", "subdir", "nested.dat"),
		filepath.Join("log", "seg"),
	} {
		require.Equal(t, sha(t, filepath.Join(src, rel)), sha(t, filepath.Join(dst, rel)), rel)
	}
}

func TestManager_MissingTargetFails(t *testing.T) {
	src := t.TempDir()
	writeTestFile(t, filepath.Join(src, "f"), 10)

	m := New(1)
	err := m.Run(context.Background(), src, filepath.Join(src, "does-not-exist"))
	require.Error(t, err)
}

type stoppedToken struct{}

func (stoppedToken) Stopped() bool { return true }

func TestManager_StopTokenAbandonsWork(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	for i := 0; i < 5; i++ {
		writeTestFile(t, filepath.Join(src, "f", string(rune('a'+i))), 10)
	}

	m := New(2)
	m.StopToken = stoppedToken{}
	err := m.Run(context.Background(), src, dst)
	require.NoError(t, err)
}

// TestManager_NoTwoWorkersShareASlot instruments the per-file copy
// function to track which ops slots are held in flight: a slot must
// never be observed held by two workers at once, from the moment the
// worker claims it off the pending queue until it is pushed back onto
// the free stack.
func TestManager_NoTwoWorkersShareASlot(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	for i := 0; i < 200; i++ {
		writeTestFile(t, filepath.Join(src, fmt.Sprintf("f%03d", i)), 64)
	}

	m := New(8)
	var (
		trackMu  sync.Mutex
		inFlight = map[int]string{}
		maxHeld  int
	)
	m.copyFile = func(slot int, item copyItem) error {
		trackMu.Lock()
		if holder, clash := inFlight[slot]; clash {
			trackMu.Unlock()
			t.Errorf("slot %d already held for %s while copying %s", slot, holder, item.src)
			return nil
		}
		inFlight[slot] = item.src
		if len(inFlight) > maxHeld {
			maxHeld = len(inFlight)
		}
		trackMu.Unlock()

		// Hold the slot long enough for the other workers to be
		// scheduled with theirs.
		time.Sleep(time.Millisecond)

		trackMu.Lock()
		delete(inFlight, slot)
		trackMu.Unlock()
		return os.WriteFile(item.dst, []byte("x"), 0o644)
	}

	require.NoError(t, m.Run(context.Background(), src, dst))
	require.Empty(t, inFlight)
	require.Greater(t, maxHeld, 1, "harness never overlapped workers; exclusivity was not exercised")
}

func TestManager_DefaultWorkerCount(t *testing.T) {
	m := New(0)
	require.Equal(t, 1, m.Workers)

	m2 := New(MaxParallelCopyInstances + 10)
	require.Equal(t, MaxParallelCopyInstances, m2.Workers)
}
