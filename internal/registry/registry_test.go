package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workers.shm")
	r, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistry_AllocateReadFree(t *testing.T) {
	r := openTestRegistry(t)
	require.True(t, r.IsEmpty())

	info := WorkerInfo{PID: 4242, CommandType: "base-backup", ArchiveID: 7, Started: time.Unix(1700000000, 0)}
	slot, err := r.Allocate(info)
	require.NoError(t, err)
	require.GreaterOrEqual(t, slot, 0)
	require.False(t, r.IsEmpty())

	got, err := r.Read(slot)
	require.NoError(t, err)
	require.Equal(t, info.PID, got.PID)
	require.Equal(t, info.CommandType, got.CommandType)
	require.Equal(t, info.ArchiveID, got.ArchiveID)
	require.Equal(t, info.Started.Unix(), got.Started.Unix())

	require.NoError(t, r.Free(slot))
	require.True(t, r.IsEmpty())
}

func TestRegistry_ChildSlots(t *testing.T) {
	r := openTestRegistry(t)
	slot, err := r.Allocate(WorkerInfo{PID: 100, CommandType: "stream"})
	require.NoError(t, err)

	child := ChildInfo{PID: 101, BackupID: 9, BytesCopied: 4096, FilesCopied: 3}
	require.NoError(t, r.WriteChild(slot, 2, child))

	got, err := r.ReadChild(slot, 2)
	require.NoError(t, err)
	require.Equal(t, child, got)

	other, err := r.ReadChild(slot, 0)
	require.NoError(t, err)
	require.Equal(t, int32(0), other.PID)
}

func TestRegistry_AllocateFillsUpThenFails(t *testing.T) {
	r := openTestRegistry(t)
	for i := 0; i < MaxWorkers; i++ {
		_, err := r.Allocate(WorkerInfo{PID: int32(1000 + i)})
		require.NoError(t, err)
	}
	_, err := r.Allocate(WorkerInfo{PID: 9999})
	require.Error(t, err)
}

func TestRegistry_LauncherPID(t *testing.T) {
	r := openTestRegistry(t)
	require.Equal(t, int32(0), r.LauncherPID())
	require.NoError(t, r.SetLauncherPID(555))
	require.Equal(t, int32(555), r.LauncherPID())
}

func TestRegistry_ReopenSeesPriorState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.shm")
	r1, err := Open(path)
	require.NoError(t, err)
	slot, err := r1.Allocate(WorkerInfo{PID: 321, CommandType: "retain"})
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	r2, err := Open(path)
	require.NoError(t, err)
	defer r2.Close()

	got, err := r2.Read(slot)
	require.NoError(t, err)
	require.Equal(t, int32(321), got.PID)
}

func TestRegistry_ReapClearsDeadPID(t *testing.T) {
	r := openTestRegistry(t)
	// os.Getpid's own pid is alive, a pid far beyond any real process
	// table on a test runner will not be.
	deadPID := int32(1 << 30)
	slot, err := r.Allocate(WorkerInfo{PID: deadPID})
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.Reap(stop, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := r.Read(slot)
		return err == nil && got.PID == 0
	}, time.Second, 5*time.Millisecond)

	close(stop)
	<-done
}

func TestRegistry_AlivePIDSurvivesReap(t *testing.T) {
	r := openTestRegistry(t)
	slot, err := r.Allocate(WorkerInfo{PID: int32(os.Getpid())})
	require.NoError(t, err)

	stop := make(chan struct{})
	go r.Reap(stop, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	close(stop)

	got, err := r.Read(slot)
	require.NoError(t, err)
	require.Equal(t, int32(os.Getpid()), got.PID)
}
