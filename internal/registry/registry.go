// Package registry implements the named, cross-process Worker
// Registry: a shared-memory table of active workers and their child
// sub-slots, backed by an mmap'd file so unrelated processes
// (the launcher and its workers) observe the same
// state without a network round-trip. Cross-process mutual exclusion
// uses a flock-backed advisory lock beside the region, since POSIX
// process-shared pthread mutexes have no Go-idiomatic equivalent.
package registry

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// Layout constants: one launcher-pid slot, then
// MaxWorkers worker slots, each with MaxWorkerChilds child sub-slots.
const (
	MaxWorkers      = 64
	MaxWorkerChilds = 16

	workerInfoSize = 64
	childInfoSize  = 48

	launcherSlotSize = 16
	headerSize       = 32
)

func workerSlotSize() int64 { return int64(workerInfoSize + MaxWorkerChilds*childInfoSize) }

func regionSize() int64 {
	return int64(headerSize) + launcherSlotSize + int64(MaxWorkers)*workerSlotSize()
}

const registryMagic uint32 = 0x70676272 // "pgbr"

// WorkerInfo is one worker slot's payload.
type WorkerInfo struct {
	PID         int32
	CommandType string // truncated/padded to 16 bytes on the wire
	ArchiveID   int64
	Started     time.Time
}

// ChildInfo is one child sub-slot's payload.
type ChildInfo struct {
	PID         int32
	BackupID    int64
	BytesCopied int64
	FilesCopied int64
}

// Registry is a handle onto one archive's shared-memory region.
type Registry struct {
	path string
	f    *os.File
	mu   *flock.Flock
	data []byte
}

// Open maps (creating if needed) the shared-memory region at path.
func Open(path string) (*Registry, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("registry: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := f.Truncate(regionSize()); err != nil {
			f.Close()
			return nil, fmt.Errorf("registry: truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(regionSize()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("registry: mmap %s: %w", path, err)
	}

	r := &Registry{path: path, f: f, data: data, mu: flock.New(path + ".lock")}
	if binary.BigEndian.Uint32(data[0:4]) != registryMagic {
		if err := r.withLock(func() error {
			binary.BigEndian.PutUint32(r.data[0:4], registryMagic)
			return nil
		}); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Close unmaps the region and closes the backing file.
func (r *Registry) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		r.f.Close()
		return fmt.Errorf("registry: munmap: %w", err)
	}
	return r.f.Close()
}

func (r *Registry) withLock(fn func() error) error {
	if err := r.mu.Lock(); err != nil {
		return fmt.Errorf("registry: lock: %w", err)
	}
	defer r.mu.Unlock()
	return fn()
}

// SetLauncherPID records the launcher's own pid in the fixed launcher
// slot, under the registry mutex.
func (r *Registry) SetLauncherPID(pid int32) error {
	return r.withLock(func() error {
		binary.BigEndian.PutUint32(r.data[headerSize:headerSize+4], uint32(pid))
		return nil
	})
}

// LauncherPID returns the recorded launcher pid, or 0 if unset.
func (r *Registry) LauncherPID() int32 {
	return int32(binary.BigEndian.Uint32(r.data[headerSize : headerSize+4]))
}

func (r *Registry) workerOffset(slot int) int64 {
	return int64(headerSize) + launcherSlotSize + int64(slot)*workerSlotSize()
}

// GetFreeIndex returns the index of the first slot whose pid is 0, or
// -1 if the registry is full. Must be called under the mutex by
// convention (Allocate does so internally); exposed for read-only
// inspection by callers that already hold the lock.
func (r *Registry) GetFreeIndex() int {
	for i := 0; i < MaxWorkers; i++ {
		off := r.workerOffset(i)
		if binary.BigEndian.Uint32(r.data[off:off+4]) == 0 {
			return i
		}
	}
	return -1
}

// Allocate finds a free worker slot, writes info into it, and returns
// the slot index.
func (r *Registry) Allocate(info WorkerInfo) (int, error) {
	var slot int
	err := r.withLock(func() error {
		slot = r.GetFreeIndex()
		if slot < 0 {
			return fmt.Errorf("registry: no free worker slot (max %d)", MaxWorkers)
		}
		r.writeWorkerLocked(slot, info)
		return nil
	})
	if err != nil {
		return -1, err
	}
	return slot, nil
}

// Free zeroes a worker slot's pid, marking it reusable.
func (r *Registry) Free(slot int) error {
	return r.withLock(func() error {
		off := r.workerOffset(slot)
		binary.BigEndian.PutUint32(r.data[off:off+4], 0)
		return nil
	})
}

// Read returns the worker info at slot.
func (r *Registry) Read(slot int) (WorkerInfo, error) {
	var info WorkerInfo
	err := r.withLock(func() error {
		info = r.readWorkerLocked(slot)
		return nil
	})
	return info, err
}

// Write overwrites the worker info at slot.
func (r *Registry) Write(slot int, info WorkerInfo) error {
	return r.withLock(func() error {
		r.writeWorkerLocked(slot, info)
		return nil
	})
}

func (r *Registry) writeWorkerLocked(slot int, info WorkerInfo) {
	off := r.workerOffset(slot)
	binary.BigEndian.PutUint32(r.data[off:off+4], uint32(info.PID))
	var cmd [16]byte
	copy(cmd[:], info.CommandType)
	copy(r.data[off+4:off+20], cmd[:])
	binary.BigEndian.PutUint64(r.data[off+20:off+28], uint64(info.ArchiveID))
	binary.BigEndian.PutUint64(r.data[off+28:off+36], uint64(info.Started.Unix()))
}

func (r *Registry) readWorkerLocked(slot int) WorkerInfo {
	off := r.workerOffset(slot)
	pid := int32(binary.BigEndian.Uint32(r.data[off : off+4]))
	cmdRaw := r.data[off+4 : off+20]
	end := len(cmdRaw)
	for end > 0 && cmdRaw[end-1] == 0 {
		end--
	}
	archiveID := int64(binary.BigEndian.Uint64(r.data[off+20 : off+28]))
	started := int64(binary.BigEndian.Uint64(r.data[off+28 : off+36]))
	return WorkerInfo{
		PID:         pid,
		CommandType: string(cmdRaw[:end]),
		ArchiveID:   archiveID,
		Started:     time.Unix(started, 0),
	}
}

func (r *Registry) childOffset(slot, child int) int64 {
	return r.workerOffset(slot) + workerInfoSize + int64(child)*childInfoSize
}

// ReadChild returns one worker's child sub-slot.
func (r *Registry) ReadChild(slot, child int) (ChildInfo, error) {
	var info ChildInfo
	err := r.withLock(func() error {
		off := r.childOffset(slot, child)
		info = ChildInfo{
			PID:         int32(binary.BigEndian.Uint32(r.data[off : off+4])),
			BackupID:    int64(binary.BigEndian.Uint64(r.data[off+8 : off+16])),
			BytesCopied: int64(binary.BigEndian.Uint64(r.data[off+16 : off+24])),
			FilesCopied: int64(binary.BigEndian.Uint64(r.data[off+24 : off+32])),
		}
		return nil
	})
	return info, err
}

// WriteChild overwrites one worker's child sub-slot.
func (r *Registry) WriteChild(slot, child int, info ChildInfo) error {
	return r.withLock(func() error {
		off := r.childOffset(slot, child)
		binary.BigEndian.PutUint32(r.data[off:off+4], uint32(info.PID))
		binary.BigEndian.PutUint64(r.data[off+8:off+16], uint64(info.BackupID))
		binary.BigEndian.PutUint64(r.data[off+16:off+24], uint64(info.BytesCopied))
		binary.BigEndian.PutUint64(r.data[off+24:off+32], uint64(info.FilesCopied))
		return nil
	})
}

// IsEmpty reports whether every worker slot is free.
func (r *Registry) IsEmpty() bool {
	empty := true
	_ = r.withLock(func() error {
		for i := 0; i < MaxWorkers; i++ {
			off := r.workerOffset(i)
			if binary.BigEndian.Uint32(r.data[off:off+4]) != 0 {
				empty = false
				return nil
			}
		}
		return nil
	})
	return empty
}

// pidAlive reports whether pid refers to a running process, using the
// null-signal probe convention (kill(pid, 0)).
func pidAlive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(int(pid), 0)
	return err == nil
}

// Reap runs until stopped, periodically rewriting pid=0 into any slot
// whose process no longer exists. The write is a single atomic word
// store, tolerating concurrent readers without
// taking the mutex for the read half of the check.
func (r *Registry) Reap(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for i := 0; i < MaxWorkers; i++ {
				off := r.workerOffset(i)
				pid := int32(binary.BigEndian.Uint32(r.data[off : off+4]))
				if pid != 0 && !pidAlive(pid) {
					binary.BigEndian.PutUint32(r.data[off:off+4], 0)
				}
			}
		}
	}
}
