package retention

import (
	"context"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
	"github.com/pgbckctl/pgbckctl/internal/registry"
)

// LockState is the result of one lock-info check.
type LockState int

const (
	NotLocked LockState = iota
	Locked
)

// BackupLockInfo is one independent interlock check consulted by the
// Aggregator before a backup is allowed to drop out of retention.
type BackupLockInfo interface {
	Check(ctx context.Context, b catalog.Backup) (LockState, error)
}

// BackupPinnedValidLockInfo flags pinned or non-ready backups as
// locked: a pin is an explicit hold, and a backup that never reached
// the ready state has no complete fsentry to safely delete.
type BackupPinnedValidLockInfo struct{}

func (BackupPinnedValidLockInfo) Check(_ context.Context, b catalog.Backup) (LockState, error) {
	if b.Pinned {
		return Locked, nil
	}
	if b.Status != catalog.BackupReady {
		return Locked, nil
	}
	return NotLocked, nil
}

// SHMBackupLockInfo scans the Worker Registry for an in-flight child
// sub-slot referencing the backup id, locking any backup an active
// worker is still writing to or reading from.
type SHMBackupLockInfo struct {
	Reg *registry.Registry
}

func (l SHMBackupLockInfo) Check(_ context.Context, b catalog.Backup) (LockState, error) {
	if l.Reg == nil {
		return NotLocked, nil
	}
	for slot := 0; slot < registry.MaxWorkers; slot++ {
		w, err := l.Reg.Read(slot)
		if err != nil {
			return NotLocked, err
		}
		if w.PID == 0 {
			continue
		}
		for child := 0; child < registry.MaxWorkerChilds; child++ {
			c, err := l.Reg.ReadChild(slot, child)
			if err != nil {
				return NotLocked, err
			}
			if c.PID != 0 && c.BackupID == b.ID {
				return Locked, nil
			}
		}
	}
	return NotLocked, nil
}

// Aggregator composes independent lock-info checks with short-circuit
// OR semantics: the first Locked result wins.
type Aggregator struct {
	Checks []BackupLockInfo
}

// NewAggregator builds the standard two-member aggregator.
func NewAggregator(reg *registry.Registry) Aggregator {
	return Aggregator{Checks: []BackupLockInfo{
		BackupPinnedValidLockInfo{},
		SHMBackupLockInfo{Reg: reg},
	}}
}

// Locked reports whether any member check locks b.
func (a Aggregator) Locked(ctx context.Context, b catalog.Backup) (bool, error) {
	for _, c := range a.Checks {
		state, err := c.Check(ctx, b)
		if err != nil {
			return false, err
		}
		if state == Locked {
			return true, nil
		}
	}
	return false, nil
}
