package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock wraps gofrs/flock for an archive root directory, excluding
// other pgbckctl processes from operating on the same archive
// concurrently (shared-resource policy).
type FileLock struct {
	fl   *flock.Flock
	path string
}

// New returns a lock keyed by archiveDir's absolute path, at
// /tmp/pgbckctl_<hash>.lock.
func New(archiveDir string) *FileLock {
	abs, err := filepath.Abs(archiveDir)
	if err != nil {
		abs = filepath.Clean(archiveDir)
	}
	sum := sha256.Sum256([]byte(abs))
	name := fmt.Sprintf("/tmp/pgbckctl_%s.lock", hex.EncodeToString(sum[:8]))
	return &FileLock{fl: flock.New(name), path: name}
}

// TryLock attempts non-blocking lock.
func (l *FileLock) TryLock() (bool, error) {
	return l.fl.TryLock()
}

// Unlock releases.
func (l *FileLock) Unlock() error {
	// Release the OS-level lock first.
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	// Best-effort cleanup: remove the lock file so it does not linger in /tmp.
	// Ignore any error (e.g. if another process already removed it).
	_ = os.Remove(l.path)
	return nil
}
