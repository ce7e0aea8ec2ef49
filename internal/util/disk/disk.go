// Package disk answers capacity questions for the preflight checks
// run before a base backup or restore starts writing.
package disk

import (
	"fmt"
	"syscall"
)

// Space reports free and total capacity of one filesystem, in bytes.
// Free counts the blocks available to an unprivileged caller (Bavail),
// not the root-reserved blocks.
type Space struct {
	Free  uint64
	Total uint64
}

// FreeBytes returns the capacity of the filesystem containing path.
func FreeBytes(path string) (Space, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return Space{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	free := st.Bavail * uint64(st.Bsize)
	total := st.Blocks * uint64(st.Bsize)
	return Space{Free: free, Total: total}, nil
}

// EnsureSpace verifies that each directory in need sits on a
// filesystem with at least the mapped number of bytes free, so a
// backup or restore fails up front rather than mid-copy on a full
// volume.
func EnsureSpace(need map[string]uint64) error {
	for p, req := range need {
		sp, err := FreeBytes(p)
		if err != nil {
			return err
		}
		if sp.Free < req {
			return fmt.Errorf("insufficient space on %s: free %.2f MB, need %.2f MB", p, bytesToMB(sp.Free), bytesToMB(req))
		}
	}
	return nil
}

func bytesToMB(b uint64) float64 {
	return float64(b) / (1024 * 1024)
}
