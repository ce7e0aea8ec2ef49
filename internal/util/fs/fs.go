package fs

import (
	"fmt"
	"os"
	"path/filepath"
)

// MkdirP creates path recursively with mode 0755, like `mkdir -p`. It
// is not an error if the directory already exists.
func MkdirP(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	return os.MkdirAll(path, 0o755)
}

// CleanupDir removes everything inside dir, leaving dir itself in place.
func CleanupDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}
