package runctx

import (
	"fmt"
	"os"
	"path/filepath"
)

// RunCtx manages one command invocation's scratch directory: per-run
// temp state that is cleaned up on exit unless the caller asked to
// keep it for inspection.
type RunCtx struct {
	Dir        string
	keepOnExit bool
}

// New creates a scratch directory under the system temp dir.
func New(prefix string, keep bool) (*RunCtx, error) {
	return NewAt("", prefix, keep)
}

// NewAt creates a scratch directory under parent (system temp dir when
// empty). Restore staging uses this to place the scratch tree on the
// same filesystem as its final destination, so the finishing rename
// stays atomic.
func NewAt(parent, prefix string, keep bool) (*RunCtx, error) {
	dir, err := os.MkdirTemp(parent, prefix)
	if err != nil {
		return nil, err
	}
	return &RunCtx{Dir: dir, keepOnExit: keep}, nil
}

// Cleanup removes the directory unless keepOnExit=true.
func (r *RunCtx) Cleanup() error {
	if r.keepOnExit {
		return nil
	}
	return os.RemoveAll(r.Dir)
}

// Path joins the run dir with subpath elements.
func (r *RunCtx) Path(elem ...string) string {
	parts := append([]string{r.Dir}, elem...)
	return filepath.Join(parts...)
}

func (r *RunCtx) String() string { return fmt.Sprintf("RunCtx(%s)", r.Dir) }
