// Package copymgr implements the bounded-parallelism tree copier used
// for restore-target materialization: a fixed-size ops table, a free
// slot stack, and a pool of worker goroutines woken by a condition
// variable. Files are copied with vectored I/O and fsynced
// individually; no cross-file ordering is guaranteed.
package copymgr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// MaxParallelCopyInstances bounds the ops table.
const MaxParallelCopyInstances = 64

// StopToken is the cooperative cancellation interface checked between
// files.
type StopToken interface {
	Stopped() bool
}

type neverStop struct{}

func (neverStop) Stopped() bool { return false }

// copyItem is one in-flight file-copy task.
type copyItem struct {
	src, dst string
	size     int64
}

// Manager copies a source directory tree to a target directory using
// a bounded worker pool. Zero value is not usable; construct with New.
type Manager struct {
	Workers   int
	ShowBar   bool
	StopToken StopToken

	mu        sync.Mutex
	cond      *sync.Cond
	ops       [MaxParallelCopyInstances]copyItem
	freeStack []int // indices of ops slots with no pending work
	pending   []int // indices of ops slots holding unclaimed work
	finalize  bool
	exit      bool

	wg     sync.WaitGroup
	errs   []error
	errMu  sync.Mutex
	copied int64
	total  int64

	// copyFile is the per-file transfer; tests substitute an
	// instrumented function to observe slot ownership.
	copyFile func(slot int, item copyItem) error

	progress *mpb.Progress
	bar      *mpb.Bar
}

// New constructs a Manager. workers <= 0 defaults to 1; the
// configurable worker count is capped at MaxParallelCopyInstances.
func New(workers int) *Manager {
	if workers <= 0 {
		workers = 1
	}
	if workers > MaxParallelCopyInstances {
		workers = MaxParallelCopyInstances
	}
	m := &Manager{Workers: workers, StopToken: neverStop{}}
	m.copyFile = func(_ int, item copyItem) error {
		return copyFileVectored(item.src, item.dst)
	}
	m.cond = sync.NewCond(&m.mu)
	m.freeStack = make([]int, MaxParallelCopyInstances)
	for i := range m.freeStack {
		m.freeStack[i] = MaxParallelCopyInstances - 1 - i
	}
	return m
}

// Run walks src depth-first, copying every regular file into the
// corresponding path under dst, and blocks until the whole tree has
// been copied or the stop token trips. dst must already exist.
func (m *Manager) Run(ctx context.Context, src, dst string) error {
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("copymgr: target %q: %w", dst, err)
	}

	if err := m.precomputeTotal(src); err != nil {
		slog.Warn("copymgr: size precompute failed, progress will be approximate", "error", err)
	}
	if m.ShowBar {
		m.progress = mpb.New(mpb.WithWidth(40), mpb.WithRefreshRate(150*time.Millisecond))
		m.bar = m.progress.New(m.total, mpb.BarStyle().Rbound("|").Lbound("|"),
			mpb.PrependDecorators(decor.Name("restore ", decor.WC{W: 9})),
			mpb.AppendDecorators(decor.CountersKibiByte("% .2f / % .2f")))
	}

	for i := 0; i < m.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	walkErr := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil || m.StopToken.Stopped() {
			m.Stop()
			return filepath.SkipAll
		}
		if info.IsDir() {
			rel, _ := filepath.Rel(src, path)
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		m.enqueue(copyItem{src: path, dst: filepath.Join(dst, rel), size: info.Size()})
		return nil
	})

	m.mu.Lock()
	m.finalize = true
	m.cond.Broadcast()
	m.mu.Unlock()

	m.wg.Wait()
	if m.progress != nil {
		// An interrupted run never fills the bar; force completion so
		// Wait cannot block on it.
		m.bar.SetTotal(m.total, true)
		m.progress.Wait()
	}

	if walkErr != nil {
		m.recordErr(walkErr)
	}
	return m.firstErr()
}

// Stop requests that all workers abandon remaining work between
// files; in-flight file copies run to completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.exit = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// enqueue takes the active_ops_mutex, pops a free slot, materializes
// the copyItem, and signals notify_cv.
func (m *Manager) enqueue(item copyItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.freeStack) == 0 && !m.exit {
		m.cond.Wait()
	}
	if m.exit {
		return
	}
	slot := m.freeStack[len(m.freeStack)-1]
	m.freeStack = m.freeStack[:len(m.freeStack)-1]
	m.ops[slot] = item
	m.pending = append(m.pending, slot)
	m.cond.Broadcast()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.pending) == 0 && !m.finalize && !m.exit {
			m.cond.Wait()
		}
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		slot := m.pending[0]
		m.pending = m.pending[1:]
		item := m.ops[slot]
		exiting := m.exit
		m.mu.Unlock()

		if !exiting {
			if err := m.copyFile(slot, item); err != nil {
				m.recordErr(fmt.Errorf("copymgr: %s: %w", item.src, err))
			} else {
				m.advanceProgress(item.size)
			}
		}

		m.mu.Lock()
		m.freeStack = append(m.freeStack, slot)
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

func (m *Manager) advanceProgress(n int64) {
	m.mu.Lock()
	m.copied += n
	m.mu.Unlock()
	if m.bar != nil {
		m.bar.IncrInt64(n)
	}
}

func (m *Manager) precomputeTotal(src string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			m.total += info.Size()
		}
		return nil
	})
}

func (m *Manager) recordErr(err error) {
	m.errMu.Lock()
	m.errs = append(m.errs, err)
	m.errMu.Unlock()
}

func (m *Manager) firstErr() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if len(m.errs) == 0 {
		return nil
	}
	return m.errs[0]
}
