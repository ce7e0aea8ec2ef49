// Package jobctl implements the signalling and job control surface:
// the cooperative stop-token contract shared by the WAL streamer,
// base-backup pipeline and copy manager, an explicit RoleContext
// value used in place of a process-level job-type global, and the
// watchdog that reaps external helper processes on cancellation.
package jobctl

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// RoleContext names which of launcher, worker or worker-child the
// current process is acting as. It is passed down through component
// constructors; nothing reads it from shared mutable state.
type RoleContext int

const (
	// RoleLauncher is the top-level CLI process.
	RoleLauncher RoleContext = iota
	// RoleWorker is a long-running backup/stream worker the launcher
	// started (registered in internal/registry as a worker slot).
	RoleWorker
	// RoleWorkerChild is a sub-task of a worker (registered as a child
	// sub-slot), e.g. one copy-manager worker goroutine.
	RoleWorkerChild
)

func (r RoleContext) String() string {
	switch r {
	case RoleLauncher:
		return "launcher"
	case RoleWorker:
		return "worker"
	case RoleWorkerChild:
		return "worker-child"
	default:
		return "unknown"
	}
}

// StopToken is the single cooperative-cancellation contract polled by
// the WAL streamer, base-backup pipeline and copy manager at
// message-granularity boundaries. Each of those packages declares its
// own structurally identical interface so they don't need to import
// jobctl; CtxStopToken below satisfies all of them.
type StopToken interface {
	Stopped() bool
}

// CtxStopToken adapts a context.Context to the StopToken contract, so
// a single signalctx-derived context can drive every long-running
// component in one orchestrated run.
type CtxStopToken struct {
	Ctx context.Context
}

// Stopped reports whether the wrapped context has been canceled.
func (c CtxStopToken) Stopped() bool {
	return c.Ctx != nil && c.Ctx.Err() != nil
}

// KillChildrenOnCancel arms a watchdog: when ctx is canceled, every
// direct child of this process (piped gzip helpers and similar) gets
// SIGTERM, then SIGKILL after the grace period. `backup run` arms this
// right after signal wiring so an interrupt never strands a helper
// holding an archive file open.
func KillChildrenOnCancel(ctx context.Context, grace time.Duration) {
	go func() {
		<-ctx.Done()
		pid := os.Getpid()

		out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
		if err != nil {
			// pgrep exits 1 when there are no children; nothing to do.
			return
		}
		children := strings.Split(strings.TrimSpace(string(out)), "\n")
		for _, line := range children {
			if line == "" {
				continue
			}
			childPID, _ := strconv.Atoi(line)
			slog.Info("watchdog: sending SIGTERM", "child", childPID)
			if err := syscall.Kill(childPID, syscall.SIGTERM); err != nil {
				slog.Warn("watchdog: SIGTERM failed", "pid", childPID, "err", err)
			}
		}
		time.Sleep(grace)
		for _, line := range children {
			if line == "" {
				continue
			}
			childPID, _ := strconv.Atoi(line)
			_ = syscall.Kill(childPID, syscall.SIGKILL)
		}
	}()
}
