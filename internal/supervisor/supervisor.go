// Package supervisor spawns, monitors, signals, and reaps each app's
// child-process tree, and reconciles persisted liveness state (status,
// pid) against what the OS actually reports.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/kvross/apphost/internal/metastore"
)

// killGraceTimeout is how long KillTree waits for a graceful exit after
// the first signal before escalating to a forceful one.
const killGraceTimeout = 5 * time.Second

// Spawn starts cmd in a new process group (POSIX) or equivalent job
// object (Windows) so the whole descendant tree can later be signaled as
// a unit, and returns immediately once the process has started.
func Spawn(cmd *exec.Cmd) error {
	setNewProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: spawn %s: %w", cmd.Path, err)
	}
	return nil
}

// RefreshStatus reconciles rec's status/pid against OS process state,
// mutating rec in place. It reports whether anything changed (and so
// needs persisting).
//
//   - pid absent: no change.
//   - pid present and the process is alive and not a zombie: promote to
//     running if not already {running, starting}.
//   - otherwise: clear pid; demote to stopped if it was {running, starting}.
func RefreshStatus(rec *metastore.Record) (changed bool) {
	if rec.PID == 0 {
		return false
	}

	if processAlive(rec.PID) {
		if rec.Status != metastore.StatusRunning && rec.Status != metastore.StatusStarting {
			rec.Status = metastore.StatusRunning
			return true
		}
		return false
	}

	rec.PID = 0
	if rec.Status == metastore.StatusRunning || rec.Status == metastore.StatusStarting {
		rec.Status = metastore.StatusStopped
		return true
	}
	return true
}

// KillTree terminates the process group rooted at pid: a graceful signal
// to the group first, then up to killGraceTimeout for the root process to
// exit, then a forceful signal to the group if the root is still alive.
// Only the root's liveness is checked: once the root has exited, no
// forceful signal is sent, even if other group members remain. It is
// idempotent — if the root process is already gone, it returns nil.
func KillTree(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	if !processAlive(pid) {
		return nil
	}

	killTreeGraceful(pid)

	deadline := time.NewTimer(killGraceTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			killTreeForce(pid)
			return ctx.Err()
		case <-deadline.C:
			killTreeForce(pid)
			return nil
		case <-ticker.C:
			if !processAlive(pid) {
				return nil
			}
		}
	}
}
