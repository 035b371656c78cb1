//go:build !windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// setNewProcessGroup configures cmd so its root process leads a new
// process group, letting killTreeGraceful/killTreeForce signal the whole
// descendant tree with one call.
func setNewProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processAlive reports whether pid refers to a live, non-zombie process.
func processAlive(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		if err == unix.ESRCH {
			return false
		}
		// EPERM means the process exists but we can't signal it — still
		// alive as far as reconciliation is concerned.
		if err != unix.EPERM {
			return false
		}
	}
	if runtime.GOOS == "linux" && isZombie(pid) {
		return false
	}
	return true
}

// isZombie reads /proc/<pid>/stat's state field on Linux; any other
// platform has no equivalent cheap check, so callers treat the process as
// non-zombie by default.
func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// Field 3 (after the "(comm)" entry, which may itself contain spaces)
	// is the state character; scan from the last ')' to be safe.
	s := string(data)
	idx := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ')' {
			idx = i
			break
		}
	}
	if idx < 0 || idx+2 >= len(s) {
		return false
	}
	return s[idx+2] == 'Z'
}

func killTreeGraceful(pid int) {
	signalTree(pid, unix.SIGTERM)
}

func killTreeForce(pid int) {
	signalTree(pid, unix.SIGKILL)
}

func signalTree(pid int, sig unix.Signal) {
	if pgid, err := unix.Getpgid(pid); err == nil {
		_ = unix.Kill(-pgid, sig)
		return
	}
	_ = unix.Kill(pid, sig)
}
