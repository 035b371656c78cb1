//go:build windows

package supervisor

import (
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// setNewProcessGroup starts cmd as the root of a new process group, the
// closest Windows equivalent of POSIX's Setpgid for our purposes
// (taskkill /T below walks the tree by parent PID rather than relying on
// a job object).
func setNewProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// processAlive asks the OS for the process's exit code; a handle we
// cannot open means the process is gone.
func processAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == uint32(windows.STATUS_PENDING)
}

func killTreeGraceful(pid int) {
	// Windows has no SIGTERM equivalent for arbitrary processes; the
	// forceful tree kill below is the only option.
}

func killTreeForce(pid int) {
	_ = exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}
