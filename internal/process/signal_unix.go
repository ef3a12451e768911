//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// signalGroup delivers sig to the whole process group led by pid.
// An already-gone group is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// exitCodeOf maps a wait status to a shell-style exit code:
// the exit status for a normal exit, 128+signal when signaled.
func exitCodeOf(ws syscall.WaitStatus) int {
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}
