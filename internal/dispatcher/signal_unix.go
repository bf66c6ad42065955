//go:build !windows

package dispatcher

import (
	"os"
	"os/exec"
	"syscall"
)

// signalGraceful sends the OS's graceful-termination signal (SIGTERM).
func signalGraceful(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}

// exitCodeOf extracts the process exit code, or the negated signal number
// if the process was terminated by a signal, per the exit-code table (any
// negative code other than -1 means "terminated by OS signal |code|").
func exitCodeOf(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return -int(status.Signal())
	}
	return cmd.ProcessState.ExitCode()
}
