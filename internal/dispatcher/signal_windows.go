//go:build windows

package dispatcher

import (
	"os"
	"os/exec"
)

// signalGraceful has no portable SIGTERM equivalent on Windows, so the
// graceful and hard-kill steps collapse into one immediate Kill.
func signalGraceful(proc *os.Process) error {
	return proc.Kill()
}

func exitCodeOf(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
