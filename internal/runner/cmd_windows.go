//go:build windows

package runner

import (
	"os"
	"os/exec"
	"syscall"
)

// prepareCommand keeps console servers from opening a window of their own.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: 0x08000000,
	}
}

// Windows has no SIGTERM; a graceful stop relies on the stop command.
func signalProcess(p *os.Process, _ Signal) error {
	return p.Kill()
}

func exitSignal(*os.ProcessState) string {
	return ""
}
