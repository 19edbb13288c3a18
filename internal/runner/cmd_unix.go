//go:build !windows

package runner

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// prepareCommand moves the child into its own process group so a Ctrl-C
// aimed at the daemon does not reach the servers it supervises.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcess signals the whole process group so helpers started by a
// wrapper script stop with it.
func signalProcess(p *os.Process, sig Signal) error {
	s := syscall.SIGTERM
	if sig == SignalKill {
		s = syscall.SIGKILL
	}
	if err := syscall.Kill(-p.Pid, s); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return p.Signal(s)
		}
		return err
	}
	return nil
}

func exitSignal(state *os.ProcessState) string {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return ws.Signal().String()
}
