package runner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Spec describes how to launch an instance's process.
type Spec struct {
	Executable string
	Args       []string
	Env        []string
	Dir        string
}

type Signal int

const (
	SignalTerminate Signal = iota
	SignalKill
)

func (s Signal) String() string {
	if s == SignalKill {
		return "kill"
	}
	return "terminate"
}

// ExitStatus describes how a process ended. Signal is set when the process
// was terminated by a signal instead of exiting.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Abnormal reports whether the exit should be treated as a crash.
func (s ExitStatus) Abnormal() bool {
	return s.Code != 0 || s.Signal != "" || s.Err != nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return "signal " + s.Signal
	case s.Err != nil:
		return s.Err.Error()
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Process is a running OS process. Wait may be called once.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	Stdin() io.Writer
	Signal(sig Signal) error
	Wait() ExitStatus
}

type Spawner interface {
	Spawn(spec Spec) (Process, error)
}

// ExecSpawner starts processes with os/exec. Relative executables containing
// a path separator are resolved against Spec.Dir.
type ExecSpawner struct {
	// WaitDelay bounds how long Wait blocks on output pipes held open by
	// descendants after the process exits.
	WaitDelay time.Duration
}

func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{WaitDelay: 5 * time.Second}
}

func (s *ExecSpawner) Spawn(spec Spec) (Process, error) {
	if spec.Executable == "" {
		return nil, errors.New("no executable configured")
	}

	executable := spec.Executable
	if !filepath.IsAbs(executable) && strings.ContainsRune(executable, filepath.Separator) && spec.Dir != "" {
		executable = filepath.Join(spec.Dir, executable)
	}

	cmd := exec.Command(executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.WaitDelay = s.WaitDelay
	prepareCommand(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Executable, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: outR, stderr: errR, stdoutW: outW, stderrW: errW}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *io.PipeReader
	stderr  *io.PipeReader
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter
}

func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Stdin() io.Writer  { return p.stdin }

func (p *execProcess) Signal(sig Signal) error {
	return signalProcess(p.cmd.Process, sig)
}

func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
	_ = p.stdin.Close()

	status := ExitStatus{}
	if state := p.cmd.ProcessState; state != nil {
		status.Code = state.ExitCode()
		status.Signal = exitSignal(state)
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		status.Err = err
	}
	// ExitCode is -1 for signalled processes; the signal already records it.
	if status.Signal != "" && status.Code < 0 {
		status.Code = 0
	}
	return status
}
