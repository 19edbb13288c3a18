// Package runnertest provides an in-memory process provider for tests.
package runnertest

import (
	"errors"
	"io"
	"strings"
	"sync"

	"hostvisor/internal/runner"
)

// Spawner hands out fake processes with increasing pids.
type Spawner struct {
	mu      sync.Mutex
	procs   []*Process
	nextPid int
	err     error

	// Configure, when set, is applied to each process before Spawn returns.
	Configure func(*Process)
}

func NewSpawner() *Spawner {
	return &Spawner{nextPid: 1000}
}

// FailWith makes subsequent spawns fail with err until called with nil.
func (s *Spawner) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Spawner) Spawn(spec runner.Spec) (runner.Process, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.nextPid++
	p := newProcess(s.nextPid, spec)
	s.procs = append(s.procs, p)
	configure := s.Configure
	s.mu.Unlock()

	if configure != nil {
		configure(p)
	}
	return p, nil
}

// Count returns how many processes have been spawned.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Last returns the most recently spawned process, or nil.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

func (s *Spawner) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Process is a fake runner.Process. By default a terminate signal makes it
// exit cleanly and a kill makes it exit with signal "killed".
type Process struct {
	pid  int
	Spec runner.Spec

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	stdin            *stdinWriter

	mu              sync.Mutex
	signals         []runner.Signal
	ignoreTerminate bool
	exitOnInput     string

	done   chan struct{}
	once   sync.Once
	status runner.ExitStatus
}

func newProcess(pid int, spec runner.Spec) *Process {
	p := &Process{pid: pid, Spec: spec, done: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	p.stdin = &stdinWriter{proc: p}
	return p
}

// IgnoreTerminate makes the process survive terminate signals.
func (p *Process) IgnoreTerminate() {
	p.mu.Lock()
	p.ignoreTerminate = true
	p.mu.Unlock()
}

// ExitOnInput makes the process exit cleanly when line is written to stdin.
func (p *Process) ExitOnInput(line string) {
	p.mu.Lock()
	p.exitOnInput = line
	p.mu.Unlock()
}

func (p *Process) Pid() int          { return p.pid }
func (p *Process) Stdout() io.Reader { return p.stdoutR }
func (p *Process) Stderr() io.Reader { return p.stderrR }
func (p *Process) Stdin() io.Writer  { return p.stdin }

func (p *Process) Signal(sig runner.Signal) error {
	if p.Exited() {
		return errors.New("process already finished")
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreTerminate
	p.mu.Unlock()

	switch {
	case sig == runner.SignalKill:
		p.Exit(runner.ExitStatus{Signal: "killed"})
	case !ignore:
		p.Exit(runner.ExitStatus{})
	}
	return nil
}

func (p *Process) Wait() runner.ExitStatus {
	<-p.done
	return p.status
}

// Exit ends the process with status. Later calls are ignored.
func (p *Process) Exit(status runner.ExitStatus) {
	p.once.Do(func() {
		p.status = status
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.done)
	})
}

// Crash ends the process with a non-zero exit code.
func (p *Process) Crash(code int) {
	p.Exit(runner.ExitStatus{Code: code})
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Signals returns the signals received so far.
func (p *Process) Signals() []runner.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]runner.Signal(nil), p.signals...)
}

// Input returns the lines written to stdin so far.
func (p *Process) Input() []string {
	return p.stdin.lines()
}

// WriteStdout emits line on stdout. It blocks until the line is read.
func (p *Process) WriteStdout(line string) error {
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

func (p *Process) WriteStderr(line string) error {
	_, err := io.WriteString(p.stderrW, line+"\n")
	return err
}

type stdinWriter struct {
	proc *Process

	mu      sync.Mutex
	buf     strings.Builder
	written []string
}

func (w *stdinWriter) Write(b []byte) (int, error) {
	if w.proc.Exited() {
		return 0, io.ErrClosedPipe
	}

	w.mu.Lock()
	w.buf.Write(b)
	var complete []string
	rest := w.buf.String()
	for {
		line, after, found := strings.Cut(rest, "\n")
		if !found {
			break
		}
		complete = append(complete, line)
		rest = after
	}
	w.buf.Reset()
	w.buf.WriteString(rest)
	w.written = append(w.written, complete...)
	w.mu.Unlock()

	w.proc.mu.Lock()
	exitOn := w.proc.exitOnInput
	w.proc.mu.Unlock()
	for _, line := range complete {
		if exitOn != "" && line == exitOn {
			w.proc.Exit(runner.ExitStatus{})
		}
	}
	return len(b), nil
}

func (w *stdinWriter) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.written...)
}
