// Package runner owns the OS processes behind instances: it starts and stops
// them, tracks their lifecycle state, forwards their output and restarts them
// after crashes.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hostvisor/internal/domain"
)

// Options are the per-instance supervision settings.
type Options struct {
	AutoRestart bool
	// StopCommand is written to stdin for a graceful stop. When empty the
	// process is sent a terminate signal instead.
	StopCommand string
}

// RestartPolicy controls automatic restarts after a crash. The delay before
// attempt n is Delay*Backoff^(n-1), capped at MaxDelay. MaxAttempts of zero
// means unlimited. The attempt counter resets once a process has stayed up
// for ResetAfter, or when the instance is started manually.
type RestartPolicy struct {
	Delay       time.Duration
	MaxAttempts int
	Backoff     float64
	MaxDelay    time.Duration
	ResetAfter  time.Duration
}

func (p RestartPolicy) delay(attempt int) time.Duration {
	if p.Backoff <= 1 || attempt <= 1 {
		if p.MaxDelay > 0 && p.Delay > p.MaxDelay {
			return p.MaxDelay
		}
		return p.Delay
	}
	// Compare in float64 so large attempt counts cannot overflow.
	f := float64(p.Delay) * math.Pow(p.Backoff, float64(attempt-1))
	if p.MaxDelay > 0 && f > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if f >= math.MaxInt64 || math.IsNaN(f) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

type Config struct {
	// GracePeriod is how long a graceful stop may take before the process
	// is killed.
	GracePeriod time.Duration
	// StartupDelay is how long a new process must stay alive to count as
	// running.
	StartupDelay time.Duration
	Restart      RestartPolicy
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:  10 * time.Second,
		StartupDelay: time.Second,
		Restart: RestartPolicy{
			Delay:      5 * time.Second,
			Backoff:    1,
			MaxDelay:   5 * time.Minute,
			ResetAfter: 10 * time.Minute,
		},
	}
}

// State is a point-in-time view of one supervised instance.
type State struct {
	Status    domain.Status
	PID       int
	StartedAt time.Time
	Restarts  int
}

// Target is a running process eligible for resource sampling.
type Target struct {
	ID        string
	PID       int
	StartedAt time.Time
}

type entry struct {
	id string

	// opMu serialises start, stop and restart for this instance.
	opMu sync.Mutex

	mu           sync.Mutex
	spec         Spec
	opts         Options
	status       domain.Status
	proc         Process
	gen          uint64
	startedAt    time.Time
	stopping     bool
	exited       chan struct{}
	restartTimer *time.Timer
	attempts     int
	removed      bool
}

func (e *entry) cancelRestartLocked() {
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
}

// Supervisor runs at most one process per registered instance. Status
// changes and output lines are sent on the events channel; status events
// are never dropped, log lines are dropped when the channel is full. The
// consumer must not call back into the Supervisor while handling an event.
type Supervisor struct {
	spawner Spawner
	cfg     Config
	events  chan<- domain.Event
	log     zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	quit     chan struct{}
	quitOnce sync.Once
}

func NewSupervisor(spawner Spawner, cfg Config, events chan<- domain.Event, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		spawner: spawner,
		cfg:     cfg,
		events:  events,
		log:     log,
		entries: make(map[string]*entry),
		quit:    make(chan struct{}),
	}
}

// Register adds an instance in the Stopped state, or updates the launch
// settings of an existing one. New settings apply from the next start.
func (s *Supervisor) Register(id string, spec Spec, opts Options) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{id: id, status: domain.StatusStopped}
		s.entries[id] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.spec = spec
	e.opts = opts
	e.mu.Unlock()
}

// Configure updates the launch settings of a registered instance.
func (s *Supervisor) Configure(id string, spec Spec, opts Options) error {
	e, err := s.lookup(id)
	if err != nil {
		return domain.NewOpError("configure", id, err)
	}
	e.mu.Lock()
	e.spec = spec
	e.opts = opts
	if !opts.AutoRestart {
		e.cancelRestartLocked()
	}
	e.mu.Unlock()
	return nil
}

// Remove forgets an instance. It must not have a live process.
func (s *Supervisor) Remove(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return domain.NewOpError("remove", id, err)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.status.Active() {
		e.mu.Unlock()
		return domain.NewOpError("remove", id, domain.ErrAlreadyRunning)
	}
	e.cancelRestartLocked()
	e.removed = true
	e.mu.Unlock()

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	return e, nil
}

func (s *Supervisor) State(id string) (State, error) {
	e, err := s.lookup(id)
	if err != nil {
		return State{}, domain.NewOpError("state", id, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := State{Status: e.status, Restarts: e.attempts}
	if e.proc != nil {
		st.PID = e.proc.Pid()
		st.StartedAt = e.startedAt
	}
	return st, nil
}

// Running lists the instances currently in the Running state, by id.
func (s *Supervisor) Running() []Target {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var targets []Target
	for _, e := range entries {
		e.mu.Lock()
		if e.status == domain.StatusRunning && e.proc != nil {
			targets = append(targets, Target{ID: e.id, PID: e.proc.Pid(), StartedAt: e.startedAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets
}

// Start launches the instance's process. Only Stopped or Crashed instances
// can be started; the state is Starting until the process has survived the
// startup delay.
func (s *Supervisor) Start(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return domain.NewOpError("start", id, err)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.status != domain.StatusStopped && e.status != domain.StatusCrashed {
		e.mu.Unlock()
		return domain.NewOpError("start", id, domain.ErrAlreadyRunning)
	}
	e.cancelRestartLocked()
	e.attempts = 0
	e.mu.Unlock()

	return domain.NewOpError("start", id, s.start(e))
}

// start spawns a process for e. The caller holds e.opMu and has checked that
// no process is bound.
func (s *Supervisor) start(e *entry) error {
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return domain.ErrInstanceNotFound
	}
	spec := e.spec
	e.mu.Unlock()

	proc, err := s.spawner.Spawn(spec)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("instance_id", e.id).Msg("failed to spawn process")
		if e.status != domain.StatusStopped {
			e.status = domain.StatusStopped
			s.emitStatusLocked(e, 0)
		}
		return fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}

	e.gen++
	e.proc = proc
	e.status = domain.StatusStarting
	e.stopping = false
	e.startedAt = time.Now()
	e.exited = make(chan struct{})

	s.log.Info().Str("instance_id", e.id).Int("pid", proc.Pid()).Msg("process started")
	s.emitStatusLocked(e, 0)

	go s.pump(e.id, proc.Stdout(), domain.LogInfo)
	go s.pump(e.id, proc.Stderr(), domain.LogError)
	go s.wait(e, proc, e.gen, e.exited)
	go s.confirm(e, e.gen, e.exited)
	return nil
}

// confirm promotes a Starting process to Running once it has outlived the
// startup delay, and later resets the restart counter once it has been up
// long enough.
func (s *Supervisor) confirm(e *entry, gen uint64, exited <-chan struct{}) {
	timer := time.NewTimer(s.cfg.StartupDelay)
	defer timer.Stop()

	select {
	case <-exited:
		return
	case <-s.quit:
		return
	case <-timer.C:
	}

	e.mu.Lock()
	if e.gen != gen || e.status != domain.StatusStarting {
		e.mu.Unlock()
		return
	}
	e.status = domain.StatusRunning
	s.emitStatusLocked(e, 0)
	e.mu.Unlock()

	if s.cfg.Restart.ResetAfter <= 0 {
		return
	}
	timer.Reset(s.cfg.Restart.ResetAfter)
	select {
	case <-exited:
		return
	case <-s.quit:
		return
	case <-timer.C:
	}

	e.mu.Lock()
	if e.gen == gen && e.status == domain.StatusRunning {
		e.attempts = 0
	}
	e.mu.Unlock()
}

func (s *Supervisor) wait(e *entry, proc Process, gen uint64, exited chan struct{}) {
	status := proc.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	defer close(exited)

	if e.gen != gen {
		return
	}

	prev := e.status
	e.proc = nil

	logger := s.log.With().Str("instance_id", e.id).Str("exit", status.String()).Logger()
	switch {
	case e.stopping:
		e.status = domain.StatusStopped
		logger.Info().Msg("process stopped")
	case prev == domain.StatusStarting:
		e.status = domain.StatusStopped
		logger.Error().Msg("process exited during startup")
		s.emitLog(e.id, domain.LogError, "process exited during startup: "+status.String())
	case status.Abnormal():
		e.status = domain.StatusCrashed
		logger.Warn().Msg("process crashed")
		s.emitLog(e.id, domain.LogError, "process crashed: "+status.String())
	default:
		e.status = domain.StatusStopped
		logger.Info().Msg("process exited")
	}
	e.stopping = false
	s.emitStatusLocked(e, status.Code)

	if e.status == domain.StatusCrashed && e.opts.AutoRestart && !e.removed {
		s.scheduleRestartLocked(e)
	}
}

func (s *Supervisor) scheduleRestartLocked(e *entry) {
	policy := s.cfg.Restart
	if policy.MaxAttempts > 0 && e.attempts >= policy.MaxAttempts {
		s.log.Warn().Str("instance_id", e.id).Int("attempts", e.attempts).Msg("restart limit reached")
		s.emitLog(e.id, domain.LogError, fmt.Sprintf("restart limit of %d reached", policy.MaxAttempts))
		return
	}

	e.attempts++
	delay := policy.delay(e.attempts)
	gen := e.gen
	s.log.Info().Str("instance_id", e.id).Int("attempt", e.attempts).Dur("delay", delay).Msg("scheduling restart")
	s.emitLog(e.id, domain.LogInfo, fmt.Sprintf("restarting in %s (attempt %d)", delay, e.attempts))

	e.cancelRestartLocked()
	e.restartTimer = time.AfterFunc(delay, func() { s.restart(e, gen) })
}

func (s *Supervisor) restart(e *entry, gen uint64) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.removed || e.gen != gen || e.status != domain.StatusCrashed || !e.opts.AutoRestart {
		e.mu.Unlock()
		return
	}
	e.restartTimer = nil
	e.mu.Unlock()

	if err := s.start(e); err != nil {
		s.emitLog(e.id, domain.LogError, "automatic restart failed: "+err.Error())
	}
}

// Stop ends the instance's process. A graceful stop writes the stop command
// or sends a terminate signal and kills the process if it is still alive
// after the grace period; the returned error then matches
// domain.ErrStopTimeout. force skips the graceful phase. Stopping a Stopped
// instance is a no-op; stopping a Crashed one cancels any pending restart.
func (s *Supervisor) Stop(id string, force bool) error {
	e, err := s.lookup(id)
	if err != nil {
		return domain.NewOpError("stop", id, err)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	switch e.status {
	case domain.StatusStopped:
		e.mu.Unlock()
		return nil
	case domain.StatusCrashed:
		e.cancelRestartLocked()
		e.status = domain.StatusStopped
		s.emitStatusLocked(e, 0)
		e.mu.Unlock()
		return nil
	}

	proc := e.proc
	exited := e.exited
	stopCommand := e.opts.StopCommand
	e.stopping = true
	e.status = domain.StatusStopping
	s.emitStatusLocked(e, 0)
	e.mu.Unlock()

	logger := s.log.With().Str("instance_id", id).Int("pid", proc.Pid()).Logger()

	if force {
		logger.Info().Msg("killing process")
		if err := proc.Signal(SignalKill); err != nil {
			logger.Debug().Err(err).Msg("kill failed")
		}
		<-exited
		return nil
	}

	if stopCommand != "" {
		logger.Info().Str("command", stopCommand).Msg("sending stop command")
		if _, err := io.WriteString(proc.Stdin(), stopCommand+"\n"); err != nil {
			logger.Warn().Err(err).Msg("stop command failed, sending terminate signal")
			_ = proc.Signal(SignalTerminate)
		}
	} else {
		logger.Info().Msg("sending terminate signal")
		if err := proc.Signal(SignalTerminate); err != nil {
			logger.Debug().Err(err).Msg("terminate failed")
		}
	}

	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
	}

	logger.Warn().Dur("grace_period", s.cfg.GracePeriod).Msg("graceful stop timed out, killing process")
	if err := proc.Signal(SignalKill); err != nil {
		logger.Debug().Err(err).Msg("kill failed")
	}
	<-exited
	return domain.NewOpError("stop", id, domain.ErrStopTimeout)
}

// SendCommand writes line to the process's stdin.
func (s *Supervisor) SendCommand(id, line string) error {
	e, err := s.lookup(id)
	if err != nil {
		return domain.NewOpError("command", id, err)
	}

	e.mu.Lock()
	proc := e.proc
	status := e.status
	e.mu.Unlock()

	if proc == nil || (status != domain.StatusStarting && status != domain.StatusRunning) {
		return domain.NewOpError("command", id, domain.ErrNotRunning)
	}
	if _, err := io.WriteString(proc.Stdin(), line+"\n"); err != nil {
		return domain.NewOpError("command", id, err)
	}
	return nil
}

// StopAll gracefully stops every instance with a live process, concurrently.
// Stops begun after ctx is done kill immediately.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.RLock()
	var ids []string
	for id, e := range s.entries {
		e.mu.Lock()
		if e.status.Active() || e.status == domain.StatusCrashed {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return s.Stop(id, ctx.Err() != nil)
		})
	}
	return g.Wait()
}

// Close stops event delivery. Processes are left alone; call StopAll first.
func (s *Supervisor) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Supervisor) pump(id string, r io.Reader, level domain.LogLevel) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.log.Debug().Str("instance_id", id).Str("stream", string(level)).Msg(line)
		s.emitLog(id, level, line)
	}
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) emitStatusLocked(e *entry, exitCode int) {
	ev := domain.Event{
		Type:       domain.EventStatus,
		InstanceID: e.id,
		Status:     e.status,
		ExitCode:   exitCode,
	}
	if e.proc != nil {
		ev.PID = e.proc.Pid()
		ev.StartedAt = e.startedAt
	}
	s.send(ev, true)
}

func (s *Supervisor) emitLog(id string, level domain.LogLevel, text string) {
	s.send(domain.Event{Type: domain.EventLog, InstanceID: id, Level: level, Text: text}, false)
}

func (s *Supervisor) send(ev domain.Event, mustDeliver bool) {
	if s.events == nil {
		return
	}
	ev.Time = time.Now()
	if !mustDeliver {
		select {
		case s.events <- ev:
		default:
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}
