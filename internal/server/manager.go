// Package server is the facade the transports talk to. It provisions
// instances from templates, drives their lifecycle through the supervisor,
// keeps the registry and persistence in step with supervisor and metrics
// events, and forwards those events to the notification sink.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"hostvisor/internal/archive"
	"hostvisor/internal/backup"
	"hostvisor/internal/domain"
	"hostvisor/internal/install"
	"hostvisor/internal/logging"
	"hostvisor/internal/metrics"
	"hostvisor/internal/runner"
	"hostvisor/internal/template"
)

// Files downloads, extracts and archives on behalf of the installation
// pipeline and the backup coordinator.
type Files interface {
	install.Files
	Archive(ctx context.Context, srcDir, destPath string, progress archive.ProgressFunc) (int64, error)
}

type Options struct {
	ServersPath string
	BackupsPath string

	Catalog *template.Catalog
	Store   domain.Repository
	Files   Files
	Spawner runner.Spawner
	Sampler metrics.Sampler
	// Sink receives notifications; nil discards them.
	Sink domain.NotificationSink

	Supervisor      runner.Config
	MetricsInterval time.Duration
	// Registerer exports the collector's metrics; nil disables export.
	Registerer prometheus.Registerer

	Logger zerolog.Logger
}

type CreateRequest struct {
	Name        string            `json:"name"`
	TemplateID  string            `json:"templateId"`
	AutoRestart bool              `json:"autoRestart"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
}

// UpdateRequest changes instance settings. Nil fields are left as they are.
// Changes take effect on the next start.
type UpdateRequest struct {
	Name        *string           `json:"name,omitempty"`
	AutoRestart *bool             `json:"autoRestart,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
	StopCommand *string           `json:"stopCommand,omitempty"`
}

type Manager struct {
	serversPath string

	catalog    *template.Catalog
	store      domain.Repository
	pipeline   *install.Pipeline
	supervisor *runner.Supervisor
	collector  *metrics.Collector
	backups    *backup.Coordinator
	ports      *PortAllocator
	sink       domain.NotificationSink
	events     chan domain.Event

	mu        sync.RWMutex
	instances map[string]*domain.Instance
	// reserved holds ports handed to installs that have not been saved yet.
	reserved map[int]bool

	locks sync.Map

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	log zerolog.Logger
}

func NewManager(opts Options) *Manager {
	if opts.Sink == nil {
		opts.Sink = domain.NopSink{}
	}
	log := logging.Component(opts.Logger, "manager")
	events := make(chan domain.Event, 1024)

	sup := runner.NewSupervisor(opts.Spawner, opts.Supervisor, events, logging.Component(opts.Logger, "supervisor"))

	return &Manager{
		serversPath: opts.ServersPath,
		catalog:     opts.Catalog,
		store:       opts.Store,
		pipeline:    install.NewPipeline(opts.Files, opts.Catalog.AssetsDir(), logging.Component(opts.Logger, "install")),
		supervisor:  sup,
		collector:   metrics.NewCollector(sup, opts.Sampler, events, opts.MetricsInterval, opts.Registerer, logging.Component(opts.Logger, "metrics")),
		backups:     backup.NewCoordinator(opts.BackupsPath, opts.Files, opts.Store, logging.Component(opts.Logger, "backup")),
		ports:       NewPortAllocator(opts.Store),
		sink:        opts.Sink,
		events:      events,
		instances:   make(map[string]*domain.Instance),
		reserved:    make(map[int]bool),
		log:         log,
	}
}

// Open loads the persisted instances and starts the event loop and the
// metrics collector. Instances that were running when the daemon went down
// are loaded as Stopped.
func (m *Manager) Open() error {
	insts, err := m.store.ListInstances()
	if err != nil {
		return fmt.Errorf("error loading instances: %w", err)
	}

	m.mu.Lock()
	for i := range insts {
		inst := insts[i]
		if inst.Status != domain.StatusStopped || inst.PID != 0 {
			m.log.Info().Str("instance_id", inst.ID).Str("status", string(inst.Status)).Msg("resetting stale status")
			inst.Status = domain.StatusStopped
			inst.PID = 0
			if err := m.store.SaveInstance(&inst); err != nil {
				m.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("failed to persist status reset")
			}
		}
		inst.Resources = domain.ResourceSnapshot{}
		m.instances[inst.ID] = &inst
		m.supervisor.Register(inst.ID, launchSpec(inst), launchOptions(inst))
	}
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.runEvents(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.collector.Run(ctx)
	}()

	m.log.Info().Int("instances", len(insts)).Msg("manager opened")
	return nil
}

// Close stops every active instance, forcing those still up when ctx is
// done, then shuts down the background loops.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		err = m.supervisor.StopAll(ctx)
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		m.supervisor.Close()
		m.log.Info().Msg("manager closed")
	})
	return err
}

func (m *Manager) runEvents(ctx context.Context) {
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-m.events:
					m.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

// handleEvent applies one supervisor or collector event. It runs on the
// event loop and must not call into the supervisor, which may be blocked
// delivering the next event.
func (m *Manager) handleEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventLog:
		m.sink.OnLog(ev.InstanceID, ev.Level, ev.Text)

	case domain.EventStatus:
		m.mu.Lock()
		inst, ok := m.instances[ev.InstanceID]
		if !ok {
			m.mu.Unlock()
			return
		}
		inst.Status = ev.Status
		inst.PID = ev.PID
		if ev.Status == domain.StatusStarting && !ev.StartedAt.IsZero() {
			inst.LastStartedAt = ev.StartedAt
		}
		if !ev.Status.Active() {
			inst.PID = 0
		}
		if ev.Status != domain.StatusRunning {
			inst.Resources = domain.ResourceSnapshot{}
		}
		snapshot := inst.Clone()
		if err := m.store.SaveInstance(&snapshot); err != nil {
			m.log.Error().Err(err).Str("instance_id", ev.InstanceID).Msg("failed to persist status")
		}
		m.mu.Unlock()

		if ev.Status != domain.StatusRunning {
			m.collector.Forget(ev.InstanceID)
		}
		m.log.Info().Str("instance_id", ev.InstanceID).Str("status", string(ev.Status)).Int("pid", ev.PID).Msg("status changed")
		m.sink.OnStatusChange(snapshot)

	case domain.EventMetrics:
		m.mu.Lock()
		inst, ok := m.instances[ev.InstanceID]
		if !ok || inst.Status != domain.StatusRunning || inst.PID != ev.PID {
			m.mu.Unlock()
			return
		}
		inst.Resources = ev.Resources
		snapshot := inst.Clone()
		m.mu.Unlock()

		m.sink.OnMetrics(snapshot)
	}
}

func (m *Manager) lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func launchSpec(inst domain.Instance) runner.Spec {
	return runner.Spec{
		Executable: inst.Executable,
		Args:       inst.Args,
		Env:        inst.Environ(),
		Dir:        inst.Dir,
	}
}

func launchOptions(inst domain.Instance) runner.Options {
	return runner.Options{AutoRestart: inst.AutoRestart, StopCommand: inst.StopCommand}
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidRequest)
	}
	if strings.ContainsAny(name, "\\/:*?\"<>|") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: name contains forbidden characters", domain.ErrInvalidRequest)
	}
	return nil
}

var folderNameRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func sanitizeFolderName(name string) string {
	name = strings.ReplaceAll(name, " ", "_")
	sanitized := folderNameRe.ReplaceAllString(name, "")
	if len(sanitized) > 50 {
		sanitized = sanitized[:50]
	}
	return sanitized
}

// usedPortsLocked returns every port held by an instance other than
// exclude, plus the ports reserved by in-flight installs.
func (m *Manager) usedPortsLocked(exclude string) map[int]bool {
	used := make(map[int]bool)
	for id, inst := range m.instances {
		if id == exclude {
			continue
		}
		for _, p := range inst.Ports {
			used[p] = true
		}
	}
	for p := range m.reserved {
		used[p] = true
	}
	return used
}

// Create provisions a new instance: it allocates a fresh directory and the
// template's ports, runs the install steps, renders the config file and
// persists the instance as Stopped. A failed install leaves its files on
// disk for inspection and does not register the instance.
func (m *Manager) Create(ctx context.Context, req CreateRequest, progress chan<- domain.ProgressEvent) (*domain.Instance, error) {
	if err := validateName(req.Name); err != nil {
		return nil, domain.NewOpError("create", "", err)
	}
	tmpl, err := m.catalog.Lookup(req.TemplateID)
	if err != nil {
		return nil, domain.NewOpError("create", "", err)
	}

	id := uuid.New().String()
	folderName := sanitizeFolderName(req.Name)
	if folderName == "" {
		folderName = id
	}

	log := m.log.With().Str("instance_id", id).Str("template", tmpl.ID).Logger()

	domain.SendProgress(progress, domain.ProgressEvent{ServerID: id, Message: "Allocating ports..."})
	m.mu.Lock()
	ports, err := m.ports.Allocate(tmpl.Ports, m.usedPortsLocked(""))
	if err == nil {
		for _, p := range ports {
			m.reserved[p] = true
		}
	}
	m.mu.Unlock()
	if err != nil {
		return nil, domain.NewOpError("create", id, fmt.Errorf("error allocating ports: %w", err))
	}
	defer func() {
		m.mu.Lock()
		for _, p := range ports {
			delete(m.reserved, p)
		}
		m.mu.Unlock()
	}()

	dir, err := m.claimDir(folderName, id)
	if err != nil {
		return nil, domain.NewOpError("create", id, fmt.Errorf("error creating server directory: %w", err))
	}

	log.Info().Str("dir", dir).Interface("ports", ports).Msg("installing instance")
	if err := m.pipeline.Run(ctx, dir, tmpl.Steps, progress); err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("installation failed")
		return nil, domain.NewOpError("create", id, err)
	}

	env := make(map[string]string, len(tmpl.Env)+len(req.Env))
	for k, v := range tmpl.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}
	args := tmpl.Args
	if len(req.Args) > 0 {
		args = append([]string(nil), req.Args...)
	}

	inst := domain.Instance{
		ID:          id,
		TemplateID:  tmpl.ID,
		Name:        req.Name,
		Dir:         dir,
		Executable:  tmpl.Executable,
		Args:        args,
		Env:         env,
		StopCommand: tmpl.StopCommand,
		Config:      req.Config,
		Ports:       ports,
		Status:      domain.StatusStopped,
		AutoRestart: req.AutoRestart,
		CreatedAt:   time.Now(),
	}
	inst = inst.Clone()

	domain.SendProgress(progress, domain.ProgressEvent{ServerID: id, Message: "Configuring server...", Progress: 100})
	if err := renderConfig(tmpl, inst); err != nil {
		log.Error().Err(err).Msg("failed to write config file")
		return nil, domain.NewOpError("create", id, fmt.Errorf("error writing %s: %w", tmpl.ConfigFile, err))
	}

	m.mu.Lock()
	if err := m.store.SaveInstance(&inst); err != nil {
		m.mu.Unlock()
		os.RemoveAll(dir)
		return nil, domain.NewOpError("create", id, fmt.Errorf("DB error: %w", err))
	}
	stored := inst.Clone()
	m.instances[id] = &stored
	m.mu.Unlock()

	m.supervisor.Register(id, launchSpec(inst), launchOptions(inst))
	log.Info().Str("name", inst.Name).Msg("instance created")
	m.sink.OnStatusChange(inst)
	return &inst, nil
}

// claimDir creates a new instance directory named after folder, or after
// folder plus the short id when that name is taken. os.Mkdir fails on an
// existing path, so concurrent creates never share a directory.
func (m *Manager) claimDir(folder, id string) (string, error) {
	if err := os.MkdirAll(m.serversPath, 0755); err != nil {
		return "", err
	}
	dir := filepath.Join(m.serversPath, folder)
	err := os.Mkdir(dir, 0755)
	if os.IsExist(err) {
		dir = filepath.Join(m.serversPath, fmt.Sprintf("%s-%s", folder, id[:8]))
		err = os.Mkdir(dir, 0755)
	}
	if err != nil {
		return "", err
	}
	return dir, nil
}

// Get returns the instance with its live lifecycle state.
func (m *Manager) Get(id string) (domain.Instance, error) {
	m.mu.RLock()
	inst, ok := m.instances[id]
	var c domain.Instance
	if ok {
		c = inst.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return domain.Instance{}, domain.NewOpError("get", id, domain.ErrInstanceNotFound)
	}
	return m.overlay(c), nil
}

// overlay refreshes status and pid from the supervisor, which may be ahead
// of the event loop. Never call it with m.mu held.
func (m *Manager) overlay(inst domain.Instance) domain.Instance {
	st, err := m.supervisor.State(inst.ID)
	if err != nil {
		return inst
	}
	inst.Status = st.Status
	inst.PID = st.PID
	if st.Status != domain.StatusRunning {
		inst.Resources = domain.ResourceSnapshot{}
	}
	return inst
}

// List returns every instance, oldest first.
func (m *Manager) List() []domain.Instance {
	m.mu.RLock()
	list := make([]domain.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		list = append(list, inst.Clone())
	}
	m.mu.RUnlock()

	for i := range list {
		list[i] = m.overlay(list[i])
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// Update changes instance settings. A running process keeps its old
// settings until it is restarted.
func (m *Manager) Update(id string, req UpdateRequest) (domain.Instance, error) {
	if req.Name != nil {
		if err := validateName(*req.Name); err != nil {
			return domain.Instance{}, domain.NewOpError("update", id, err)
		}
	}

	unlock := m.lock(id)
	defer unlock()

	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return domain.Instance{}, domain.NewOpError("update", id, domain.ErrInstanceNotFound)
	}
	updated := inst.Clone()
	if req.Name != nil {
		updated.Name = *req.Name
	}
	if req.AutoRestart != nil {
		updated.AutoRestart = *req.AutoRestart
	}
	if req.Args != nil {
		updated.Args = append([]string(nil), req.Args...)
	}
	if req.Env != nil {
		updated.Env = req.Env
	}
	if req.Config != nil {
		updated.Config = req.Config
	}
	if req.StopCommand != nil {
		updated.StopCommand = *req.StopCommand
	}
	updated = updated.Clone()

	if err := m.store.SaveInstance(&updated); err != nil {
		m.mu.Unlock()
		return domain.Instance{}, domain.NewOpError("update", id, fmt.Errorf("DB error: %w", err))
	}
	stored := updated.Clone()
	m.instances[id] = &stored
	m.mu.Unlock()

	if err := m.supervisor.Configure(id, launchSpec(updated), launchOptions(updated)); err != nil {
		return domain.Instance{}, domain.NewOpError("update", id, err)
	}

	result := m.overlay(updated)
	m.sink.OnStatusChange(result)
	return result, nil
}

// Delete removes a stopped instance, its directory and its record. Backups
// of the instance are kept.
func (m *Manager) Delete(id string) error {
	unlock := m.lock(id)
	defer unlock()

	m.mu.RLock()
	inst, ok := m.instances[id]
	var c domain.Instance
	if ok {
		c = inst.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return domain.NewOpError("delete", id, domain.ErrInstanceNotFound)
	}

	if err := m.supervisor.Remove(id); err != nil {
		return domain.NewOpError("delete", id, err)
	}

	m.mu.Lock()
	if err := m.store.DeleteInstance(id); err != nil {
		m.mu.Unlock()
		m.supervisor.Register(id, launchSpec(c), launchOptions(c))
		return domain.NewOpError("delete", id, fmt.Errorf("error deleting server from database: %w", err))
	}
	delete(m.instances, id)
	m.mu.Unlock()

	m.collector.Forget(id)
	if err := os.RemoveAll(c.Dir); err != nil {
		return domain.NewOpError("delete", id, fmt.Errorf("error deleting server files: %w", err))
	}
	m.log.Info().Str("instance_id", id).Msg("instance deleted")
	return nil
}

// Start launches the instance. Ports that have been taken since the last
// run are reassigned and the config file is rewritten before the process
// is spawned.
func (m *Manager) Start(id string) error {
	unlock := m.lock(id)
	defer unlock()
	return m.start(id)
}

func (m *Manager) start(id string) error {
	st, err := m.supervisor.State(id)
	if err != nil {
		return domain.NewOpError("start", id, err)
	}
	if st.Status.Active() {
		return domain.NewOpError("start", id, domain.ErrAlreadyRunning)
	}

	inst, err := m.prepare(id)
	if err != nil {
		return domain.NewOpError("start", id, err)
	}

	if err := m.supervisor.Configure(id, launchSpec(inst), launchOptions(inst)); err != nil {
		return domain.NewOpError("start", id, err)
	}
	return m.supervisor.Start(id)
}

// prepare re-checks ports and rewrites the config file.
func (m *Manager) prepare(id string) (domain.Instance, error) {
	m.mu.RLock()
	cur, ok := m.instances[id]
	var inst domain.Instance
	if ok {
		inst = cur.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return domain.Instance{}, domain.ErrInstanceNotFound
	}

	tmpl, err := m.catalog.Lookup(inst.TemplateID)
	if err != nil {
		m.log.Warn().Err(err).Str("instance_id", id).Msg("template unavailable, starting without config refresh")
		return inst, nil
	}

	m.mu.Lock()
	ports, changed, err := m.ports.Ensure(tmpl.Ports, inst.Ports, m.usedPortsLocked(id))
	if err != nil {
		m.mu.Unlock()
		return domain.Instance{}, err
	}
	if changed {
		m.log.Info().Str("instance_id", id).Interface("ports", ports).Msg("reassigned ports")
		inst.Ports = ports
		if err := m.store.SaveInstance(&inst); err != nil {
			m.mu.Unlock()
			return domain.Instance{}, fmt.Errorf("DB error: %w", err)
		}
		if cur, ok := m.instances[id]; ok {
			cur.Ports = inst.Clone().Ports
		}
	}
	m.mu.Unlock()

	if err := renderConfig(tmpl, inst); err != nil {
		return domain.Instance{}, fmt.Errorf("error writing %s: %w", tmpl.ConfigFile, err)
	}
	return inst, nil
}

// Stop stops the instance, gracefully unless force is set.
func (m *Manager) Stop(id string, force bool) error {
	return m.supervisor.Stop(id, force)
}

// Restart stops the instance if needed and starts it again. A stop that
// had to kill the process still counts as stopped.
func (m *Manager) Restart(id string) error {
	unlock := m.lock(id)
	defer unlock()

	if err := m.supervisor.Stop(id, false); err != nil && !errors.Is(err, domain.ErrStopTimeout) {
		return domain.NewOpError("restart", id, err)
	}
	if err := m.start(id); err != nil {
		return domain.NewOpError("restart", id, err)
	}
	return nil
}

func (m *Manager) SendCommand(id, line string) error {
	return m.supervisor.SendCommand(id, line)
}

func (m *Manager) Templates() []template.ServerTemplate {
	return m.catalog.List()
}

func (m *Manager) Template(id string) (template.ServerTemplate, error) {
	return m.catalog.Lookup(id)
}

// CreateBackup archives the instance directory. Running instances keep
// running.
func (m *Manager) CreateBackup(ctx context.Context, instanceID, name string, progress chan<- domain.ProgressEvent) (*domain.BackupRecord, error) {
	inst, err := m.Get(instanceID)
	if err != nil {
		return nil, domain.NewOpError("backup", instanceID, domain.ErrInstanceNotFound)
	}
	rec, err := m.backups.CreateBackup(ctx, inst, name, progress)
	if err != nil {
		return nil, err
	}
	m.sink.OnBackupCompleted(*rec)
	return rec, nil
}

// ListBackups lists the backups of one instance, or all backups when
// instanceID is empty.
func (m *Manager) ListBackups(instanceID string) ([]domain.BackupRecord, error) {
	if instanceID == "" {
		return m.backups.ListAll()
	}
	return m.backups.List(instanceID)
}

func (m *Manager) GetBackup(id string) (*domain.BackupRecord, error) {
	return m.backups.Get(id)
}

func (m *Manager) DeleteBackup(id string) error {
	return m.backups.Delete(id)
}

// RestoreBackup replaces the instance directory with the backup contents.
// The instance must not be running.
func (m *Manager) RestoreBackup(ctx context.Context, backupID, instanceID string) error {
	unlock := m.lock(instanceID)
	defer unlock()

	inst, err := m.Get(instanceID)
	if err != nil {
		return domain.NewOpError("restore", instanceID, domain.ErrInstanceNotFound)
	}
	if inst.Status.Active() {
		return domain.NewOpError("restore", instanceID, domain.ErrAlreadyRunning)
	}
	if err := m.backups.Restore(ctx, backupID, inst.Dir); err != nil {
		return domain.NewOpError("restore", instanceID, err)
	}
	m.log.Info().Str("instance_id", instanceID).Str("backup_id", backupID).Msg("backup restored")
	return nil
}

func (m *Manager) GetPortRange() (int, int, error) {
	return m.store.GetPortRange()
}

func (m *Manager) SetPortRange(start, end int) error {
	return m.store.SetPortRange(start, end)
}
