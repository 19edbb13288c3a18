package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hostvisor/internal/archive"
	"hostvisor/internal/domain"
	"hostvisor/internal/install"
	"hostvisor/internal/metrics"
	"hostvisor/internal/runner"
	"hostvisor/internal/runner/runnertest"
	"hostvisor/internal/storage"
	"hostvisor/internal/template"
)

type fakeSampler struct{}

func (fakeSampler) Sample(int) (metrics.Sample, error) {
	return metrics.Sample{CPUPercent: 12.5, MemoryBytes: 1 << 20}, nil
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []domain.Instance
	metrics  []domain.Instance
	logs     []string
	backups  []domain.BackupRecord
}

func (s *recordingSink) OnStatusChange(inst domain.Instance) {
	s.mu.Lock()
	s.statuses = append(s.statuses, inst)
	s.mu.Unlock()
}

func (s *recordingSink) OnLog(_ string, _ domain.LogLevel, text string) {
	s.mu.Lock()
	s.logs = append(s.logs, text)
	s.mu.Unlock()
}

func (s *recordingSink) OnMetrics(inst domain.Instance) {
	s.mu.Lock()
	s.metrics = append(s.metrics, inst)
	s.mu.Unlock()
}

func (s *recordingSink) OnBackupCompleted(rec domain.BackupRecord) {
	s.mu.Lock()
	s.backups = append(s.backups, rec)
	s.mu.Unlock()
}

func (s *recordingSink) hasLog(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.logs, text)
}

func (s *recordingSink) metricsFor(id string) []domain.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Instance
	for _, inst := range s.metrics {
		if inst.ID == id {
			out = append(out, inst)
		}
	}
	return out
}

func demoTemplate() template.ServerTemplate {
	return template.ServerTemplate{
		ID:          "demo",
		Type:        "demo",
		Name:        "Demo",
		Executable:  "./run.sh",
		Args:        []string{"--nogui"},
		Env:         map[string]string{"MODE": "test"},
		Config:      map[string]string{"motd": "hello", "max-players": "10"},
		ConfigFile:  "server.properties",
		StopCommand: "stop",
		Ports: []template.PortRequirement{
			{Name: "game", Protocol: "tcp", ConfigKey: "server-port"},
			{Name: "query", Protocol: "udp"},
		},
		Steps: []template.InstallStep{
			template.Edit("server.properties", "# existing\nmotd=old\nlevel-name=world\n"),
			template.Edit("eula.txt", "eula=true\n"),
		},
	}
}

func brokenTemplate() template.ServerTemplate {
	return template.ServerTemplate{
		ID:         "broken",
		Executable: "./run.sh",
		Steps: []template.InstallStep{
			template.Edit("first.txt", "written"),
			template.Copy("/nonexistent/hostvisor-asset", "second.txt"),
		},
	}
}

func newStore(t *testing.T) *storage.GormStore {
	t.Helper()
	store, err := storage.NewGormStore(filepath.Join(t.TempDir(), "test.db"), 40000, 40010, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type harness struct {
	m       *Manager
	spawner *runnertest.Spawner
	sink    *recordingSink
	store   *storage.GormStore
	root    string
}

func newHarness(t *testing.T, store *storage.GormStore) *harness {
	t.Helper()
	catalog, err := template.NewCatalog(demoTemplate(), brokenTemplate())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	spawner := runnertest.NewSpawner()
	spawner.Configure = func(p *runnertest.Process) { p.ExitOnInput("stop") }
	sink := &recordingSink{}
	root := t.TempDir()

	m := NewManager(Options{
		ServersPath: filepath.Join(root, "servers"),
		BackupsPath: filepath.Join(root, "backups"),
		Catalog:     catalog,
		Store:       store,
		Files:       archive.NewProvider(nil),
		Spawner:     spawner,
		Sampler:     fakeSampler{},
		Sink:        sink,
		Supervisor: runner.Config{
			GracePeriod:  200 * time.Millisecond,
			StartupDelay: 20 * time.Millisecond,
			Restart:      runner.RestartPolicy{Delay: 30 * time.Millisecond, Backoff: 1},
		},
		MetricsInterval: 20 * time.Millisecond,
		Logger:          zerolog.Nop(),
	})
	m.ports.available = func(int, string) bool { return true }

	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return &harness{m: m, spawner: spawner, sink: sink, store: store, root: root}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) create(t *testing.T, name string) domain.Instance {
	t.Helper()
	inst, err := h.m.Create(context.Background(), CreateRequest{Name: name, TemplateID: "demo"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return *inst
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.Status) domain.Instance {
	t.Helper()
	var inst domain.Instance
	waitFor(t, "status "+string(want), func() bool {
		inst, _ = h.m.Get(id)
		return inst.Status == want
	})
	return inst
}

func TestCreateRendersConfigAndPersists(t *testing.T) {
	h := newHarness(t, newStore(t))
	progress := make(chan domain.ProgressEvent, 64)

	inst, err := h.m.Create(context.Background(), CreateRequest{
		Name:       "My Server",
		TemplateID: "demo",
		Env:        map[string]string{"EXTRA": "1"},
		Config:     map[string]string{"motd": "custom"},
	}, progress)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if inst.Status != domain.StatusStopped || inst.PID != 0 {
		t.Errorf("new instance status = %s pid %d", inst.Status, inst.PID)
	}
	if filepath.Base(inst.Dir) != "My_Server" {
		t.Errorf("dir = %s", inst.Dir)
	}
	if inst.Ports["game"] != 40000 || inst.Ports["query"] != 40001 {
		t.Errorf("ports = %v", inst.Ports)
	}
	if inst.Env["MODE"] != "test" || inst.Env["EXTRA"] != "1" {
		t.Errorf("env = %v", inst.Env)
	}
	if inst.StopCommand != "stop" || inst.Executable != "./run.sh" {
		t.Errorf("launch settings not copied from template: %+v", inst)
	}

	data, err := os.ReadFile(filepath.Join(inst.Dir, "server.properties"))
	if err != nil {
		t.Fatal(err)
	}
	want := "# existing\nmotd=custom\nlevel-name=world\nmax-players=10\nserver-port=40000\n"
	if string(data) != want {
		t.Errorf("server.properties =\n%s\nwant\n%s", data, want)
	}

	stored, err := h.store.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if stored.Ports["game"] != 40000 || stored.TemplateID != "demo" {
		t.Errorf("stored instance = %+v", stored)
	}

	close(progress)
	var sawServerID bool
	for ev := range progress {
		if ev.ServerID == inst.ID {
			sawServerID = true
		}
	}
	if !sawServerID {
		t.Error("no progress event named the new instance")
	}
}

func TestCreateUsesFreshDirectory(t *testing.T) {
	h := newHarness(t, newStore(t))
	first := h.create(t, "twin")
	second := h.create(t, "twin")
	if first.Dir == second.Dir {
		t.Fatalf("both instances use %s", first.Dir)
	}
	if first.Ports["game"] == second.Ports["game"] {
		t.Errorf("both instances got port %d", first.Ports["game"])
	}
}

func TestConcurrentCreatesGetSeparateDirectories(t *testing.T) {
	h := newHarness(t, newStore(t))

	const n = 5
	var wg sync.WaitGroup
	results := make([]*domain.Instance, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.m.Create(context.Background(), CreateRequest{Name: "same", TemplateID: "demo"}, nil)
		}(i)
	}
	wg.Wait()

	dirs := make(map[string]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Create %d: %v", i, errs[i])
		}
		if dirs[results[i].Dir] {
			t.Fatalf("directory %s used twice", results[i].Dir)
		}
		dirs[results[i].Dir] = true
	}
	if !dirs[filepath.Join(h.root, "servers", "same")] {
		t.Errorf("no instance got the plain directory name: %v", dirs)
	}
}

func TestCreateRejectsBadRequests(t *testing.T) {
	h := newHarness(t, newStore(t))

	_, err := h.m.Create(context.Background(), CreateRequest{Name: "x", TemplateID: "nope"}, nil)
	if !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Errorf("unknown template = %v", err)
	}
	_, err = h.m.Create(context.Background(), CreateRequest{Name: "../evil", TemplateID: "demo"}, nil)
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("bad name = %v", err)
	}
	_, err = h.m.Create(context.Background(), CreateRequest{Name: "  ", TemplateID: "demo"}, nil)
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty name = %v", err)
	}
}

func TestCreateInstallFailureKeepsFiles(t *testing.T) {
	h := newHarness(t, newStore(t))

	_, err := h.m.Create(context.Background(), CreateRequest{Name: "broken", TemplateID: "broken"}, nil)
	if !errors.Is(err, domain.ErrInstallStepFailed) {
		t.Fatalf("Create = %v, want ErrInstallStepFailed", err)
	}
	var stepErr *install.StepError
	if !errors.As(err, &stepErr) || stepErr.Index != 1 {
		t.Errorf("failing step = %+v", stepErr)
	}

	if _, err := os.Stat(filepath.Join(h.root, "servers", "broken", "first.txt")); err != nil {
		t.Errorf("first step output missing: %v", err)
	}
	if list := h.m.List(); len(list) != 0 {
		t.Errorf("failed install was registered: %+v", list)
	}
}

func TestCreateFailsWhenPortsRunOut(t *testing.T) {
	h := newHarness(t, newStore(t))
	if err := h.m.SetPortRange(40000, 40002); err != nil {
		t.Fatal(err)
	}
	h.create(t, "first")

	_, err := h.m.Create(context.Background(), CreateRequest{Name: "second", TemplateID: "demo"}, nil)
	if !errors.Is(err, domain.ErrNoFreePort) {
		t.Fatalf("Create = %v, want ErrNoFreePort", err)
	}
	if _, err := os.Stat(filepath.Join(h.root, "servers", "second")); !os.IsNotExist(err) {
		t.Error("directory created although no ports were available")
	}
}

func TestStartRunStop(t *testing.T) {
	h := newHarness(t, newStore(t))
	inst := h.create(t, "alpha")

	if err := h.m.Start(inst.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	running := h.waitStatus(t, inst.ID, domain.StatusRunning)
	if running.PID == 0 {
		t.Error("running instance has no pid")
	}

	proc := h.spawner.Last()
	if proc.Spec.Dir != inst.Dir || proc.Spec.Executable != "./run.sh" {
		t.Errorf("spawn spec = %+v", proc.Spec)
	}
	if !slices.Contains(proc.Spec.Env, "MODE=test") {
		t.Errorf("env = %v", proc.Spec.Env)
	}

	waitFor(t, "metrics", func() bool {
		got, _ := h.m.Get(inst.ID)
		return got.Resources.MemoryBytes == 1<<20 && got.Resources.CPUPercent == 12.5
	})
	waitFor(t, "persisted Running status", func() bool {
		stored, err := h.store.GetInstance(inst.ID)
		return err == nil && stored.Status == domain.StatusRunning
	})

	proc.WriteStdout("Done (1.2s)!")
	waitFor(t, "console line", func() bool { return h.sink.hasLog("Done (1.2s)!") })

	if err := h.m.Stop(inst.ID, false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !slices.Contains(proc.Input(), "stop") {
		t.Errorf("stop command not sent, input = %v", proc.Input())
	}

	stopped := h.waitStatus(t, inst.ID, domain.StatusStopped)
	if stopped.PID != 0 || stopped.Resources.MemoryBytes != 0 {
		t.Errorf("stopped instance keeps process data: %+v", stopped)
	}
	waitFor(t, "persisted Stopped status", func() bool {
		stored, err := h.store.GetInstance(inst.ID)
		return err == nil && stored.Status == domain.StatusStopped && stored.PID == 0
	})

	n := len(h.sink.metricsFor(inst.ID))
	time.Sleep(60 * time.Millisecond)
	if got := len(h.sink.metricsFor(inst.ID)); got != n {
		t.Errorf("metrics kept arriving after stop: %d -> %d", n, got)
	}
}

func TestDoubleStart(t *testing.T) {
	h := newHarness(t, newStore(t))
	inst := h.create(t, "alpha")

	if err := h.m.Start(inst.ID); err != nil {
		t.Fatal(err)
	}
	err := h.m.Start(inst.ID)
	if !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if h.spawner.Count() != 1 {
		t.Errorf("spawned %d processes", h.spawner.Count())
	}
}

func TestStartReassignsBusyPort(t *testing.T) {
	h := newHarness(t, newStore(t))
	inst := h.create(t, "alpha")

	h.m.ports.available = func(port int, _ string) bool { return port != 40000 }
	if err := h.m.Start(inst.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, _ := h.m.Get(inst.ID)
	if got.Ports["game"] != 40002 || got.Ports["query"] != 40001 {
		t.Errorf("ports = %v", got.Ports)
	}
	data, _ := os.ReadFile(filepath.Join(inst.Dir, "server.properties"))
	if !slices.Contains(splitLines(string(data)), "server-port=40002") {
		t.Errorf("config not rewritten:\n%s", data)
	}
	stored, _ := h.store.GetInstance(inst.ID)
	if stored.Ports["game"] != 40002 {
		t.Errorf("stored ports = %v", stored.Ports)
	}
}

func TestCrashAndAutoRestart(t *testing.T) {
	h := newHarness(t, newStore(t))
	inst := h.create(t, "alpha")

	on := true
	if _, err := h.m.Update(inst.ID, UpdateRequest{AutoRestart: &on}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := h.m.Start(inst.ID); err != nil {
		t.Fatal(err)
	}
	first := h.waitStatus(t, inst.ID, domain.StatusRunning)

	h.spawner.Last().Crash(1)
	waitFor(t, "restart", func() bool { return h.spawner.Count() == 2 })
	second := h.waitStatus(t, inst.ID, domain.StatusRunning)
	if second.PID == first.PID {
		t.Errorf("restart reused pid %d", first.PID)
	}
}

func TestCrashWithoutAutoRestart(t *testing.T) {
	h := newHarness(t, newStore(t))
	inst := h.create(t, "alpha")

	if err := h.m.Start(inst.ID); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(t, inst.ID, domain.StatusRunning)
	h.spawner.Last().Crash(2)

	h.waitStatus(t, inst.ID, domain.StatusCrashed)
	time.Sleep(80 * time.Millisecond)
	if h.spawner.Count() != 1 {
		t.Errorf("crashed instance was restarted")
	}
}

func TestUpdate(t *testing.T) {
	h := newHarness(t, newStore(t))
	inst := h.create(t, "alpha")

	name := "beta"
	updated, err := h.m.Update(inst.ID, UpdateRequest{Name: &name, Args: []string{"--port", "1"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "beta" || len(updated.Args) != 2 {
		t.Errorf("updated = %+v", updated)
	}

	if err := h.m.Start(inst.ID); err != nil {
		t.Fatal(err)
	}
	if args := h.spawner.Last().Spec.Args; len(args) != 2 || args[0] != "--port" {
		t.Errorf("spawned with args %v", args)
	}

	bad := "a/b"
	if _, err := h.m.Update(inst.ID, UpdateRequest{Name: &bad}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("Update with bad name = %v", err)
	}
	if _, err := h.m.Update("missing", UpdateRequest{}); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("Update missing = %v", err)
	}
}

func TestDeleteRequiresStopped(t *testing.T) {
	h := newHarness(t, newStore(t))
	inst := h.create(t, "alpha")

	if err := h.m.Start(inst.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Delete(inst.ID); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("Delete running = %v, want ErrAlreadyRunning", err)
	}

	if err := h.m.Stop(inst.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Delete(inst.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(inst.Dir); !os.IsNotExist(err) {
		t.Error("directory not removed")
	}
	if _, err := h.m.Get(inst.ID); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
	if _, err := h.store.GetInstance(inst.ID); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("store still has the instance: %v", err)
	}
}

func TestOpenResetsStaleStatus(t *testing.T) {
	store := newStore(t)
	stale := domain.Instance{
		ID:         "stale",
		TemplateID: "demo",
		Name:       "stale",
		Dir:        t.TempDir(),
		Executable: "./run.sh",
		Status:     domain.StatusRunning,
		PID:        4242,
		CreatedAt:  time.Now(),
	}
	if err := store.SaveInstance(&stale); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, store)
	got, err := h.m.Get("stale")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusStopped || got.PID != 0 {
		t.Errorf("loaded as %s pid %d", got.Status, got.PID)
	}
	stored, _ := store.GetInstance("stale")
	if stored.Status != domain.StatusStopped {
		t.Errorf("stored status = %s", stored.Status)
	}

	if err := h.m.Start("stale"); err != nil {
		t.Fatalf("Start after reload: %v", err)
	}
	h.waitStatus(t, "stale", domain.StatusRunning)
}

func TestSendCommand(t *testing.T) {
	h := newHarness(t, newStore(t))
	inst := h.create(t, "alpha")

	if err := h.m.SendCommand(inst.ID, "say hi"); !errors.Is(err, domain.ErrNotRunning) {
		t.Errorf("SendCommand while stopped = %v", err)
	}
	if err := h.m.Start(inst.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SendCommand(inst.ID, "say hi"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if input := h.spawner.Last().Input(); !slices.Contains(input, "say hi") {
		t.Errorf("input = %v", input)
	}
}

func TestRestart(t *testing.T) {
	h := newHarness(t, newStore(t))
	inst := h.create(t, "alpha")

	if err := h.m.Start(inst.ID); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(t, inst.ID, domain.StatusRunning)
	if err := h.m.Restart(inst.ID); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if h.spawner.Count() != 2 {
		t.Fatalf("spawned %d processes, want 2", h.spawner.Count())
	}
	if !h.spawner.Processes()[0].Exited() {
		t.Error("first process still alive")
	}
	h.waitStatus(t, inst.ID, domain.StatusRunning)
}

func TestBackupAndRestore(t *testing.T) {
	h := newHarness(t, newStore(t))
	inst := h.create(t, "alpha")

	if err := h.m.WriteFile(inst.ID, "world/level.dat", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	rec, err := h.m.CreateBackup(context.Background(), inst.ID, "", nil)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if rec.Size <= 0 || rec.InstanceID != inst.ID {
		t.Errorf("record = %+v", rec)
	}
	h.sink.mu.Lock()
	notified := len(h.sink.backups)
	h.sink.mu.Unlock()
	if notified != 1 {
		t.Errorf("backup notifications = %d", notified)
	}

	h.m.WriteFile(inst.ID, "world/level.dat", []byte("v2"))

	if err := h.m.Start(inst.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.m.RestoreBackup(context.Background(), rec.ID, inst.ID); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("restore while running = %v, want ErrAlreadyRunning", err)
	}
	if err := h.m.Stop(inst.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := h.m.RestoreBackup(context.Background(), rec.ID, inst.ID); err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	data, _ := h.m.ReadFile(inst.ID, "world/level.dat")
	if string(data) != "v1" {
		t.Errorf("level.dat = %q after restore", data)
	}

	list, _ := h.m.ListBackups(inst.ID)
	all, _ := h.m.ListBackups("")
	if len(list) != 1 || len(all) != 1 {
		t.Errorf("ListBackups = %d, all = %d", len(list), len(all))
	}
	if err := h.m.DeleteBackup(rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.GetBackup(rec.ID); !errors.Is(err, domain.ErrBackupNotFound) {
		t.Errorf("GetBackup after delete = %v", err)
	}
}

func TestCreateBackupUnknownInstance(t *testing.T) {
	h := newHarness(t, newStore(t))
	if _, err := h.m.CreateBackup(context.Background(), "missing", "", nil); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("CreateBackup = %v", err)
	}
}

func TestCloseStopsRunningInstances(t *testing.T) {
	h := newHarness(t, newStore(t))
	a := h.create(t, "alpha")
	b := h.create(t, "beta")
	for _, id := range []string{a.ID, b.ID} {
		if err := h.m.Start(id); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, p := range h.spawner.Processes() {
		if !p.Exited() {
			t.Errorf("process %d still running after Close", p.Pid())
		}
	}
	for _, id := range []string{a.ID, b.ID} {
		stored, _ := h.store.GetInstance(id)
		if stored.Status != domain.StatusStopped {
			t.Errorf("%s persisted as %s", id, stored.Status)
		}
	}
}

func TestPortRangeSettings(t *testing.T) {
	h := newHarness(t, newStore(t))
	start, end, err := h.m.GetPortRange()
	if err != nil || start != 40000 || end != 40010 {
		t.Fatalf("GetPortRange = %d-%d, %v", start, end, err)
	}
	if err := h.m.SetPortRange(50000, 49000); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("inverted range = %v", err)
	}
	if len(h.m.Templates()) != 2 {
		t.Errorf("templates = %d", len(h.m.Templates()))
	}
}
