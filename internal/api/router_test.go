package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"hostvisor/internal/archive"
	"hostvisor/internal/domain"
	"hostvisor/internal/metrics"
	"hostvisor/internal/runner"
	"hostvisor/internal/runner/runnertest"
	"hostvisor/internal/server"
	"hostvisor/internal/storage"
	"hostvisor/internal/template"
	"hostvisor/internal/ws"
)

type idleSampler struct{}

func (idleSampler) Sample(int) (metrics.Sample, error) { return metrics.Sample{MemoryBytes: 4096}, nil }

type testAPI struct {
	srv     *httptest.Server
	spawner *runnertest.Spawner
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	root := t.TempDir()

	store, err := storage.NewGormStore(filepath.Join(root, "test.db"), 40000, 40010, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	catalog, err := template.NewCatalog(template.ServerTemplate{
		ID:          "echo",
		Name:        "Echo",
		Executable:  "./echo",
		StopCommand: "stop",
		Steps:       []template.InstallStep{template.Edit("echo.conf", "mode=loud\n")},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	spawner := runnertest.NewSpawner()
	spawner.Configure = func(p *runnertest.Process) { p.ExitOnInput("stop") }

	hubs := ws.NewHubManager(50, zerolog.Nop())
	reg := prometheus.NewRegistry()
	mgr := server.NewManager(server.Options{
		ServersPath: filepath.Join(root, "servers"),
		BackupsPath: filepath.Join(root, "backups"),
		Catalog:     catalog,
		Store:       store,
		Files:       archive.NewProvider(nil),
		Spawner:     spawner,
		Sampler:     idleSampler{},
		Sink:        hubs,
		Supervisor: runner.Config{
			GracePeriod:  200 * time.Millisecond,
			StartupDelay: 20 * time.Millisecond,
			Restart:      runner.RestartPolicy{Delay: 30 * time.Millisecond, Backoff: 1},
		},
		MetricsInterval: 50 * time.Millisecond,
		Registerer:      reg,
		Logger:          zerolog.Nop(),
	})
	if err := mgr.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	hubs.SetCommandHandler(func(id, line string) { mgr.SendCommand(id, line) })

	srv := httptest.NewServer(NewServer(mgr, hubs, reg, zerolog.Nop()).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Close(ctx)
		hubs.Close()
	})
	return &testAPI{srv: srv, spawner: spawner}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		rd = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, a.srv.URL+path, rd)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (a *testAPI) create(t *testing.T, name string) domain.Instance {
	t.Helper()
	status, body := a.do(t, "POST", "/servers", map[string]any{"name": name, "templateId": "echo"})
	if status != http.StatusCreated {
		t.Fatalf("create: %d %s", status, body)
	}
	var inst domain.Instance
	json.Unmarshal(body, &inst)
	return inst
}

func errorKind(t *testing.T, body []byte) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("error body %q: %v", body, err)
	}
	if resp.Message == "" {
		t.Errorf("error without message: %s", body)
	}
	return resp.Error
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)

	if status, _ := a.do(t, "GET", "/healthz", nil); status != http.StatusOK {
		t.Errorf("healthz = %d", status)
	}
	status, body := a.do(t, "GET", "/metrics", nil)
	if status != http.StatusOK || !strings.Contains(string(body), "hostvisor_metrics_sample_failures_total") {
		t.Errorf("metrics = %d\n%s", status, body)
	}
}

func TestServerLifecycle(t *testing.T) {
	a := newTestAPI(t)
	inst := a.create(t, "alpha")
	if inst.Status != domain.StatusStopped || inst.TemplateID != "echo" {
		t.Fatalf("created %+v", inst)
	}

	status, body := a.do(t, "GET", "/servers", nil)
	var list []domain.Instance
	json.Unmarshal(body, &list)
	if status != http.StatusOK || len(list) != 1 {
		t.Fatalf("list = %d %s", status, body)
	}

	base := "/servers/" + inst.ID
	if status, body := a.do(t, "POST", base+"/start", nil); status != http.StatusOK {
		t.Fatalf("start = %d %s", status, body)
	}
	status, body = a.do(t, "POST", base+"/start", nil)
	if status != http.StatusConflict || errorKind(t, body) != "AlreadyRunning" {
		t.Errorf("second start = %d %s", status, body)
	}

	if status, body := a.do(t, "POST", base+"/command", map[string]string{"command": "say hi"}); status != http.StatusNoContent {
		t.Errorf("command = %d %s", status, body)
	}
	if input := a.spawner.Last().Input(); len(input) != 1 || input[0] != "say hi" {
		t.Errorf("stdin = %v", input)
	}

	status, body = a.do(t, "DELETE", base, nil)
	if status != http.StatusConflict {
		t.Errorf("delete running = %d %s", status, body)
	}

	if status, body := a.do(t, "POST", base+"/stop", nil); status != http.StatusOK {
		t.Fatalf("stop = %d %s", status, body)
	}
	status, body = a.do(t, "GET", base, nil)
	var got domain.Instance
	json.Unmarshal(body, &got)
	if status != http.StatusOK || got.Status != domain.StatusStopped {
		t.Errorf("get after stop = %d %s", status, body)
	}

	status, body = a.do(t, "PATCH", base, map[string]any{"name": "beta", "autoRestart": true})
	json.Unmarshal(body, &got)
	if status != http.StatusOK || got.Name != "beta" || !got.AutoRestart {
		t.Errorf("patch = %d %s", status, body)
	}

	if status, body := a.do(t, "DELETE", base, nil); status != http.StatusNoContent {
		t.Fatalf("delete = %d %s", status, body)
	}
	status, body = a.do(t, "GET", base, nil)
	if status != http.StatusNotFound || errorKind(t, body) != "InstanceNotFound" {
		t.Errorf("get after delete = %d %s", status, body)
	}
}

func TestForceStop(t *testing.T) {
	a := newTestAPI(t)
	inst := a.create(t, "alpha")
	a.spawner.Configure = func(p *runnertest.Process) { p.IgnoreTerminate() }

	a.do(t, "POST", "/servers/"+inst.ID+"/start", nil)
	if status, body := a.do(t, "POST", "/servers/"+inst.ID+"/stop?force=true", nil); status != http.StatusOK {
		t.Fatalf("force stop = %d %s", status, body)
	}
	signals := a.spawner.Last().Signals()
	if len(signals) != 1 || signals[0] != runner.SignalKill {
		t.Errorf("signals = %v", signals)
	}
}

func TestErrorMapping(t *testing.T) {
	a := newTestAPI(t)

	cases := []struct {
		method, path string
		body         any
		status       int
		kind         string
	}{
		{"POST", "/servers", map[string]string{"name": "x", "templateId": "nope"}, http.StatusNotFound, "TemplateNotFound"},
		{"POST", "/servers", map[string]string{"name": "a/b", "templateId": "echo"}, http.StatusBadRequest, "InvalidRequest"},
		{"POST", "/servers", "{not json", http.StatusBadRequest, "InvalidRequest"},
		{"POST", "/servers", map[string]string{"name": "x"}, http.StatusBadRequest, "InvalidRequest"},
		{"POST", "/servers/missing/stop", nil, http.StatusNotFound, "InstanceNotFound"},
		{"POST", "/servers/missing/command", map[string]string{"command": "x"}, http.StatusNotFound, "InstanceNotFound"},
		{"GET", "/templates/nope", nil, http.StatusNotFound, "TemplateNotFound"},
		{"GET", "/backups/nope", nil, http.StatusNotFound, "BackupNotFound"},
		{"PUT", "/settings/port-range", map[string]int{"start": 9000, "end": 8000}, http.StatusBadRequest, "InvalidRequest"},
		{"GET", "/ws/progress/not-a-uuid", nil, http.StatusBadRequest, "InvalidRequest"},
	}
	for _, tc := range cases {
		status, body := a.do(t, tc.method, tc.path, tc.body)
		if status != tc.status || errorKind(t, body) != tc.kind {
			t.Errorf("%s %s = %d %s, want %d %s", tc.method, tc.path, status, body, tc.status, tc.kind)
		}
	}

	inst := a.create(t, "alpha")
	status, body := a.do(t, "POST", "/servers/"+inst.ID+"/command", map[string]string{"command": "x"})
	if status != http.StatusConflict || errorKind(t, body) != "NotRunning" {
		t.Errorf("command while stopped = %d %s", status, body)
	}
}

func TestPortRangeAndTemplates(t *testing.T) {
	a := newTestAPI(t)

	status, body := a.do(t, "PUT", "/settings/port-range", map[string]int{"start": 30000, "end": 30100})
	if status != http.StatusOK {
		t.Fatalf("set range = %d %s", status, body)
	}
	_, body = a.do(t, "GET", "/settings/port-range", nil)
	var pr portRange
	json.Unmarshal(body, &pr)
	if pr.Start != 30000 || pr.End != 30100 {
		t.Errorf("range = %+v", pr)
	}

	_, body = a.do(t, "GET", "/templates", nil)
	var templates []template.ServerTemplate
	json.Unmarshal(body, &templates)
	if len(templates) != 1 || templates[0].ID != "echo" {
		t.Errorf("templates = %s", body)
	}
}

func TestFilesEndpoints(t *testing.T) {
	a := newTestAPI(t)
	inst := a.create(t, "alpha")
	base := "/servers/" + inst.ID + "/files"

	if status, body := a.do(t, "PUT", base+"/content?path=ops.json", `["admin"]`); status != http.StatusNoContent {
		t.Fatalf("save = %d %s", status, body)
	}
	status, body := a.do(t, "GET", base+"/content?path=ops.json", nil)
	if status != http.StatusOK || string(body) != `["admin"]` {
		t.Errorf("read = %d %s", status, body)
	}

	status, body = a.do(t, "GET", base+"?path=/", nil)
	var entries []server.FileEntry
	json.Unmarshal(body, &entries)
	if status != http.StatusOK || len(entries) != 2 {
		t.Errorf("list = %d %s", status, body)
	}

	status, body = a.do(t, "GET", base+"/content?path=../../etc/passwd", nil)
	if status != http.StatusBadRequest {
		t.Errorf("escape = %d %s", status, body)
	}
	status, body = a.do(t, "GET", base+"/content?path=missing.txt", nil)
	if status != http.StatusNotFound || errorKind(t, body) != "NotFound" {
		t.Errorf("missing file = %d %s", status, body)
	}

	if status, _ := a.do(t, "DELETE", base+"?path=ops.json", nil); status != http.StatusNoContent {
		t.Errorf("delete = %d", status)
	}
}

func TestBackupEndpoints(t *testing.T) {
	a := newTestAPI(t)
	inst := a.create(t, "alpha")

	status, body := a.do(t, "POST", "/servers/"+inst.ID+"/backups", map[string]string{"name": "nightly"})
	if status != http.StatusCreated {
		t.Fatalf("backup = %d %s", status, body)
	}
	var rec domain.BackupRecord
	json.Unmarshal(body, &rec)
	if rec.Size <= 0 || rec.Name != "nightly" {
		t.Errorf("record = %+v", rec)
	}

	_, body = a.do(t, "GET", "/servers/"+inst.ID+"/backups", nil)
	var list []domain.BackupRecord
	json.Unmarshal(body, &list)
	if len(list) != 1 {
		t.Errorf("backups = %s", body)
	}

	if status, body := a.do(t, "POST", "/servers/"+inst.ID+"/restore", map[string]string{"backupId": rec.ID}); status != http.StatusOK {
		t.Errorf("restore = %d %s", status, body)
	}
	if status, _ := a.do(t, "DELETE", "/backups/"+rec.ID, nil); status != http.StatusNoContent {
		t.Errorf("delete = %d", status)
	}
	if status, _ := a.do(t, "GET", "/backups/"+rec.ID, nil); status != http.StatusNotFound {
		t.Errorf("get after delete = %d", status)
	}
}

func dialWS(t *testing.T, a *testAPI, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(a.srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads websocket messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(ws.Message) bool) ws.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg ws.Message
		if json.Unmarshal(data, &msg) == nil && match(msg) {
			return msg
		}
	}
}

func TestEventsStream(t *testing.T) {
	a := newTestAPI(t)
	inst := a.create(t, "alpha")
	conn := dialWS(t, a, "/ws/events")

	a.do(t, "POST", "/servers/"+inst.ID+"/start", nil)
	readUntil(t, conn, func(m ws.Message) bool {
		return m.Type == ws.MessageStatus && m.Instance != nil && m.InstanceID == inst.ID && m.Instance.Status == domain.StatusRunning
	})
	readUntil(t, conn, func(m ws.Message) bool {
		return m.Type == ws.MessageMetrics && m.Instance != nil && m.Instance.Resources.MemoryBytes == 4096
	})
}

func TestConsoleStream(t *testing.T) {
	a := newTestAPI(t)
	inst := a.create(t, "alpha")
	a.do(t, "POST", "/servers/"+inst.ID+"/start", nil)

	conn := dialWS(t, a, "/ws/servers/"+inst.ID+"/console")
	a.spawner.Last().WriteStdout("Server ready")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) == "Server ready" {
			break
		}
	}

	conn.WriteMessage(websocket.TextMessage, []byte("list\n"))
	deadline := time.Now().Add(3 * time.Second)
	for {
		input := a.spawner.Last().Input()
		if len(input) > 0 && input[len(input)-1] == "list" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("console input not forwarded, stdin = %v", input)
		}
		time.Sleep(5 * time.Millisecond)
	}

	status, _ := a.do(t, "GET", "/ws/servers/missing/console", nil)
	if status != http.StatusNotFound {
		t.Errorf("console for unknown instance = %d", status)
	}
}

func TestCreateProgressStream(t *testing.T) {
	a := newTestAPI(t)
	requestID := uuid.NewString()
	conn := dialWS(t, a, "/ws/progress/"+requestID)

	status, body := a.do(t, "POST", "/servers", map[string]string{"name": "alpha", "templateId": "echo", "requestId": requestID})
	if status != http.StatusCreated {
		t.Fatalf("create = %d %s", status, body)
	}
	msg := readUntil(t, conn, func(m ws.Message) bool {
		return m.Type == ws.MessageProgress && m.Progress != nil && m.Progress.Progress == 100
	})
	if msg.Progress.Message == "" {
		t.Errorf("progress without message: %+v", msg.Progress)
	}
}
