package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hostvisor/internal/domain"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	store, err := NewGormStore(filepath.Join(t.TempDir(), "test.db"), 0, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInstanceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	created := time.Now().UTC().Truncate(time.Second)

	inst := &domain.Instance{
		ID:          "b7c1",
		TemplateID:  "minecraft-paper",
		Name:        "Survival",
		Dir:         "/srv/b7c1",
		Executable:  "java",
		Args:        []string{"-Xmx2G", "-jar", "server.jar", "nogui"},
		Env:         map[string]string{"TZ": "UTC"},
		StopCommand: "stop",
		Config:      map[string]string{"motd": "hello"},
		Ports:       map[string]int{"game": 25565},
		Status:      domain.StatusRunning,
		AutoRestart: true,
		PID:         4242,
		CreatedAt:   created,
	}
	if err := store.SaveInstance(inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	got, err := store.GetInstance("b7c1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Name != "Survival" || got.Executable != "java" || len(got.Args) != 4 || got.Args[2] != "server.jar" {
		t.Errorf("unexpected instance %+v", got)
	}
	if got.Env["TZ"] != "UTC" || got.Config["motd"] != "hello" || got.Ports["game"] != 25565 {
		t.Errorf("maps not persisted: %+v", got)
	}
	if got.PID != 0 {
		t.Errorf("pid should not be persisted, got %d", got.PID)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created = %v, want %v", got.CreatedAt, created)
	}

	got.Name = "Creative"
	if err := store.SaveInstance(got); err != nil {
		t.Fatalf("SaveInstance update: %v", err)
	}
	if err := store.UpdateStatus("b7c1", domain.StatusStopped); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	list, err := store.ListInstances()
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(list) != 1 || list[0].Name != "Creative" || list[0].Status != domain.StatusStopped {
		t.Errorf("ListInstances = %+v", list)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetInstance("missing"); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Fatalf("GetInstance = %v, want ErrInstanceNotFound", err)
	}
}

func TestBackups(t *testing.T) {
	store := newTestStore(t)
	store.SaveInstance(&domain.Instance{ID: "i1", Name: "one"})

	base := time.Now().UTC()
	for i, id := range []string{"old", "new"} {
		err := store.SaveBackup(&domain.BackupRecord{
			ID:         id,
			InstanceID: "i1",
			Name:       id,
			Path:       "/backups/" + id + ".zip",
			Size:       int64(100 * (i + 1)),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveBackup: %v", err)
		}
	}
	store.SaveBackup(&domain.BackupRecord{ID: "other", InstanceID: "i2", CreatedAt: base})

	list, err := store.ListBackups("i1")
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Errorf("ListBackups(i1) = %+v", list)
	}

	all, _ := store.ListBackups("")
	if len(all) != 3 {
		t.Errorf("ListBackups(\"\") returned %d records", len(all))
	}

	rec, err := store.GetBackup("old")
	if err != nil || rec.Size != 100 {
		t.Fatalf("GetBackup = %+v, %v", rec, err)
	}

	if err := store.DeleteBackup("old"); err != nil {
		t.Fatalf("DeleteBackup: %v", err)
	}
	if err := store.DeleteBackup("old"); !errors.Is(err, domain.ErrBackupNotFound) {
		t.Errorf("second DeleteBackup = %v", err)
	}
	if _, err := store.GetBackup("old"); !errors.Is(err, domain.ErrBackupNotFound) {
		t.Errorf("GetBackup after delete = %v", err)
	}

	if err := store.DeleteInstance("i1"); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if left, _ := store.ListBackups("i1"); len(left) != 1 {
		t.Errorf("backups of a deleted instance should be kept, got %+v", left)
	}
}

func TestPortRange(t *testing.T) {
	store := newTestStore(t)

	start, end, err := store.GetPortRange()
	if err != nil {
		t.Fatalf("GetPortRange: %v", err)
	}
	if start != DefaultPortRangeStart || end != DefaultPortRangeEnd {
		t.Errorf("default range = %d-%d", start, end)
	}

	if err := store.SetPortRange(30000, 30010); err != nil {
		t.Fatalf("SetPortRange: %v", err)
	}
	start, end, _ = store.GetPortRange()
	if start != 30000 || end != 30010 {
		t.Errorf("range = %d-%d, want 30000-30010", start, end)
	}

	if err := store.SetPortRange(500, 100); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("SetPortRange(500,100) = %v", err)
	}
}

func TestSeededPortRangeIsNotOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.db")
	store, err := NewGormStore(path, 40000, 40005, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	store.SetPortRange(41000, 41005)
	store.Close()

	reopened, err := NewGormStore(path, 40000, 40005, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	start, end, _ := reopened.GetPortRange()
	if start != 41000 || end != 41005 {
		t.Errorf("range = %d-%d, want the stored 41000-41005", start, end)
	}
}

func TestSettings(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetSetting("theme"); err == nil {
		t.Fatal("expected error for a missing setting")
	}
	store.SetSetting("theme", "dark")
	store.SetSetting("theme", "light")
	if v, err := store.GetSetting("theme"); err != nil || v != "light" {
		t.Errorf("GetSetting = %q, %v", v, err)
	}
}
