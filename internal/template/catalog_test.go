package template

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"hostvisor/internal/domain"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func sampleTemplate(id string) ServerTemplate {
	return ServerTemplate{
		ID:         id,
		Type:       "test",
		Executable: "/bin/true",
		Args:       []string{"a"},
		Config:     map[string]string{"k": "v"},
		Steps:      []InstallStep{Edit("eula.txt", "eula=true")},
	}
}

func TestLookupAndList(t *testing.T) {
	c, err := NewCatalog(sampleTemplate("b"), sampleTemplate("a"))
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	list := c.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", list)
	}

	tpl, err := c.Lookup("a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	tpl.Args[0] = "mutated"
	tpl.Config["k"] = "mutated"
	tpl.Steps[0].File = "other"

	again, _ := c.Lookup("a")
	if again.Args[0] != "a" || again.Config["k"] != "v" || again.Steps[0].File != "eula.txt" {
		t.Errorf("catalog was mutated through a lookup result: %+v", again)
	}
}

func TestLookupNotFound(t *testing.T) {
	c, _ := NewCatalog()
	_, err := c.Lookup("missing")
	if !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestNewCatalogRejectsInvalid(t *testing.T) {
	if _, err := NewCatalog(sampleTemplate("x"), sampleTemplate("x")); err == nil {
		t.Error("expected duplicate id error")
	}

	bad := sampleTemplate("bad")
	bad.Steps = []InstallStep{Download("http://example.com/a.zip", "../a.zip")}
	if _, err := NewCatalog(bad); err == nil {
		t.Error("expected escaping dest to be rejected")
	}

	noExec := sampleTemplate("noexec")
	noExec.Executable = ""
	if _, err := NewCatalog(noExec); err == nil {
		t.Error("expected missing executable to be rejected")
	}

	badPort := sampleTemplate("port")
	badPort.Ports = []PortRequirement{{Name: "game", Protocol: "sctp"}}
	if _, err := NewCatalog(badPort); err == nil {
		t.Error("expected unsupported protocol to be rejected")
	}
}

func TestStepValidate(t *testing.T) {
	valid := []InstallStep{
		Download("http://example.com/x.zip", "x.zip"),
		Extract("x.zip"),
		Execute("chmod", "+x", "run.sh"),
		Copy("/etc/hosts", "hosts"),
		Edit("conf/server.cfg", "a=b"),
	}
	for _, s := range valid {
		if err := s.Validate(); err != nil {
			t.Errorf("%s: unexpected error %v", s.Type, err)
		}
	}

	invalid := []InstallStep{
		{},
		{Type: "unzip"},
		Download("", "x"),
		Extract("/abs/x.zip"),
		Execute(""),
		Copy("", "x"),
		Edit("", "content"),
	}
	for _, s := range invalid {
		if err := s.Validate(); err == nil {
			t.Errorf("%+v: expected validation error", s)
		}
	}
}

func TestBuiltinTemplatesAreValid(t *testing.T) {
	list, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	if len(list) == 0 {
		t.Fatal("no builtin templates")
	}
	if _, err := NewCatalog(list...); err != nil {
		t.Fatalf("builtin templates invalid: %v", err)
	}
}

func TestLoadCatalogOverlaysDirectory(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "custom.yaml", `
id: custom-yaml
type: custom
executable: ./run.sh
args: ["--port", "1234"]
ports:
  - name: game
    protocol: udp
    config_key: port
steps:
  - type: edit
    file: run.sh
    content: "#!/bin/sh\n"
`)
	writeTempFile(t, d, "custom.toml", `
id = "custom-toml"
type = "custom"
executable = "./srv"

[[steps]]
type = "execute"
command = "echo"
args = ["hi"]
`)
	writeTempFile(t, d, "override.json", `{"id":"terraria","type":"terraria","executable":"./patched","steps":[]}`)
	writeTempFile(t, d, "README.md", "ignored")

	c, err := LoadCatalog(d)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	y, err := c.Lookup("custom-yaml")
	if err != nil {
		t.Fatalf("Lookup yaml: %v", err)
	}
	if y.Ports[0].ConfigKey != "port" || y.Steps[0].Type != StepEdit || y.Args[1] != "1234" {
		t.Errorf("yaml template decoded wrong: %+v", y)
	}

	tm, err := c.Lookup("custom-toml")
	if err != nil {
		t.Fatalf("Lookup toml: %v", err)
	}
	if tm.Steps[0].Command != "echo" || tm.Steps[0].Args[0] != "hi" {
		t.Errorf("toml template decoded wrong: %+v", tm)
	}

	tr, err := c.Lookup("terraria")
	if err != nil {
		t.Fatalf("Lookup override: %v", err)
	}
	if tr.Executable != "./patched" {
		t.Errorf("expected directory template to override builtin, got %q", tr.Executable)
	}
	if c.AssetsDir() != d {
		t.Errorf("AssetsDir = %q, want %q", c.AssetsDir(), d)
	}
}

func TestLoadCatalogMissingDirectory(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(c.List()) == 0 {
		t.Error("expected builtin templates")
	}
}

func TestLoadCatalogBadFile(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "broken.yaml", "id: [unterminated")
	if _, err := LoadCatalog(d); err == nil {
		t.Fatal("expected decode error")
	}
}
