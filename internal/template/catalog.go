package template

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"hostvisor/internal/domain"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	templates map[string]ServerTemplate
	ordered   []string
	assetsDir string
}

func NewCatalog(templates ...ServerTemplate) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]ServerTemplate, len(templates))}
	for _, t := range templates {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.templates[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		c.templates[t.ID] = t.clone()
		c.ordered = append(c.ordered, t.ID)
	}
	sort.Strings(c.ordered)
	return c, nil
}

// LoadCatalog returns the built-in templates overlaid with the template files
// found in dir. A template file replaces a built-in with the same id. dir
// may be empty or missing.
func LoadCatalog(dir string) (*Catalog, error) {
	byID := make(map[string]ServerTemplate)

	builtins, err := Builtin()
	if err != nil {
		return nil, err
	}
	for _, t := range builtins {
		byID[t.ID] = t
	}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("could not read templates directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			t, ok, err := decode(e.Name(), data)
			if err != nil {
				return nil, fmt.Errorf("template file %s: %w", path, err)
			}
			if ok {
				byID[t.ID] = t
			}
		}
	}

	list := make([]ServerTemplate, 0, len(byID))
	for _, t := range byID {
		list = append(list, t)
	}
	c, err := NewCatalog(list...)
	if err != nil {
		return nil, err
	}
	c.assetsDir = dir
	return c, nil
}

// Builtin decodes the templates shipped with the binary.
func Builtin() ([]ServerTemplate, error) {
	var out []ServerTemplate
	err := fs.WalkDir(builtinFS, "builtin", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := builtinFS.ReadFile(path)
		if err != nil {
			return err
		}
		t, ok, err := decode(path, data)
		if err != nil {
			return fmt.Errorf("builtin template %s: %w", path, err)
		}
		if ok {
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// decode parses a template file by extension; ok is false for files that
// are not template files.
func decode(name string, data []byte) (t ServerTemplate, ok bool, err error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &t)
	case ".toml":
		err = toml.Unmarshal(data, &t)
	case ".json":
		err = json.Unmarshal(data, &t)
	default:
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}
	return t, true, nil
}

func (c *Catalog) Lookup(id string) (ServerTemplate, error) {
	t, ok := c.templates[id]
	if !ok {
		return ServerTemplate{}, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, id)
	}
	return t.clone(), nil
}

func (c *Catalog) List() []ServerTemplate {
	out := make([]ServerTemplate, 0, len(c.ordered))
	for _, id := range c.ordered {
		out = append(out, c.templates[id].clone())
	}
	return out
}

// AssetsDir is where relative copy-step sources are resolved.
func (c *Catalog) AssetsDir() string {
	return c.assetsDir
}
