package server

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"hostvisor/internal/domain"
	"hostvisor/internal/template"
)

// configValues merges template defaults, instance overrides and allocated
// ports, in increasing precedence.
func configValues(tmpl template.ServerTemplate, inst domain.Instance) map[string]string {
	values := make(map[string]string, len(tmpl.Config)+len(inst.Config)+len(tmpl.Ports))
	for k, v := range tmpl.Config {
		values[k] = v
	}
	for k, v := range inst.Config {
		values[k] = v
	}
	for _, req := range tmpl.Ports {
		if req.ConfigKey == "" {
			continue
		}
		if port, ok := inst.Ports[req.Name]; ok {
			values[req.ConfigKey] = strconv.Itoa(port)
		}
	}
	return values
}

// UpdateProperties merges values into the key=value file at path. Existing
// lines keep their order and comments are left alone; keys not yet present
// are appended in sorted order.
func UpdateProperties(path string, values map[string]string) error {
	var buf bytes.Buffer
	seen := make(map[string]bool, len(values))

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := scanner.Text()
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "!") {
				buf.WriteString(line + "\n")
				continue
			}
			key, _, found := strings.Cut(line, "=")
			key = strings.TrimSpace(key)
			if val, ok := values[key]; ok && found && !seen[key] {
				fmt.Fprintf(&buf, "%s=%s\n", key, val)
				seen[key] = true
				continue
			}
			buf.WriteString(line + "\n")
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("error reading %s: %w", filepath.Base(path), err)
		}
	case os.IsNotExist(err):
		buf.WriteString("# Generated by hostvisor\n")
	default:
		return err
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, values[k])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// renderConfig writes the merged configuration into the template's config
// file. Templates without a config file are left alone.
func renderConfig(tmpl template.ServerTemplate, inst domain.Instance) error {
	if tmpl.ConfigFile == "" {
		return nil
	}
	values := configValues(tmpl, inst)
	if len(values) == 0 {
		return nil
	}
	return UpdateProperties(filepath.Join(inst.Dir, tmpl.ConfigFile), values)
}
