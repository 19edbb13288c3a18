// Package template holds the read-only catalog of server templates: how a
// server type is installed and launched.
package template

import (
	"fmt"
	"path/filepath"
	"strings"
)

type StepType string

const (
	StepDownload StepType = "download"
	StepExtract  StepType = "extract"
	StepExecute  StepType = "execute"
	StepCopy     StepType = "copy"
	StepEdit     StepType = "edit"
)

// InstallStep is one provisioning action. Type selects which of the other
// fields apply:
//
//	download: URL, Dest
//	extract:  Archive
//	execute:  Command, Args
//	copy:     Source, Dest
//	edit:     File, Content
type InstallStep struct {
	Type    StepType `json:"type" yaml:"type" toml:"type"`
	URL     string   `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`
	Dest    string   `json:"dest,omitempty" yaml:"dest,omitempty" toml:"dest,omitempty"`
	Archive string   `json:"archive,omitempty" yaml:"archive,omitempty" toml:"archive,omitempty"`
	Command string   `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Source  string   `json:"source,omitempty" yaml:"source,omitempty" toml:"source,omitempty"`
	File    string   `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`
	Content string   `json:"content,omitempty" yaml:"content,omitempty" toml:"content,omitempty"`
}

func Download(url, dest string) InstallStep {
	return InstallStep{Type: StepDownload, URL: url, Dest: dest}
}

func Extract(archive string) InstallStep {
	return InstallStep{Type: StepExtract, Archive: archive}
}

func Execute(command string, args ...string) InstallStep {
	return InstallStep{Type: StepExecute, Command: command, Args: args}
}

func Copy(source, dest string) InstallStep {
	return InstallStep{Type: StepCopy, Source: source, Dest: dest}
}

func Edit(file, content string) InstallStep {
	return InstallStep{Type: StepEdit, File: file, Content: content}
}

func (s InstallStep) Validate() error {
	switch s.Type {
	case StepDownload:
		if s.URL == "" {
			return fmt.Errorf("download step requires url")
		}
		return validateRelative("dest", s.Dest)
	case StepExtract:
		return validateRelative("archive", s.Archive)
	case StepExecute:
		if s.Command == "" {
			return fmt.Errorf("execute step requires command")
		}
		return nil
	case StepCopy:
		if s.Source == "" {
			return fmt.Errorf("copy step requires source")
		}
		return validateRelative("dest", s.Dest)
	case StepEdit:
		return validateRelative("file", s.File)
	case "":
		return fmt.Errorf("step type is required")
	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
}

func validateRelative(field, p string) error {
	if p == "" {
		return fmt.Errorf("%s is required", field)
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("%s %q must be relative to the instance directory", field, p)
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%s %q escapes the instance directory", field, p)
	}
	return nil
}

type PortRequirement struct {
	Name      string `json:"name" yaml:"name" toml:"name"`
	Protocol  string `json:"protocol,omitempty" yaml:"protocol,omitempty" toml:"protocol,omitempty"`
	ConfigKey string `json:"configKey,omitempty" yaml:"config_key,omitempty" toml:"config_key,omitempty"`
}

type Resources struct {
	MemoryMB int     `json:"memoryMb,omitempty" yaml:"memory_mb,omitempty" toml:"memory_mb,omitempty"`
	CPUCores float64 `json:"cpuCores,omitempty" yaml:"cpu_cores,omitempty" toml:"cpu_cores,omitempty"`
}

// ServerTemplate is the blueprint for one server type.
type ServerTemplate struct {
	ID          string            `json:"id" yaml:"id" toml:"id"`
	Type        string            `json:"type" yaml:"type" toml:"type"`
	Name        string            `json:"name" yaml:"name" toml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Executable  string            `json:"executable" yaml:"executable" toml:"executable"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	Config      map[string]string `json:"config,omitempty" yaml:"config,omitempty" toml:"config,omitempty"`
	ConfigFile  string            `json:"configFile,omitempty" yaml:"config_file,omitempty" toml:"config_file,omitempty"`
	StopCommand string            `json:"stopCommand,omitempty" yaml:"stop_command,omitempty" toml:"stop_command,omitempty"`
	Ports       []PortRequirement `json:"ports,omitempty" yaml:"ports,omitempty" toml:"ports,omitempty"`
	Resources   Resources         `json:"resources" yaml:"resources,omitempty" toml:"resources,omitempty"`
	Steps       []InstallStep     `json:"steps" yaml:"steps" toml:"steps"`
}

func (t ServerTemplate) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if t.Executable == "" {
		return fmt.Errorf("template %s: executable is required", t.ID)
	}
	if t.ConfigFile != "" {
		if err := validateRelative("config_file", t.ConfigFile); err != nil {
			return fmt.Errorf("template %s: %w", t.ID, err)
		}
	}
	seen := make(map[string]bool)
	for _, p := range t.Ports {
		if p.Name == "" {
			return fmt.Errorf("template %s: port name is required", t.ID)
		}
		if seen[p.Name] {
			return fmt.Errorf("template %s: duplicate port %q", t.ID, p.Name)
		}
		seen[p.Name] = true
		switch strings.ToLower(p.Protocol) {
		case "", "tcp", "udp":
		default:
			return fmt.Errorf("template %s: port %s has unsupported protocol %q", t.ID, p.Name, p.Protocol)
		}
	}
	for i, s := range t.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("template %s: step %d: %w", t.ID, i, err)
		}
	}
	return nil
}

// clone deep-copies t so callers cannot reach into the catalog.
func (t ServerTemplate) clone() ServerTemplate {
	c := t
	c.Args = append([]string(nil), t.Args...)
	c.Env = cloneMap(t.Env)
	c.Config = cloneMap(t.Config)
	c.Ports = append([]PortRequirement(nil), t.Ports...)
	c.Steps = make([]InstallStep, len(t.Steps))
	for i, s := range t.Steps {
		s.Args = append([]string(nil), s.Args...)
		c.Steps[i] = s
	}
	return c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
