package domain

import (
	"sort"
	"time"
)

type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusCrashed  Status = "CRASHED"
)

// Active reports whether a process is bound to an instance in this state.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

type ResourceSnapshot struct {
	CPUPercent  float64       `json:"cpuPercent"`
	MemoryBytes uint64        `json:"memoryBytes"`
	Uptime      time.Duration `json:"uptime"`
	SampledAt   time.Time     `json:"sampledAt"`
}

// Instance is one provisioned server and its working directory.
type Instance struct {
	ID            string            `json:"id"`
	TemplateID    string            `json:"templateId"`
	Name          string            `json:"name"`
	Dir           string            `json:"dir"`
	Executable    string            `json:"executable"`
	Args          []string          `json:"args"`
	Env           map[string]string `json:"env,omitempty"`
	StopCommand   string            `json:"stopCommand,omitempty"`
	Config        map[string]string `json:"config,omitempty"`
	Ports         map[string]int    `json:"ports,omitempty"`
	Status        Status            `json:"status"`
	AutoRestart   bool              `json:"autoRestart"`
	PID           int               `json:"pid,omitempty"`
	LastStartedAt time.Time         `json:"lastStartedAt,omitempty"`
	Resources     ResourceSnapshot  `json:"resources"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Clone returns a copy that shares no maps or slices with i.
func (i Instance) Clone() Instance {
	c := i
	c.Args = append([]string(nil), i.Args...)
	c.Env = cloneMap(i.Env)
	c.Config = cloneMap(i.Config)
	if i.Ports != nil {
		c.Ports = make(map[string]int, len(i.Ports))
		for k, v := range i.Ports {
			c.Ports[k] = v
		}
	}
	return c
}

// Environ renders Env as sorted KEY=VALUE pairs.
func (i Instance) Environ() []string {
	keys := make([]string, 0, len(i.Env))
	for k := range i.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+i.Env[k])
	}
	return env
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

type BackupRecord struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instanceId"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ProgressEvent struct {
	ServerID     string  `json:"serverId"`
	Message      string  `json:"message"`
	Progress     float64 `json:"progress"`
	CurrentBytes int64   `json:"currentBytes"`
	TotalBytes   int64   `json:"totalBytes"`
}

// SendProgress delivers ev without blocking; a full or nil channel drops it.
func SendProgress(ch chan<- ProgressEvent, ev ProgressEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}
