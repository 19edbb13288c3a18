package sdk

import "time"

type Resources struct {
	CPUPercent  float64       `json:"cpuPercent"`
	MemoryBytes uint64        `json:"memoryBytes"`
	Uptime      time.Duration `json:"uptime"`
	SampledAt   time.Time     `json:"sampledAt"`
}

type Server struct {
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
	Status        string            `json:"status"`
	AutoRestart   bool              `json:"autoRestart"`
	PID           int               `json:"pid,omitempty"`
	LastStartedAt time.Time         `json:"lastStartedAt,omitempty"`
	Resources     Resources         `json:"resources"`
	CreatedAt     time.Time         `json:"createdAt"`
}

type PortRequirement struct {
	Name      string `json:"name"`
	Protocol  string `json:"protocol,omitempty"`
	ConfigKey string `json:"configKey,omitempty"`
}

type Template struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Executable  string            `json:"executable"`
	Args        []string          `json:"args,omitempty"`
	Ports       []PortRequirement `json:"ports,omitempty"`
}

type BackupInfo struct {
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

type FileEntry struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	IsDirectory  bool      `json:"isDirectory"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

type PortRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type CreateServerRequest struct {
	Name        string            `json:"name"`
	TemplateID  string            `json:"templateId"`
	AutoRestart bool              `json:"autoRestart"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
	RequestID   string            `json:"requestId,omitempty"`
}

type UpdateServerRequest struct {
	Name        *string           `json:"name,omitempty"`
	AutoRestart *bool             `json:"autoRestart,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
	StopCommand *string           `json:"stopCommand,omitempty"`
}

// Event is one message on the daemon's events stream.
type Event struct {
	Type       string         `json:"type"`
	InstanceID string         `json:"instanceId,omitempty"`
	Instance   *Server        `json:"instance,omitempty"`
	Backup     *BackupInfo    `json:"backup,omitempty"`
	Progress   *ProgressEvent `json:"progress,omitempty"`
}
