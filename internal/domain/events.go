package domain

import "time"

type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogError LogLevel = "error"
)

type EventType string

const (
	EventStatus  EventType = "status"
	EventLog     EventType = "log"
	EventMetrics EventType = "metrics"
)

// Event is the message the supervisor and the metrics collector send to the
// manager. Only the fields relevant to Type are set.
type Event struct {
	Type       EventType
	InstanceID string
	Time       time.Time

	Status    Status
	PID       int
	StartedAt time.Time
	ExitCode  int

	Level LogLevel
	Text  string

	Resources ResourceSnapshot
}

// NotificationSink receives lifecycle, log, metric and backup notifications.
// Implementations must not block the caller.
type NotificationSink interface {
	OnStatusChange(inst Instance)
	OnLog(instanceID string, level LogLevel, text string)
	OnMetrics(inst Instance)
	OnBackupCompleted(rec BackupRecord)
}

type NopSink struct{}

func (NopSink) OnStatusChange(Instance) {}
func (NopSink) OnLog(string, LogLevel, string) {}
func (NopSink) OnMetrics(Instance) {}
func (NopSink) OnBackupCompleted(BackupRecord) {}
