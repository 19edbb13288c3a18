package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"hostvisor/internal/domain"
)

const (
	MessageStatus   = "status"
	MessageMetrics  = "metrics"
	MessageBackup   = "backup"
	MessageProgress = "progress"
)

// Message is the JSON envelope sent on the events and progress streams.
type Message struct {
	Type       string                `json:"type"`
	InstanceID string                `json:"instanceId,omitempty"`
	Instance   *domain.Instance      `json:"instance,omitempty"`
	Backup     *domain.BackupRecord  `json:"backup,omitempty"`
	Progress   *domain.ProgressEvent `json:"progress,omitempty"`
}

// CommandFunc handles a console line typed by a websocket client.
type CommandFunc func(instanceID, line string)

// HubManager owns one console hub per instance, a global events hub and one
// progress hub per long-running request. It implements
// domain.NotificationSink.
type HubManager struct {
	mu          sync.Mutex
	consoles    map[string]*Hub
	progress    map[string]*Hub
	events      *Hub
	historySize int
	onCommand   CommandFunc
	log         zerolog.Logger
}

func NewHubManager(historySize int, log zerolog.Logger) *HubManager {
	events := NewHub(historySize, nil, log)
	go events.Run()
	return &HubManager{
		consoles:    make(map[string]*Hub),
		progress:    make(map[string]*Hub),
		events:      events,
		historySize: historySize,
		log:         log,
	}
}

// SetCommandHandler routes console input from websocket clients to fn.
func (m *HubManager) SetCommandHandler(fn CommandFunc) {
	m.mu.Lock()
	m.onCommand = fn
	m.mu.Unlock()
}

func (m *HubManager) GetHub(instanceID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.consoles[instanceID]; ok {
		return hub
	}

	hub := NewHub(m.historySize, func(msg []byte) {
		m.mu.Lock()
		fn := m.onCommand
		m.mu.Unlock()
		line := strings.TrimRight(string(msg), "\r\n")
		if fn != nil && line != "" {
			fn(instanceID, line)
		}
	}, m.log)
	go hub.Run()
	m.consoles[instanceID] = hub
	return hub
}

// RemoveHub drops an instance's console hub and its history.
func (m *HubManager) RemoveHub(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.consoles[instanceID]; ok {
		hub.Stop()
		delete(m.consoles, instanceID)
	}
}

func (m *HubManager) Events() *Hub {
	return m.events
}

// ProgressHub returns the hub for a request id, creating it if needed.
func (m *HubManager) ProgressHub(requestID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.progress[requestID]; ok {
		return hub
	}
	hub := NewHub(64, nil, m.log)
	go hub.Run()
	m.progress[requestID] = hub
	return hub
}

func (m *HubManager) PublishProgress(requestID string, ev domain.ProgressEvent) {
	m.ProgressHub(requestID).Broadcast(m.encode(Message{Type: MessageProgress, InstanceID: ev.ServerID, Progress: &ev}))
}

func (m *HubManager) RemoveProgressHub(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.progress[requestID]; ok {
		hub.Stop()
		delete(m.progress, requestID)
	}
}

func (m *HubManager) ServeConsole(w http.ResponseWriter, r *http.Request, instanceID string) {
	m.GetHub(instanceID).ServeWs(w, r)
}

func (m *HubManager) ServeEvents(w http.ResponseWriter, r *http.Request) {
	m.events.ServeWs(w, r)
}

func (m *HubManager) ServeProgress(w http.ResponseWriter, r *http.Request, requestID string) {
	m.ProgressHub(requestID).ServeWs(w, r)
}

func (m *HubManager) OnLog(instanceID string, _ domain.LogLevel, text string) {
	m.GetHub(instanceID).Broadcast([]byte(text))
}

func (m *HubManager) OnStatusChange(inst domain.Instance) {
	m.events.Broadcast(m.encode(Message{Type: MessageStatus, InstanceID: inst.ID, Instance: &inst}))
}

func (m *HubManager) OnMetrics(inst domain.Instance) {
	m.events.Broadcast(m.encode(Message{Type: MessageMetrics, InstanceID: inst.ID, Instance: &inst}))
}

func (m *HubManager) OnBackupCompleted(rec domain.BackupRecord) {
	m.events.Broadcast(m.encode(Message{Type: MessageBackup, InstanceID: rec.InstanceID, Backup: &rec}))
}

// Close stops every hub and disconnects their clients.
func (m *HubManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, hub := range m.consoles {
		hub.Stop()
		delete(m.consoles, id)
	}
	for id, hub := range m.progress {
		hub.Stop()
		delete(m.progress, id)
	}
	m.events.Stop()
}

func (m *HubManager) encode(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		m.log.Error().Err(err).Str("type", msg.Type).Msg("failed to encode websocket message")
		return nil
	}
	return data
}

var _ domain.NotificationSink = (*HubManager)(nil)
