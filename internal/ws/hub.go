// Package ws fans out console output, lifecycle events and install/backup
// progress to websocket subscribers.
package ws

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub broadcasts messages to its clients and keeps the last maxHistory
// messages for replay to new subscribers. Broadcast never blocks: messages
// are dropped when the hub is saturated, and slow clients are disconnected.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once

	// onMessage receives messages sent by clients; nil ignores them.
	onMessage func([]byte)

	history    [][]byte
	maxHistory int
	mu         sync.RWMutex

	log zerolog.Logger
}

func NewHub(maxHistory int, onMessage func([]byte), log zerolog.Logger) *Hub {
	if maxHistory < 0 {
		maxHistory = 0
	}
	h := &Hub{
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		stop:       make(chan struct{}),
		onMessage:  onMessage,
		maxHistory: maxHistory,
		log:        log,
	}
	if maxHistory > 0 {
		h.history = make([][]byte, 0, maxHistory)
	}
	return h
}

// History returns a copy of the retained messages, oldest first.
func (h *Hub) History() [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.history) == 0 {
		return nil
	}
	copyHist := make([][]byte, len(h.history))
	copy(copyHist, h.history)
	return copyHist
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			for _, msg := range h.History() {
				select {
				case client.send <- msg:
				default:
				}
			}
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case message := <-h.broadcast:
			if h.maxHistory > 0 {
				h.mu.Lock()
				h.history = append(h.history, message)
				if len(h.history) > h.maxHistory {
					h.history = h.history[1:]
				}
				h.mu.Unlock()
			}

			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}

		case <-h.stop:
			for client := range h.clients {
				close(client.send)
			}
			h.clients = map[*Client]bool{}
			h.mu.Lock()
			h.history = nil
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast queues message for every client without blocking.
func (h *Hub) Broadcast(message []byte) {
	msgCopy := append([]byte(nil), message...)
	select {
	case <-h.stop:
	case h.broadcast <- msgCopy:
	default:
		h.log.Debug().Msg("hub saturated, dropping message")
	}
}

// ServeWs upgrades the request and subscribes the connection, replaying the
// retained history first.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, h.maxHistory+256)}
	select {
	case h.register <- client:
	case <-h.stop:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
