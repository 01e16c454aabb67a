package sink

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"challenge-core/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub broadcasts committed challenge events to connected WebSocket clients.
// A stalled or failed client is dropped, never waited on.
type Hub struct {
	logger *log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	broadcast chan []byte
	done      chan struct{}
}

// NewHub creates a Hub. Call Run in its own goroutine before publishing.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
	}
}

// Compile-time interface check.
var _ EventSink = (*Hub)(nil)

// Publish queues an event for broadcast. Drops the event when the queue is
// full or the hub is stopped.
func (h *Hub) Publish(ev *domain.ChallengeEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("marshal event for broadcast: %v", err)
		return
	}

	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Printf("event broadcast queue full, dropping challenge=%s seq=%d", ev.ChallengeID, ev.Sequence)
	}
}

// Run delivers queued messages to all clients until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down and closes all client connections.
func (h *Hub) Stop() {
	close(h.done)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("ws upgrade: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	go h.readPump(conn)
}

// readPump drains inbound frames so close and ping control frames are
// processed, and unregisters the client as soon as the connection dies
// instead of waiting for the next broadcast write to fail.
func (h *Hub) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if h.clients[conn] {
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}
