package ws

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"yolopipe/internal/pipeline"
)

// AllSources subscribes a client to every source
const AllSources = "*"

// client is one WebSocket connection with its outbound queue
type client struct {
	source string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// DetectionHub manages WebSocket connections for real-time detection streaming
type DetectionHub struct {
	// clients maps source -> set of clients
	clients map[string]map[*client]bool
	mu      sync.RWMutex
	dropped atomic.Uint64
}

// NewDetectionHub creates a new detection hub
func NewDetectionHub() *DetectionHub {
	return &DetectionHub{
		clients: make(map[string]map[*client]bool),
	}
}

// Register adds a connection for a source
func (h *DetectionHub) Register(source string, conn *websocket.Conn) *client {
	c := &client{source: source, conn: conn, send: make(chan []byte, 16)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[source] == nil {
		h.clients[source] = make(map[*client]bool)
	}
	h.clients[source][c] = true
	log.Printf("[WS] Client registered for source %s (total: %d)", source, len(h.clients[source]))
	return c
}

// Unregister removes a client and closes its queue
func (h *DetectionHub) Unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[c.source]; ok {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			c.close()
			log.Printf("[WS] Client unregistered for source %s", c.source)
		}
		if len(clients) == 0 {
			delete(h.clients, c.source)
		}
	}
}

// HasClients returns true if any client would receive results from source
func (h *DetectionHub) HasClients(source string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[source]) > 0 || len(h.clients[AllSources]) > 0
}

// Broadcast queues a message for every client of source. Clients whose
// queue is full miss the message.
func (h *DetectionHub) Broadcast(source string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, key := range []string{source, AllSources} {
		for c := range h.clients[key] {
			select {
			case c.send <- message:
			default:
				h.dropped.Add(1)
			}
		}
	}
}

// Publish implements pipeline.ResultSink
func (h *DetectionHub) Publish(set *pipeline.DetectionSet, meta pipeline.FrameMeta) {
	if !h.HasClients(meta.Source) {
		return
	}

	data, err := json.Marshal(NewDetectionMessage(set, meta))
	if err != nil {
		log.Printf("[WS] Error marshaling detection message: %v", err)
		return
	}
	h.Broadcast(meta.Source, data)
}

// ClientCount returns the total number of connected clients
func (h *DetectionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}

// Dropped returns how many messages were skipped for slow clients
func (h *DetectionHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every client
func (h *DetectionHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for source, clients := range h.clients {
		for c := range clients {
			c.close()
		}
		delete(h.clients, source)
	}
}

var _ pipeline.ResultSink = (*DetectionHub)(nil)
