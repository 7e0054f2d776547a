package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"yolopipe/internal/middleware"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections for real-time detections
type Handler struct {
	hub *DetectionHub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *DetectionHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles WebSocket upgrade requests.
// Expected URL format: /ws/detections/{source}, where "*" means every source.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/detections/")
	source := strings.TrimSuffix(path, "/")

	if source == "" || strings.Contains(source, "/") {
		http.Error(w, "source required", http.StatusBadRequest)
		return
	}

	if claims := middleware.GetUserFromContext(r.Context()); claims != nil && !claims.AllowsSource(source) {
		log.Printf("[WS] User %s denied source %s", claims.Username, source)
		http.Error(w, "source not allowed", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	log.Printf("[WS] New connection for source %s from %s", source, r.RemoteAddr)

	c := h.hub.Register(source, conn)
	go h.writePump(c)
	go h.readPump(c)
}

// readPump detects client disconnection and keeps the read deadline fresh
func (h *Handler) readPump(c *client) {
	defer h.hub.Unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error for source %s: %v", c.source, err)
			}
			return
		}
	}
}

// writePump is the only writer of the connection
func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[WS] Error sending to client: %v", err)
				h.hub.Unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Unregister(c)
				return
			}
		}
	}
}
