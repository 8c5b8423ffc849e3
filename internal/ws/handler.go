package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Handler upgrades WebSocket requests and attaches them to the hub
type Handler struct {
	hub *Hub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeTelemetry serves /ws/telemetry/{id}: per-frame telemetry and
// incidents of one stream
func (h *Handler) ServeTelemetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/ws/telemetry/"), "/")
	}
	if id == "" {
		http.Error(w, "stream id required", http.StatusBadRequest)
		return
	}
	h.serve(w, r, id, false)
}

// ServeIncidents serves /ws/incidents: incidents of every stream
func (h *Handler) ServeIncidents(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, AllStreams, true)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, streamID string, incidentsOnly bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	log.Printf("[WS] New connection for stream %q from %s", streamID, r.RemoteAddr)

	c := &client{send: make(chan []byte, sendBuffer), incidentsOnly: incidentsOnly}
	h.hub.register(streamID, c)

	go h.writePump(conn, c)
	go h.readPump(streamID, conn, c)
}

// writePump drains the client queue and keeps the connection alive with pings
func (h *Handler) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket connection to detect
// client disconnection
func (h *Handler) readPump(streamID string, conn *websocket.Conn, c *client) {
	defer func() {
		h.hub.unregister(streamID, c)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error for stream %q: %v", streamID, err)
			}
			break
		}
	}
}
