package ws

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"trafficmon/internal/pipeline"
)

// AllStreams is the hub key of clients following every stream's incidents
const AllStreams = ""

const sendBuffer = 32

// client is one connection with its outbound queue
type client struct {
	send chan []byte
	// incidentsOnly clients skip per-frame telemetry
	incidentsOnly bool
	dropped       atomic.Uint64
}

// Hub fans analysed frames out to WebSocket clients.
// Clients subscribe to one stream, or to AllStreams for incidents only.
type Hub struct {
	// clients maps stream id -> set of clients
	clients map[string]map[*client]bool
	mu      sync.RWMutex
}

// NewHub creates a new telemetry hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]bool),
	}
}

func (h *Hub) register(streamID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[streamID] == nil {
		h.clients[streamID] = make(map[*client]bool)
	}
	h.clients[streamID][c] = true
	log.Printf("[WS] Client registered for stream %q (total: %d)", streamID, len(h.clients[streamID]))
}

func (h *Hub) unregister(streamID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[streamID]; ok {
		if _, ok := conns[c]; !ok {
			return
		}
		delete(conns, c)
		close(c.send)
		if len(conns) == 0 {
			delete(h.clients, streamID)
		}
		log.Printf("[WS] Client unregistered for stream %q", streamID)
	}
}

// HasClients reports whether anyone listens to a stream
func (h *Hub) HasClients(streamID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[streamID]) > 0 || len(h.clients[AllStreams]) > 0
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// OnResult implements pipeline.ResultHandler. It never blocks on a slow
// client; messages beyond a client's queue are dropped.
func (h *Hub) OnResult(result *pipeline.Result) {
	if result.Telemetry == nil || !h.HasClients(result.StreamID) {
		return
	}

	telemetry, err := json.Marshal(NewTelemetryMessage(result.StreamID, result.Telemetry, result.InferenceMs))
	if err != nil {
		log.Printf("[WS] Error marshaling telemetry message: %v", err)
		return
	}

	incidents := make([][]byte, 0, len(result.Telemetry.Incidents))
	for i := range result.Telemetry.Incidents {
		data, err := json.Marshal(NewIncidentMessage(&result.Telemetry.Incidents[i]))
		if err != nil {
			log.Printf("[WS] Error marshaling incident message: %v", err)
			continue
		}
		incidents = append(incidents, data)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[result.StreamID] {
		if !c.incidentsOnly {
			c.enqueue(telemetry)
		}
		for _, msg := range incidents {
			c.enqueue(msg)
		}
	}
	for c := range h.clients[AllStreams] {
		for _, msg := range incidents {
			c.enqueue(msg)
		}
	}
}

func (c *client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[WS] Slow client, %d messages dropped", n)
		}
	}
}

var _ pipeline.ResultHandler = (*Hub)(nil)
