package stream

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"trafficmon/internal/pipeline"
	"trafficmon/internal/relay"
)

// ServeTelemetry streams one JSON line per analysed frame
func (s *Server) ServeTelemetry(w http.ResponseWriter, r *http.Request) {
	id, slot, ok := s.lookup(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	SetNDJSONHeaders(w)

	s.telemetryClients.Add(1)
	defer s.telemetryClients.Add(-1)

	err := WriteTelemetry(r.Context(), w, flusher.Flush, slot)
	if err != nil && r.Context().Err() == nil {
		log.Printf("[Telemetry] %s: %v", id, err)
	}
}

// SetNDJSONHeaders prepares a response for newline-delimited JSON
func SetNDJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteTelemetry writes the telemetry of every output version it observes,
// skipping passthrough frames. Readers slower than the session see gaps in
// the frame numbers. It returns nil when the slot closes.
func WriteTelemetry(ctx context.Context, w io.Writer, flush func(), slot *relay.Slot[*pipeline.Output]) error {
	enc := json.NewEncoder(w)
	var after uint64

	for {
		out, version, ok := slot.Wait(ctx, after)
		if !ok {
			return ctx.Err()
		}
		after = version

		if out == nil || out.Telemetry == nil {
			continue
		}
		if err := enc.Encode(out.Telemetry); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
}
