package stream

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"trafficmon/internal/pipeline"
	"trafficmon/internal/relay"
)

// DefaultFPS is the MJPEG output rate
const DefaultFPS = 24

// Outputs finds the output slot of a running session
type Outputs interface {
	Output(id string) (*relay.Slot[*pipeline.Output], bool)
}

// OutputsFunc adapts a function to Outputs
type OutputsFunc func(id string) (*relay.Slot[*pipeline.Output], bool)

// Output implements Outputs
func (f OutputsFunc) Output(id string) (*relay.Slot[*pipeline.Output], bool) {
	return f(id)
}

// SessionOutputs exposes a session manager's output slots
func SessionOutputs(m pipeline.SessionManager) Outputs {
	return OutputsFunc(func(id string) (*relay.Slot[*pipeline.Output], bool) {
		s, ok := m.Get(id)
		if !ok {
			return nil, false
		}
		return s.Output(), true
	})
}

// Server serves the per-session outputs over HTTP
type Server struct {
	outputs Outputs
	fps     int

	mjpegClients     atomic.Int64
	telemetryClients atomic.Int64
	videoClients     atomic.Int64
}

// NewServer creates a stream server writing MJPEG at fps
func NewServer(outputs Outputs, fps int) *Server {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &Server{outputs: outputs, fps: fps}
}

// Clients returns the number of connected MJPEG, NDJSON and video socket readers
func (s *Server) Clients() (mjpeg, telemetry, video int64) {
	return s.mjpegClients.Load(), s.telemetryClients.Load(), s.videoClients.Load()
}

// streamID reads the {id} path value, falling back to the last path segment
func streamID(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	parts := strings.Split(strings.TrimSuffix(r.URL.Path, "/"), "/")
	return parts[len(parts)-1]
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (string, *relay.Slot[*pipeline.Output], bool) {
	id := streamID(r)
	slot, ok := s.outputs.Output(id)
	if !ok {
		http.Error(w, fmt.Sprintf("Stream not found: %s", id), http.StatusNotFound)
		return id, nil, false
	}
	return id, slot, true
}

// ServeMJPEG streams the annotated output as multipart JPEG
func (s *Server) ServeMJPEG(w http.ResponseWriter, r *http.Request) {
	id, slot, ok := s.lookup(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	n := s.mjpegClients.Add(1)
	defer s.mjpegClients.Add(-1)
	log.Printf("[MJPEGStream] Client connected to %s (%d viewers)", id, n)

	err := WriteMJPEG(r.Context(), w, flusher.Flush, slot, s.fps)
	if err != nil && r.Context().Err() == nil {
		log.Printf("[MJPEGStream] %s: %v", id, err)
	}
	log.Printf("[MJPEGStream] Client disconnected from %s", id)
}

// WriteMJPEG writes the latest frame of slot every 1/fps, repeating it when
// no newer frame arrived. It returns nil once the slot is closed and its
// final frame written.
func WriteMJPEG(ctx context.Context, w io.Writer, flush func(), slot *relay.Slot[*pipeline.Output], fps int) error {
	if fps <= 0 {
		fps = DefaultFPS
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		closed := slot.Closed()
		out, version := slot.Load()
		if version == 0 || out == nil {
			if closed {
				return nil
			}
			if _, _, ok := slot.Wait(ctx, 0); !ok && ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if err := writePart(w, out.JPEG); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func writePart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// ServeSnapshot serves the latest published frame as a single JPEG
func (s *Server) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	_, slot, ok := s.lookup(w, r)
	if !ok {
		return
	}

	out, version := slot.Load()
	if version == 0 || out == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(out.JPEG)))
	w.Header().Set("X-Frame-Seq", fmt.Sprintf("%d", out.Seq))
	w.Write(out.JPEG)
}
