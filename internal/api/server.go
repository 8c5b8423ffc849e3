package api

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"trafficmon/internal/analytics"
	"trafficmon/internal/auth"
	"trafficmon/internal/database"
	"trafficmon/internal/middleware"
	"trafficmon/internal/pipeline"
	"trafficmon/internal/stream"
	"trafficmon/internal/ws"
)

// FileProcessor runs offline analysis over a video file
type FileProcessor interface {
	ProcessFile(ctx context.Context, path, model string, emit func(*analytics.Telemetry) error) error
}

// Store persists session history and serves incidents
type Store interface {
	SaveSession(rec *database.SessionRecord) error
	FinishSession(id, status, errMsg string, at time.Time) error
	ListSessions(limit int) ([]*database.SessionRecord, error)
	ListIncidents(f database.IncidentFilter) ([]*analytics.Incident, error)
	Ping() error
}

// Settings are the values reported by the health endpoint and used for
// file handling
type Settings struct {
	UploadDir      string
	SimulationDir  string
	MaxUploadBytes int64

	InferenceSize int
	StreamWidth   int
	StreamFPS     int
	JPEGQuality   int
}

// Options wires the server to the rest of the process. Store, Sockets,
// Metrics and Auth are optional.
type Options struct {
	Manager  pipeline.SessionManager
	Files    FileProcessor
	Store    Store
	Streams  *stream.Server
	Sockets  *ws.Handler
	Metrics  http.Handler
	Auth     *auth.Authenticator
	Settings Settings

	// OnSessionEnd is called once a started session has stopped or failed
	OnSessionEnd func(info pipeline.SessionInfo)
}

// Server is the HTTP control and output surface
type Server struct {
	mgr      pipeline.SessionManager
	files    FileProcessor
	store    Store
	streams  *stream.Server
	sockets  *ws.Handler
	metrics  http.Handler
	authn    *auth.Authenticator
	settings Settings
	onEnd    func(info pipeline.SessionInfo)

	// watchers record the final status of started sessions
	watchers sync.WaitGroup
}

const defaultMaxUpload = 2 << 30

// NewServer creates the API server
func NewServer(opts Options) *Server {
	if opts.Settings.MaxUploadBytes <= 0 {
		opts.Settings.MaxUploadBytes = defaultMaxUpload
	}
	if opts.Files == nil {
		if fp, ok := opts.Manager.(FileProcessor); ok {
			opts.Files = fp
		}
	}
	if opts.Streams == nil && opts.Manager != nil {
		opts.Streams = stream.NewServer(stream.SessionOutputs(opts.Manager), opts.Settings.StreamFPS)
	}
	return &Server{
		mgr:      opts.Manager,
		files:    opts.Files,
		store:    opts.Store,
		streams:  opts.Streams,
		sockets:  opts.Sockets,
		metrics:  opts.Metrics,
		authn:    opts.Auth,
		settings: opts.Settings,
		onEnd:    opts.OnSessionEnd,
	}
}

// ServeMux builds the route table
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	protected := func(h http.HandlerFunc) http.Handler {
		if s.authn == nil {
			return h
		}
		return middleware.RequireOperator(s.authn)(h)
	}

	mux.HandleFunc("GET /{$}", s.health)
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("POST /auth/login", s.login)
	mux.HandleFunc("POST /probe", s.probe)

	mux.Handle("POST /streams/start", protected(s.startStream))
	mux.Handle("POST /streams/{id}/stop", protected(s.stopStream))
	mux.HandleFunc("GET /streams/status", s.streamStatus)
	mux.HandleFunc("GET /streams/{id}", s.streams.ServeMJPEG)
	mux.HandleFunc("GET /streams/{id}/snapshot", s.streams.ServeSnapshot)
	mux.HandleFunc("GET /streams/{id}/telemetry", s.streams.ServeTelemetry)
	mux.HandleFunc("GET /ws/video/{id}", s.streams.ServeVideoSocket)
	if s.sockets != nil {
		mux.HandleFunc("GET /ws/telemetry/{id}", s.sockets.ServeTelemetry)
		mux.HandleFunc("GET /ws/incidents", s.sockets.ServeIncidents)
	}

	mux.Handle("GET /sessions", protected(s.listSessions))
	mux.Handle("GET /incidents", protected(s.listIncidents))

	mux.Handle("POST /upload_and_process", protected(s.uploadAndProcess))
	mux.Handle("GET /telemetry", protected(s.offlineTelemetry))
	mux.HandleFunc("GET /simulations/list", s.listSimulations)
	mux.Handle("POST /process-local-simulation", protected(s.processLocalSimulation))

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Handler returns the route table wrapped in request logging
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.ServeMux())
}

// Close waits for pending session history writes. Call it after the
// session manager has stopped every session.
func (s *Server) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets WebSocket upgrades through the wrapper
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("[HTTP] %d %s %s %vms",
			lrw.statusCode, r.Method, r.URL.Path,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
