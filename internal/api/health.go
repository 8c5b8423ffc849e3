package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trafficmon/internal/analytics"
	"trafficmon/internal/auth"
	"trafficmon/internal/database"
	"trafficmon/internal/detection"
	"trafficmon/internal/pipeline"
	"trafficmon/internal/resources"
)

// HealthResponse is the body of GET /
type HealthResponse struct {
	Status              string            `json:"status"`
	ModelLoaded         string            `json:"model_loaded"`
	LoadedModels        []string          `json:"loaded_models"`
	Accelerator         resources.Reading `json:"accelerator"`
	ActiveStreams       int               `json:"active_streams"`
	OfflineJobs         int               `json:"offline_jobs"`
	MaxStreams          int               `json:"max_streams"`
	InferenceResolution int               `json:"inference_resolution"`
	StreamResolution    int               `json:"stream_resolution"`
	StreamFPS           int               `json:"stream_fps"`
	JPEGQuality         int               `json:"jpeg_quality"`
	Database            string            `json:"database"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.mgr.Status(r.Context())

	loaded := "none"
	if len(st.LoadedModels) > 0 {
		loaded = strings.Join(st.LoadedModels, ",")
	}

	dbState := "disabled"
	if s.store != nil {
		dbState = "connected"
		if err := s.store.Ping(); err != nil {
			dbState = "disconnected"
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:              "online",
		ModelLoaded:         loaded,
		LoadedModels:        st.LoadedModels,
		Accelerator:         st.Reading,
		ActiveStreams:       st.Active,
		OfflineJobs:         st.Offline,
		MaxStreams:          st.Max,
		InferenceResolution: s.settings.InferenceSize,
		StreamResolution:    s.settings.StreamWidth,
		StreamFPS:           s.settings.StreamFPS,
		JPEGQuality:         s.settings.JPEGQuality,
		Database:            dbState,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LoginRequest carries operator credentials
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued bearer token
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if s.authn == nil || !s.authn.IsEnabled() {
		writeError(w, http.StatusNotFound, CodeAuthDisabled, "authentication is disabled")
		return
	}

	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	token, err := s.authn.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, pipeline.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token.Value, ExpiresAt: token.ExpiresAt})
}

// ProbeRequest names the source to classify
type ProbeRequest struct {
	URL       string `json:"url"`
	SourceURL string `json:"sourceUrl"`
}

func (s *Server) probe(w http.ResponseWriter, r *http.Request) {
	var req ProbeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	locator := req.URL
	if locator == "" {
		locator = req.SourceURL
	}
	writeJSON(w, http.StatusOK, detection.Probe(locator))
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "incident store is not configured")
		return
	}

	q := r.URL.Query()
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	filter := database.IncidentFilter{
		StreamID: q.Get("stream"),
		Type:     analytics.IncidentType(strings.ToUpper(q.Get("type"))),
		Limit:    limit,
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &t
	}

	incidents, err := s.store.ListIncidents(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, pipeline.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errInvalidLimit
	}
	if n > 1000 {
		n = 1000
	}
	return n, nil
}
