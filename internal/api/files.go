package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"trafficmon/internal/analytics"
	"trafficmon/internal/detection"
	"trafficmon/internal/pipeline"
	"trafficmon/internal/stream"
)

const simulationExt = ".mp4"

// ProcessResponse points at the offline telemetry of a file
type ProcessResponse struct {
	StreamURL string `json:"stream_url"`
}

// Scenario is one local simulation video
type Scenario struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func telemetryURL(videoID, model string) string {
	q := url.Values{}
	q.Set("video_id", videoID)
	q.Set("model_req", model)
	return "/telemetry?" + q.Encode()
}

func (s *Server) uploadAndProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.settings.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "multipart field 'file' is required: "+err.Error())
		return
	}
	defer file.Close()

	model := r.FormValue("model")
	if model == "" {
		model = detection.DefaultModel
	}

	if err := os.MkdirAll(s.settings.UploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, pipeline.CodeInternal, err.Error())
		return
	}

	ext := strings.ToLower(filepath.Ext(filepath.Base(header.Filename)))
	name := fmt.Sprintf("telemetry_%d_%s%s", time.Now().Unix(), uuid.NewString(), ext)
	dst, err := os.Create(filepath.Join(s.settings.UploadDir, name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, pipeline.CodeInternal, err.Error())
		return
	}
	n, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst.Name())
		writeError(w, http.StatusInternalServerError, pipeline.CodeInternal, "saving upload: "+err.Error())
		return
	}

	log.Printf("[API] Uploaded %s (%d bytes) as %s", header.Filename, n, name)
	writeJSON(w, http.StatusOK, ProcessResponse{StreamURL: telemetryURL(name, model)})
}

// resolveVideo finds a video by base name in the upload directory, then the
// simulation directory. Uploads are removed once processed.
func (s *Server) resolveVideo(videoID string) (path string, upload bool, err error) {
	if videoID == "" || videoID != filepath.Base(videoID) || videoID == "." || videoID == ".." {
		return "", false, errors.New("video_id must be a file name")
	}
	for _, dir := range []string{s.settings.UploadDir, s.settings.SimulationDir} {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, videoID)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, dir == s.settings.UploadDir, nil
		}
	}
	return "", false, os.ErrNotExist
}

func (s *Server) offlineTelemetry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path, upload, err := s.resolveVideo(q.Get("video_id"))
	switch {
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, CodeNotFound, "video file not found")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if upload {
		defer func() {
			if err := os.Remove(path); err != nil {
				log.Printf("[API] Removing upload %s: %v", path, err)
			}
		}()
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false
	emit := func(t *analytics.Telemetry) error {
		if !started {
			stream.SetNDJSONHeaders(w)
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(t); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	err = s.files.ProcessFile(r.Context(), path, q.Get("model_req"), emit)
	if err == nil || r.Context().Err() != nil {
		return
	}
	log.Printf("[API] Offline telemetry for %s: %v", path, err)
	if !started {
		writePipelineError(w, err)
	}
}

func (s *Server) listSimulations(w http.ResponseWriter, r *http.Request) {
	scenarios := []Scenario{}
	entries, err := os.ReadDir(s.settings.SimulationDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusInternalServerError, pipeline.CodeInternal, err.Error())
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), simulationExt) {
			continue
		}
		scenarios = append(scenarios, Scenario{
			ID:   strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Name: e.Name(),
		})
	}
	sort.Slice(scenarios, func(i, j int) bool { return scenarios[i].Name < scenarios[j].Name })

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scenarios": scenarios})
}

// SimulationRequest selects a local simulation video
type SimulationRequest struct {
	SimulationID string `json:"simulation_id"`
	Model        string `json:"model"`
}

func (s *Server) processLocalSimulation(w http.ResponseWriter, r *http.Request) {
	var req SimulationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SimulationID == "" || req.SimulationID != filepath.Base(req.SimulationID) {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "simulation_id must be a scenario id")
		return
	}
	if req.Model == "" {
		req.Model = detection.DefaultModel
	}

	name := req.SimulationID + simulationExt
	info, err := os.Stat(filepath.Join(s.settings.SimulationDir, name))
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("simulation %q not found", name))
		return
	}

	log.Printf("[API] Processing local simulation %s (model: %s)", name, req.Model)
	writeJSON(w, http.StatusOK, ProcessResponse{StreamURL: telemetryURL(name, req.Model)})
}
