package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"trafficmon/internal/database"
	"trafficmon/internal/pipeline"
)

// StartResponse describes a started stream and where to read it
type StartResponse struct {
	StreamID     string          `json:"streamId"`
	StreamURL    string          `json:"streamUrl"`
	SnapshotURL  string          `json:"snapshotUrl"`
	TelemetryURL string          `json:"telemetryUrl"`
	WebSocketURL string          `json:"websocketUrl"`
	Status       pipeline.Status `json:"status"`
	Model        string          `json:"model"`
	Fallback     bool            `json:"fallback"`
}

// StatusResponse is the body of GET /streams/status
type StatusResponse struct {
	Active  int                             `json:"active"`
	Max     int                             `json:"max"`
	Streams map[string]pipeline.SessionInfo `json:"streams"`
}

func (s *Server) startStream(w http.ResponseWriter, r *http.Request) {
	var req pipeline.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "sourceUrl is required")
		return
	}
	if strings.ContainsAny(req.ID, "/?#") {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "id must not contain '/', '?' or '#'")
		return
	}

	info, err := s.mgr.Start(r.Context(), req)
	if err != nil {
		log.Printf("[API] Start %q rejected: %v", req.ID, err)
		writePipelineError(w, err)
		return
	}

	s.recordStart(info)

	base := "/streams/" + info.ID
	writeJSON(w, http.StatusOK, StartResponse{
		StreamID:     info.ID,
		StreamURL:    base,
		SnapshotURL:  base + "/snapshot",
		TelemetryURL: base + "/telemetry",
		WebSocketURL: "/ws/telemetry/" + info.ID,
		Status:       info.Status,
		Model:        info.Model,
		Fallback:     info.Fallback,
	})
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.mgr.Stop(ctx, id); err != nil {
		code := pipeline.ErrorCode(err)
		writeJSON(w, statusFor(code), map[string]any{
			"success": false,
			"error":   code,
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	infos := s.mgr.List()
	resp := StatusResponse{
		Streams: make(map[string]pipeline.SessionInfo, len(infos)),
	}
	for _, info := range infos {
		if info.Status.Active() {
			resp.Active++
		}
		resp.Streams[info.ID] = info
	}
	resp.Max = s.mgr.Status(r.Context()).Max
	writeJSON(w, http.StatusOK, resp)
}

// recordStart persists the session and watches for its final status
func (s *Server) recordStart(info pipeline.SessionInfo) {
	if s.store != nil {
		rec := &database.SessionRecord{
			ID:        info.ID,
			Name:      info.Name,
			Source:    info.Source,
			Model:     info.Model,
			Status:    string(info.Status),
			StartedAt: time.Now(),
		}
		if err := s.store.SaveSession(rec); err != nil {
			log.Printf("[API] Recording session %s: %v", info.ID, err)
		}
	}

	sess, ok := s.mgr.Get(info.ID)
	if !ok {
		// already stopped
		info.Status = pipeline.StatusStopped
		s.finish(info)
		return
	}

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		s.watch(sess)
	}()
}

// watch blocks until the session's output closes, which happens after the
// final status is set on both stop and source end
func (s *Server) watch(sess *pipeline.Session) {
	slot := sess.Output()
	var after uint64
	for {
		_, version, ok := slot.Wait(context.Background(), after)
		if !ok {
			break
		}
		after = version
	}
	s.finish(sess.Info())
}

func (s *Server) finish(info pipeline.SessionInfo) {
	if s.store != nil {
		if err := s.store.FinishSession(info.ID, string(info.Status), info.Error, time.Now()); err != nil {
			log.Printf("[API] Recording end of session %s: %v", info.ID, err)
		}
	}
	if s.onEnd != nil {
		s.onEnd(info)
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "session history is not configured")
		return
	}
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	recs, err := s.store.ListSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, pipeline.CodeInternal, err.Error())
		return
	}
	if recs == nil {
		recs = []*database.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

var errInvalidLimit = errors.New("limit must be a positive integer")
