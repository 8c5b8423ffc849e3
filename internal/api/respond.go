package api

import (
	"encoding/json"
	"log"
	"net/http"

	"trafficmon/internal/pipeline"
)

// Error codes owned by the HTTP layer
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeUnavailable    = "UNAVAILABLE"
	CodeAuthDisabled   = "AUTH_DISABLED"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writePipelineError maps a manager error to its status and wire code
func writePipelineError(w http.ResponseWriter, err error) {
	code := pipeline.ErrorCode(err)
	writeError(w, statusFor(code), code, err.Error())
}

func statusFor(code string) int {
	switch code {
	case pipeline.CodeDuplicateSession:
		return http.StatusConflict
	case pipeline.CodeResourceExhausted:
		return http.StatusServiceUnavailable
	case pipeline.CodeModelUnavailable:
		return http.StatusUnprocessableEntity
	case pipeline.CodeInvalidSource:
		return http.StatusBadRequest
	case pipeline.CodeSessionNotFound:
		return http.StatusNotFound
	case pipeline.CodeSourceUnreachable, pipeline.CodeDetectorFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

const maxBodyBytes = 1 << 20

// decodeBody reads a JSON request body
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
