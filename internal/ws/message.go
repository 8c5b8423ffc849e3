package ws

import (
	"time"

	"trafficmon/internal/analytics"
)

// Message types pushed to clients
const (
	TypeTelemetry = "telemetry"
	TypeIncident  = "incident"
)

// TelemetryMessage carries the analysis of one frame
type TelemetryMessage struct {
	Type        string               `json:"type"` // "telemetry"
	StreamID    string               `json:"stream_id"`
	Timestamp   time.Time            `json:"timestamp"`
	InferenceMs float64              `json:"inference_ms"`
	Telemetry   *analytics.Telemetry `json:"telemetry"`
}

// IncidentMessage carries one incident as soon as it is raised
type IncidentMessage struct {
	Type     string              `json:"type"` // "incident"
	StreamID string              `json:"stream_id"`
	Incident *analytics.Incident `json:"incident"`
}

// NewTelemetryMessage creates a telemetry message
func NewTelemetryMessage(streamID string, tel *analytics.Telemetry, inferenceMs float64) *TelemetryMessage {
	return &TelemetryMessage{
		Type:        TypeTelemetry,
		StreamID:    streamID,
		Timestamp:   tel.Timestamp,
		InferenceMs: inferenceMs,
		Telemetry:   tel,
	}
}

// NewIncidentMessage creates an incident message
func NewIncidentMessage(inc *analytics.Incident) *IncidentMessage {
	return &IncidentMessage{
		Type:     TypeIncident,
		StreamID: inc.StreamID,
		Incident: inc,
	}
}
