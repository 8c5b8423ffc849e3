package pipeline

import (
	"time"

	"trafficmon/internal/analytics"
	"trafficmon/internal/capture"
	"trafficmon/internal/detection"
	"trafficmon/internal/resources"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
	StatusError    Status = "ERROR"
)

// Active reports whether the status counts against the stream cap
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

// StartRequest asks the manager to admit a new stream
type StartRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Source string `json:"sourceUrl"`
	Model  string `json:"model,omitempty"`
}

// Output is the latest published result of a session. Telemetry is nil
// for frames passed through after a per-frame failure.
type Output struct {
	Seq       uint64
	JPEG      []byte
	Telemetry *analytics.Telemetry
	Annotated bool
}

// Result is published on the EventBus for every analysed frame
type Result struct {
	StreamID    string
	Seq         uint64
	Timestamp   time.Time
	Telemetry   *analytics.Telemetry
	InferenceMs float64
}

// SessionConfig holds the per-session processing settings
type SessionConfig struct {
	// PollInterval is the inference loop sleep when the relay is empty
	PollInterval time.Duration
	// JoinTimeout bounds how long Stop waits for the loops to exit
	JoinTimeout time.Duration

	Detect      detection.Options
	StreamWidth int
	JPEGQuality int

	Reconnect capture.ReconnectConfig
	Analytics analytics.Config
}

// DefaultSessionConfig returns the tuned session defaults
func DefaultSessionConfig() SessionConfig {
	a := analytics.DefaultConfig()
	return SessionConfig{
		PollInterval: 5 * time.Millisecond,
		JoinTimeout:  5 * time.Second,
		Detect: detection.Options{
			Confidence: 0.5,
			IoU:        0.45,
			Classes:    a.Classes.Filter(),
			ImageSize:  1280,
		},
		StreamWidth: 1280,
		JPEGQuality: 85,
		Reconnect:   capture.DefaultReconnectConfig(),
		Analytics:   a,
	}
}

// SessionStats are the counters of one session
type SessionStats struct {
	FramesCaptured   uint64  `json:"frames_captured"`
	FramesDropped    uint64  `json:"frames_dropped"`
	FramesProcessed  uint64  `json:"frames_processed"`
	DetectorFailures uint64  `json:"detector_failures"`
	Reconnects       uint64  `json:"reconnects"`
	Incidents        uint64  `json:"incidents"`
	LastSeq          uint64  `json:"last_seq"`
	AvgInferenceMs   float64 `json:"avg_inference_ms"`
}

// SessionInfo is a point-in-time view of a session
type SessionInfo struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Source         string       `json:"source"`
	SourceKind     string       `json:"source_kind"`
	Status         Status       `json:"status"`
	Model          string       `json:"model"`
	RequestedModel string       `json:"requested_model"`
	Weights        string       `json:"weights"`
	Fallback       bool         `json:"fallback"`
	CreatedAt      time.Time    `json:"created_at"`
	UptimeSeconds  float64      `json:"uptime_s"`
	Error          string       `json:"error,omitempty"`
	Stats          SessionStats `json:"stats"`
}

// ResourceStatus is the health view of admission control
type ResourceStatus struct {
	Active       int               `json:"active_streams"`
	Offline      int               `json:"offline_jobs"`
	Max          int               `json:"max_streams"`
	LoadedModels []string          `json:"loaded_models"`
	Reading      resources.Reading `json:"accelerator"`
}
