package analytics

import "time"

// State is the stationary-detection state of one track
type State int

const (
	StateNormal State = iota
	StateSuspicion
	StateConfirmed
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateSuspicion:
		return "SUSPICION"
	case StateConfirmed:
		return "CONFIRMED"
	case StateCooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// IncidentType classifies incidents
type IncidentType string

const (
	IncidentObstruction IncidentType = "OBSTRUCTION"
	IncidentGreenWave   IncidentType = "GREEN_WAVE"
	IncidentCongestion  IncidentType = "CONGESTION"
)

// Severity of an incident
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Status labels of a frame
const (
	StatusClear     = "CLEAR"
	StatusModerate  = "MODERATE"
	StatusCritical  = "CRITICAL"
	StatusGreenWave = "GREEN_WAVE"
)

// Snapshot is an encoded image crop attached to an incident
type Snapshot struct {
	Mime string `json:"mime"`
	Data string `json:"data"`
}

// Incident is emitted once per confirming transition
type Incident struct {
	ID           string       `json:"id"`
	StreamID     string       `json:"streamId"`
	StreamName   string       `json:"streamName"`
	Type         IncidentType `json:"type"`
	Severity     Severity     `json:"severity"`
	Description  string       `json:"description"`
	Timestamp    time.Time    `json:"timestamp"`
	TrackID      *int         `json:"trackId,omitempty"`
	Zone         string       `json:"zone,omitempty"`
	VehicleCount int          `json:"vehicleCount"`
	Density      float64      `json:"density"`
	Status       string       `json:"status"`
	Snapshot     *Snapshot    `json:"snapshot,omitempty"`
}

// Stats are the per-frame aggregates
type Stats struct {
	Count     int     `json:"count"`
	Status    string  `json:"status"`
	GreenWave bool    `json:"green_wave"`
	Density   float64 `json:"density"`
	AvgSpeed  float64 `json:"avg_speed"`
}

// Box is a detection as reported in telemetry
type Box struct {
	X1      float32 `json:"x1"`
	Y1      float32 `json:"y1"`
	X2      float32 `json:"x2"`
	Y2      float32 `json:"y2"`
	ClassID int     `json:"class_id"`
	Class   string  `json:"class"`
	Conf    float32 `json:"conf"`
	TrackID *int    `json:"track_id,omitempty"`
	Speed   float64 `json:"speed_kmh"`
}

// ZoneOccupancy is the live count of one zone
type ZoneOccupancy struct {
	Name      string `json:"name"`
	Count     int    `json:"count"`
	Congested bool   `json:"congested"`
}

// Telemetry is the result of analysing one frame
type Telemetry struct {
	Frame     uint64          `json:"frame"`
	StreamID  string          `json:"stream_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Stats     Stats           `json:"stats"`
	Boxes     []Box           `json:"boxes"`
	Zones     []ZoneOccupancy `json:"zones,omitempty"`
	Incidents []Incident      `json:"incidents"`
}
