package analytics

import (
	"fmt"
	"image"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"trafficmon/internal/detection"
)

// Engine is the stateful traffic analysis of one stream. It keeps track
// histories across frames and is driven by a single inference loop, so it
// does no locking.
type Engine struct {
	cfg        Config
	streamID   string
	streamName string

	tracks    map[int]*track
	congested []bool
	newID     func() string
}

// NewEngine creates an engine for one stream
func NewEngine(cfg Config, streamID, streamName string) *Engine {
	if streamName == "" {
		streamName = streamID
	}
	return &Engine{
		cfg:        cfg,
		streamID:   streamID,
		streamName: streamName,
		tracks:     make(map[int]*track),
		congested:  make([]bool, len(cfg.Zones)),
		newID:      uuid.NewString,
	}
}

// Config returns the engine thresholds
func (e *Engine) Config() Config {
	return e.cfg
}

// TrackState returns the current state of a track id
func (e *Engine) TrackState(id int) (State, bool) {
	t, ok := e.tracks[id]
	if !ok {
		return StateNormal, false
	}
	return t.state, true
}

// Tracks returns the number of track ids seen so far
func (e *Engine) Tracks() int {
	return len(e.tracks)
}

// Process analyses the detections of one frame captured at now. img is the
// decoded frame; it may be nil, in which case zones and snapshots are skipped.
func (e *Engine) Process(seq uint64, img image.Image, dets []detection.Detection, now time.Time) Telemetry {
	tel := Telemetry{
		Frame:     seq,
		StreamID:  e.streamID,
		Timestamp: now,
		Boxes:     make([]Box, 0, len(dets)),
		Incidents: []Incident{},
	}

	count := 0
	for _, d := range dets {
		if e.cfg.Classes.Role(d) != detection.RoleOther {
			count++
		}
	}
	density := math.Round(float64(count)/e.cfg.DensityDivisor*100) / 100
	status := e.statusFor(count)

	var width, height float64
	if img != nil {
		b := img.Bounds()
		width, height = float64(b.Dx()), float64(b.Dy())
	}

	occupancy := make([]int, len(e.cfg.Zones))
	var speeds []float64
	greenWave := false

	for _, d := range dets {
		role := e.cfg.Classes.Role(d)
		cx, cy := d.BBox.Center()

		box := Box{
			X1: d.BBox.X1, Y1: d.BBox.Y1, X2: d.BBox.X2, Y2: d.BBox.Y2,
			ClassID: d.ClassID,
			Class:   e.cfg.Classes.Label(d),
			Conf:    d.Confidence,
			TrackID: d.TrackID,
		}

		if role != detection.RoleOther && width > 0 && height > 0 {
			if i := e.zoneOf(cx/width, cy/height); i >= 0 {
				occupancy[i]++
			}
		}

		switch role {
		case detection.RoleEmergency:
			greenWave = true
			tel.Incidents = append(tel.Incidents, e.greenWaveIncident(d, count, density, now))

		case detection.RoleVehicle:
			if d.TrackID == nil {
				break
			}
			tr := e.track(*d.TrackID)
			p := point{x: cx, y: cy, at: now}
			if v, ok := tr.updateSpeed(p, e.cfg.PixelsToMeters); ok {
				box.Speed = math.Round(v*10) / 10
				speeds = append(speeds, v)
			}
			if tr.observe(p, &e.cfg) {
				inc := e.obstructionIncident(img, d, count, density, now)
				tel.Incidents = append(tel.Incidents, inc)
				tr.enterCooldown(now)
				log.Printf("[Analytics] %s: track %d confirmed stationary", e.streamID, *d.TrackID)
			}
		}

		tel.Boxes = append(tel.Boxes, box)
	}

	if len(e.cfg.Zones) > 0 && width > 0 {
		tel.Zones = make([]ZoneOccupancy, len(e.cfg.Zones))
		for i, z := range e.cfg.Zones {
			congested := z.Threshold > 0 && occupancy[i] >= z.Threshold
			if congested && !e.congested[i] {
				tel.Incidents = append(tel.Incidents, e.congestionIncident(z, occupancy[i], count, density, status, now))
			}
			e.congested[i] = congested
			tel.Zones[i] = ZoneOccupancy{Name: z.Name, Count: occupancy[i], Congested: congested}
		}
	}

	if greenWave {
		status = StatusGreenWave
	}

	avg := 0.0
	if len(speeds) > 0 {
		avg = math.Round(stat.Mean(speeds, nil)*10) / 10
	}

	tel.Stats = Stats{
		Count:     count,
		Status:    status,
		GreenWave: greenWave,
		Density:   density,
		AvgSpeed:  avg,
	}
	return tel
}

func (e *Engine) statusFor(count int) string {
	switch {
	case count > e.cfg.CriticalCount:
		return StatusCritical
	case count > e.cfg.ModerateCount:
		return StatusModerate
	default:
		return StatusClear
	}
}

// zoneOf returns the index of the first zone containing the point, or -1
func (e *Engine) zoneOf(x, y float64) int {
	for i, z := range e.cfg.Zones {
		if z.Contains(x, y) {
			return i
		}
	}
	return -1
}

func (e *Engine) track(id int) *track {
	t, ok := e.tracks[id]
	if !ok {
		t = newTrack(e.cfg.HistoryLength)
		e.tracks[id] = t
	}
	return t
}

func (e *Engine) incident(typ IncidentType, sev Severity, desc string, count int, density float64, now time.Time) Incident {
	return Incident{
		ID:           e.newID(),
		StreamID:     e.streamID,
		StreamName:   e.streamName,
		Type:         typ,
		Severity:     sev,
		Description:  desc,
		Timestamp:    now.UTC(),
		VehicleCount: count,
		Density:      density,
		Status:       "OPEN",
	}
}

func (e *Engine) obstructionIncident(img image.Image, d detection.Detection, count int, density float64, now time.Time) Incident {
	sev := SeverityMedium
	if count > e.cfg.HighSeverityCount {
		sev = SeverityHigh
	}
	inc := e.incident(IncidentObstruction, sev,
		fmt.Sprintf("Stationary vehicle (ID: %d) detected.", *d.TrackID), count, density, now)
	inc.TrackID = d.TrackID
	if img != nil {
		inc.Snapshot = Crop(img, d.BBox, e.cfg.SnapshotPadding, e.cfg.SnapshotQuality)
	}
	return inc
}

func (e *Engine) greenWaveIncident(d detection.Detection, count int, density float64, now time.Time) Incident {
	desc := "Ambulance detected. Clear lane!"
	if d.TrackID != nil {
		desc = fmt.Sprintf("Ambulance detected (ID: %d). Clear lane!", *d.TrackID)
	}
	inc := e.incident(IncidentGreenWave, SeverityCritical, desc, count, density, now)
	inc.TrackID = d.TrackID
	return inc
}

func (e *Engine) congestionIncident(z Zone, occupancy, count int, density float64, status string, now time.Time) Incident {
	sev := SeverityMedium
	if status == StatusCritical {
		sev = SeverityHigh
	}
	inc := e.incident(IncidentCongestion, sev,
		fmt.Sprintf("%s congested: %d vehicles.", z.Name, occupancy), count, density, now)
	inc.Zone = z.Name
	return inc
}
