package analytics

import (
	"errors"
	"fmt"
	"image/color"
	"time"

	"trafficmon/internal/detection"
)

// Zone is a named lane or region in normalized frame coordinates
type Zone struct {
	Name string  `json:"name"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	// Threshold is the occupancy at which the zone is congested; 0 disables it
	Threshold int        `json:"threshold"`
	Color     color.RGBA `json:"-"`
}

// Contains reports whether a normalized point lies in the zone
func (z Zone) Contains(x, y float64) bool {
	return x >= z.X1 && x <= z.X2 && y >= z.Y1 && y <= z.Y2
}

// Config holds the thresholds of the traffic engine
type Config struct {
	// PixelMoveThreshold is the displacement under which a track counts as stationary
	PixelMoveThreshold float64
	TimeToConfirm      time.Duration
	CooldownTime       time.Duration

	// HistoryLength bounds the centroid ring per track
	HistoryLength int
	// The stationary window is ready once it holds MinHistory samples.
	// A non-zero MinWindow also readies it once it spans that long, for
	// sources too slow to fill MinHistory in reasonable time.
	MinHistory int
	MinWindow  time.Duration

	PixelsToMeters float64

	ModerateCount     int
	CriticalCount     int
	HighSeverityCount int
	DensityDivisor    float64

	SnapshotPadding int
	SnapshotQuality int

	Zones   []Zone
	Classes detection.ClassTable
}

// DefaultZones are the two lane regions of the reference camera layout
func DefaultZones() []Zone {
	return []Zone{
		{Name: "Left Lane", X1: 0.30, Y1: 0.25, X2: 0.53, Y2: 0.98, Threshold: 8, Color: color.RGBA{0, 255, 255, 255}},
		{Name: "Right Lane", X1: 0.53, Y1: 0.25, X2: 0.78, Y2: 0.98, Threshold: 8, Color: color.RGBA{255, 255, 0, 255}},
	}
}

// DefaultConfig returns the tuned defaults
func DefaultConfig() Config {
	return Config{
		PixelMoveThreshold: 15,
		TimeToConfirm:      5 * time.Second,
		CooldownTime:       60 * time.Second,
		HistoryLength:      90,
		MinHistory:         30,
		PixelsToMeters:     0.1,
		ModerateCount:      5,
		CriticalCount:      15,
		HighSeverityCount:  20,
		DensityDivisor:     50,
		SnapshotPadding:    60,
		SnapshotQuality:    90,
		Zones:              DefaultZones(),
		Classes:            detection.DefaultClassTable(),
	}
}

// Validate checks the thresholds for consistency
func (c Config) Validate() error {
	if c.PixelMoveThreshold <= 0 {
		return fmt.Errorf("pixel move threshold must be positive, got %f", c.PixelMoveThreshold)
	}
	if c.TimeToConfirm <= 0 || c.CooldownTime <= 0 {
		return errors.New("time to confirm and cooldown must be positive")
	}
	if c.HistoryLength < 2 {
		return fmt.Errorf("history length must be at least 2, got %d", c.HistoryLength)
	}
	if c.MinHistory < 2 || c.MinHistory > c.HistoryLength {
		return fmt.Errorf("min history must be between 2 and %d, got %d", c.HistoryLength, c.MinHistory)
	}
	if c.ModerateCount > c.CriticalCount {
		return fmt.Errorf("moderate count %d exceeds critical count %d", c.ModerateCount, c.CriticalCount)
	}
	if c.DensityDivisor <= 0 {
		return errors.New("density divisor must be positive")
	}
	for _, z := range c.Zones {
		if z.X1 >= z.X2 || z.Y1 >= z.Y2 {
			return fmt.Errorf("zone %q has an empty rectangle", z.Name)
		}
		if z.X1 < 0 || z.Y1 < 0 || z.X2 > 1 || z.Y2 > 1 {
			return fmt.Errorf("zone %q must use normalized coordinates", z.Name)
		}
	}
	return nil
}
