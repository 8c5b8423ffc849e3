package config

import (
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"trafficmon/internal/analytics"
	"trafficmon/internal/detection"
	"trafficmon/internal/pipeline"
)

// Thresholds overrides the analytics and detector tuning. Fields omitted
// from the JSON keep their defaults, so partial files are safe.
type Thresholds struct {
	// Stationary detection
	PixelMoveThreshold *float64 `json:"pixel_move_threshold,omitempty"`
	TimeToConfirm      *string  `json:"time_to_confirm,omitempty"` // duration string like "5s"
	CooldownTime       *string  `json:"cooldown_time,omitempty"`
	HistoryLength      *int     `json:"history_length,omitempty"`
	MinHistory         *int     `json:"min_history,omitempty"`
	MinWindow          *string  `json:"min_window,omitempty"`
	PixelsToMeters     *float64 `json:"pixels_to_meters,omitempty"`

	// Status
	ModerateCount     *int     `json:"moderate_count,omitempty"`
	CriticalCount     *int     `json:"critical_count,omitempty"`
	HighSeverityCount *int     `json:"high_severity_count,omitempty"`
	DensityDivisor    *float64 `json:"density_divisor,omitempty"`

	// Detector
	Confidence *float64 `json:"confidence,omitempty"`
	IoU        *float64 `json:"iou,omitempty"`
	ImageSize  *int     `json:"image_size,omitempty"`

	Zones   []ZoneConfig `json:"zones,omitempty"`
	Classes *ClassConfig `json:"classes,omitempty"`
}

// ZoneConfig is a zone as written in the thresholds file
type ZoneConfig struct {
	Name      string  `json:"name"`
	X1        float64 `json:"x1"`
	Y1        float64 `json:"y1"`
	X2        float64 `json:"x2"`
	Y2        float64 `json:"y2"`
	Threshold int     `json:"threshold"`
	// Color is [r, g, b]
	Color []int `json:"color,omitempty"`
}

// ClassConfig replaces the class table for weights with a different
// class numbering
type ClassConfig struct {
	Names     map[int]string `json:"names"`
	Vehicles  []int          `json:"vehicles"`
	Emergency []int          `json:"emergency"`
}

const maxThresholdsSize = 1 * 1024 * 1024

// LoadThresholds loads and validates a thresholds file
func LoadThresholds(path string) (*Thresholds, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("thresholds file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat thresholds file: %w", err)
	}
	if info.Size() > maxThresholdsSize {
		return nil, fmt.Errorf("thresholds file too large: %d bytes (max %d)", info.Size(), maxThresholdsSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read thresholds file: %w", err)
	}

	t := &Thresholds{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds JSON: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	return t, nil
}

// Validate checks the values that can be judged on their own. Apply
// validates the merged result.
func (t *Thresholds) Validate() error {
	for name, v := range map[string]*string{
		"time_to_confirm": t.TimeToConfirm,
		"cooldown_time":   t.CooldownTime,
		"min_window":      t.MinWindow,
	} {
		if v == nil {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, *v)
		}
	}

	if t.Confidence != nil && (*t.Confidence <= 0 || *t.Confidence >= 1) {
		return fmt.Errorf("confidence must be between 0 and 1, got %f", *t.Confidence)
	}
	if t.IoU != nil && (*t.IoU <= 0 || *t.IoU >= 1) {
		return fmt.Errorf("iou must be between 0 and 1, got %f", *t.IoU)
	}
	if t.ImageSize != nil && (*t.ImageSize < 32 || *t.ImageSize%32 != 0) {
		return fmt.Errorf("image_size must be a positive multiple of 32, got %d", *t.ImageSize)
	}
	if t.PixelsToMeters != nil && *t.PixelsToMeters <= 0 {
		return fmt.Errorf("pixels_to_meters must be positive, got %f", *t.PixelsToMeters)
	}

	seen := make(map[string]bool)
	for _, z := range t.Zones {
		if z.Name == "" {
			return fmt.Errorf("zone names are required")
		}
		if seen[z.Name] {
			return fmt.Errorf("duplicate zone %q", z.Name)
		}
		seen[z.Name] = true
		if z.Color != nil {
			if len(z.Color) != 3 {
				return fmt.Errorf("zone %q color must be [r, g, b]", z.Name)
			}
			for _, c := range z.Color {
				if c < 0 || c > 255 {
					return fmt.Errorf("zone %q color component %d out of range", z.Name, c)
				}
			}
		}
	}

	if t.Classes != nil {
		if len(t.Classes.Vehicles) == 0 {
			return fmt.Errorf("classes.vehicles must not be empty")
		}
	}
	return nil
}

// Apply merges the overrides into a session configuration
func (t *Thresholds) Apply(cfg *pipeline.SessionConfig) error {
	a := &cfg.Analytics

	if t.PixelMoveThreshold != nil {
		a.PixelMoveThreshold = *t.PixelMoveThreshold
	}
	applyDuration(t.TimeToConfirm, &a.TimeToConfirm)
	applyDuration(t.CooldownTime, &a.CooldownTime)
	applyDuration(t.MinWindow, &a.MinWindow)
	if t.HistoryLength != nil {
		a.HistoryLength = *t.HistoryLength
	}
	if t.MinHistory != nil {
		a.MinHistory = *t.MinHistory
	}
	if t.PixelsToMeters != nil {
		a.PixelsToMeters = *t.PixelsToMeters
	}
	if t.ModerateCount != nil {
		a.ModerateCount = *t.ModerateCount
	}
	if t.CriticalCount != nil {
		a.CriticalCount = *t.CriticalCount
	}
	if t.HighSeverityCount != nil {
		a.HighSeverityCount = *t.HighSeverityCount
	}
	if t.DensityDivisor != nil {
		a.DensityDivisor = *t.DensityDivisor
	}

	if t.Zones != nil {
		a.Zones = make([]analytics.Zone, 0, len(t.Zones))
		for i, z := range t.Zones {
			zone := analytics.Zone{
				Name: z.Name, X1: z.X1, Y1: z.Y1, X2: z.X2, Y2: z.Y2,
				Threshold: z.Threshold,
				Color:     zoneColor(z.Color, i),
			}
			a.Zones = append(a.Zones, zone)
		}
	}

	if t.Classes != nil {
		table := detection.DefaultClassTable()
		table.Names = t.Classes.Names
		table.Vehicles = t.Classes.Vehicles
		table.Emergency = t.Classes.Emergency
		a.Classes = table
		cfg.Detect.Classes = table.Filter()
	}

	if t.Confidence != nil {
		cfg.Detect.Confidence = float32(*t.Confidence)
	}
	if t.IoU != nil {
		cfg.Detect.IoU = float32(*t.IoU)
	}
	if t.ImageSize != nil {
		cfg.Detect.ImageSize = *t.ImageSize
	}

	return a.Validate()
}

func applyDuration(v *string, dst *time.Duration) {
	if v == nil {
		return
	}
	if d, err := time.ParseDuration(*v); err == nil {
		*dst = d
	}
}

var zonePalette = []color.RGBA{
	{0, 255, 255, 255},
	{255, 255, 0, 255},
	{255, 0, 255, 255},
	{0, 200, 0, 255},
}

func zoneColor(rgb []int, i int) color.RGBA {
	if len(rgb) == 3 {
		return color.RGBA{uint8(rgb[0]), uint8(rgb[1]), uint8(rgb[2]), 255}
	}
	return zonePalette[i%len(zonePalette)]
}
