package resources

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Reading is one best-effort sample of accelerator and thermal state.
// Fields without a reading have their OK flag unset.
type Reading struct {
	MemoryUsedMB  float64   `json:"memory_used_mb"`
	MemoryTotalMB float64   `json:"memory_total_mb"`
	MemoryOK      bool      `json:"memory_ok"`
	TemperatureC  float64   `json:"temperature_c"`
	TemperatureOK bool      `json:"temperature_ok"`
	Source        string    `json:"source"`
	At            time.Time `json:"at"`
}

// MemoryUsedGB returns the used accelerator memory in GB
func (r Reading) MemoryUsedGB() float64 {
	return r.MemoryUsedMB / 1024
}

// Probe reads accelerator memory and temperature. Read never fails;
// missing telemetry is reported through the OK flags.
type Probe interface {
	Read(ctx context.Context) Reading
}

// SystemProbe queries nvidia-smi and falls back to the kernel thermal zones
type SystemProbe struct {
	NvidiaSMI   string
	ThermalGlob string
	Timeout     time.Duration
	// CacheTTL avoids spawning nvidia-smi on every admission check
	CacheTTL time.Duration

	mu   sync.Mutex
	last Reading
}

// NewSystemProbe creates a probe with default paths
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{
		NvidiaSMI:   "nvidia-smi",
		ThermalGlob: "/sys/class/thermal/thermal_zone*/temp",
		Timeout:     2 * time.Second,
		CacheTTL:    2 * time.Second,
	}
}

// Read implements Probe
func (p *SystemProbe) Read(ctx context.Context) Reading {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.last.At.IsZero() && time.Since(p.last.At) < p.CacheTTL {
		return p.last
	}

	r := Reading{At: time.Now()}
	if used, total, temp, err := p.queryGPU(ctx); err == nil {
		r.MemoryUsedMB, r.MemoryTotalMB, r.MemoryOK = used, total, true
		r.TemperatureC, r.TemperatureOK = temp, true
		r.Source = "nvidia-smi"
	} else if temp, ok := readThermal(p.ThermalGlob); ok {
		r.TemperatureC, r.TemperatureOK = temp, true
		r.Source = "thermal"
	} else {
		r.Source = "none"
	}

	p.last = r
	return r
}

func (p *SystemProbe) queryGPU(ctx context.Context) (used, total, temp float64, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.NvidiaSMI,
		"--query-gpu=memory.used,memory.total,temperature.gpu",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, 0, 0, err
	}
	return parseSMI(string(out))
}

// parseSMI parses the first GPU line of nvidia-smi csv output
func parseSMI(out string) (used, total, temp float64, err error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return 0, 0, 0, fmt.Errorf("no GPU data returned")
	}

	fields := strings.Split(lines[0], ",")
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("invalid GPU data format: %q", lines[0])
	}

	vals := make([]float64, 3)
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("failed to parse field %d: %v", i, err)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}

// readThermal returns the hottest kernel thermal zone in Celsius
func readThermal(pattern string) (float64, bool) {
	paths, err := filepath.Glob(pattern)
	if err != nil || len(paths) == 0 {
		return 0, false
	}

	best, ok := 0.0, false
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		if c := milli / 1000; !ok || c > best {
			best, ok = c, true
		}
	}
	return best, ok
}

// StaticProbe returns a fixed reading
type StaticProbe struct {
	Reading Reading
}

// Read implements Probe
func (s StaticProbe) Read(ctx context.Context) Reading {
	return s.Reading
}

var (
	_ Probe = (*SystemProbe)(nil)
	_ Probe = StaticProbe{}
)
