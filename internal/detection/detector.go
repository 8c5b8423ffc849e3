package detection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/url"
	"strings"
)

var (
	// ErrDetectorFailure marks a failed per-frame detector call
	ErrDetectorFailure = errors.New("detector failure")
	// ErrModelUnavailable is returned when no usable weights can be loaded
	ErrModelUnavailable = errors.New("model unavailable")
)

// BBox is an axis-aligned box in pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// Center returns the box centroid
func (b BBox) Center() (float64, float64) {
	return float64(b.X1+b.X2) / 2, float64(b.Y1+b.Y2) / 2
}

// Width returns the box width
func (b BBox) Width() float64 { return float64(b.X2 - b.X1) }

// Height returns the box height
func (b BBox) Height() float64 { return float64(b.Y2 - b.Y1) }

// Detection is one object reported by the detector for a single frame
type Detection struct {
	ClassID    int     `json:"class_id"`
	Class      string  `json:"class"`
	Confidence float32 `json:"conf"`
	BBox       BBox    `json:"bbox"`
	TrackID    *int    `json:"track_id,omitempty"`
}

// Options are the per-call inference parameters
type Options struct {
	Confidence float32
	IoU        float32
	Classes    []int
	ImageSize  int
}

// Detector wraps an external detection/tracking backend.
// A Detector instance is bound to one set of weights and is driven by a
// single inference loop; implementations need not support concurrent Detect calls.
type Detector interface {
	// Name identifies the backend ("grpc", "http")
	Name() string

	// Detect runs inference on a JPEG encoded frame
	Detect(ctx context.Context, frame []byte, opts Options) ([]Detection, error)

	// Warmup performs one inference on a blank frame to force resource allocation
	Warmup(ctx context.Context) error

	// Close releases the backend resources held for this instance
	Close() error
}

// Factory creates a Detector bound to the given weights file
type Factory func(ctx context.Context, model Model) (Detector, error)

// BackendConfig selects and configures a detector backend
type BackendConfig struct {
	// Endpoint is grpc://host:port or http(s)://host:port
	Endpoint  string
	ImageSize int
}

// NewFactory returns a Factory for the backend named by cfg.Endpoint
func NewFactory(cfg BackendConfig) (Factory, error) {
	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		// bare host:port is a gRPC target
		endpoint = "grpc://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid detector endpoint %q: %w", cfg.Endpoint, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "grpc":
		target := u.Host
		return func(ctx context.Context, model Model) (Detector, error) {
			return NewGRPCDetector(GRPCDetectorConfig{
				Endpoint:  target,
				Model:     model,
				ImageSize: cfg.ImageSize,
			})
		}, nil
	case "http", "https":
		return func(ctx context.Context, model Model) (Detector, error) {
			return NewGPUDetector(GPUDetectorConfig{
				Endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
				Model:     model,
				ImageSize: cfg.ImageSize,
			}), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported detector scheme %q", u.Scheme)
	}
}

// BlankFrame returns a black square JPEG used for warm-up calls
func BlankFrame(size int) []byte {
	if size <= 0 {
		size = 640
	}
	img := image.NewGray(image.Rect(0, 0, size, size))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 50}); err != nil {
		return nil
	}
	return buf.Bytes()
}
