package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GPUDetector talks to an HTTP detection service (multipart upload, JSON reply)
type GPUDetector struct {
	endpoint  string
	client    *http.Client
	model     Model
	instance  string
	imageSize int

	healthMu    sync.Mutex
	healthy     bool
	healthCheck time.Time

	closeOnce sync.Once
}

// GPUDetectorConfig holds configuration for the HTTP detector
type GPUDetectorConfig struct {
	Endpoint  string
	Model     Model
	ImageSize int
	Timeout   time.Duration
}

// NewGPUDetector creates a new HTTP detector bound to one set of weights
func NewGPUDetector(config GPUDetectorConfig) *GPUDetector {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &GPUDetector{
		endpoint:  config.Endpoint,
		client:    &http.Client{Timeout: config.Timeout},
		model:     config.Model,
		instance:  uuid.NewString(),
		imageSize: config.ImageSize,
	}
}

// Name implements Detector
func (gd *GPUDetector) Name() string {
	return "http"
}

// IsHealthy checks if the detection service is available
func (gd *GPUDetector) IsHealthy(ctx context.Context) bool {
	gd.healthMu.Lock()
	defer gd.healthMu.Unlock()

	// Cache health check for 30 seconds
	if gd.healthy && time.Since(gd.healthCheck) < 30*time.Second {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gd.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := gd.client.Do(req)
	if err != nil {
		log.Printf("[GPUDetector] Health check failed: %v", err)
		gd.healthy = false
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	gd.healthy = resp.StatusCode == http.StatusOK
	if gd.healthy {
		gd.healthCheck = time.Now()
	} else {
		log.Printf("[GPUDetector] Health check returned status %d", resp.StatusCode)
	}
	return gd.healthy
}

// Detect implements Detector
func (gd *GPUDetector) Detect(ctx context.Context, frame []byte, opts Options) ([]Detection, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorFailure, err)
	}
	if _, err := fw.Write(frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorFailure, err)
	}

	size := opts.ImageSize
	if size == 0 {
		size = gd.imageSize
	}
	classes := make([]string, 0, len(opts.Classes))
	for _, c := range opts.Classes {
		classes = append(classes, strconv.Itoa(c))
	}

	w.WriteField("conf_threshold", fmt.Sprintf("%.2f", opts.Confidence))
	w.WriteField("iou_threshold", fmt.Sprintf("%.2f", opts.IoU))
	w.WriteField("classes", strings.Join(classes, ","))
	w.WriteField("imgsz", strconv.Itoa(size))
	w.WriteField("weights", gd.model.Path)
	w.WriteField("instance", gd.instance)
	w.WriteField("track", "true")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gd.endpoint+"/detect", &b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorFailure, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := gd.client.Do(req)
	if err != nil {
		gd.markUnhealthy()
		return nil, fmt.Errorf("%w: %v", ErrDetectorFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrDetectorFailure, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrDetectorFailure, err)
	}
	return result.detections()
}

// Warmup implements Detector
func (gd *GPUDetector) Warmup(ctx context.Context) error {
	if !gd.IsHealthy(ctx) {
		return fmt.Errorf("%w: detection service at %s unavailable", ErrModelUnavailable, gd.endpoint)
	}

	start := time.Now()
	if _, err := gd.Detect(ctx, BlankFrame(gd.imageSize), Options{Confidence: 0.5, IoU: 0.45, ImageSize: gd.imageSize}); err != nil {
		return fmt.Errorf("%w: warm-up failed: %v", ErrModelUnavailable, err)
	}
	log.Printf("[GPUDetector] Warm-up for %s done in %v", gd.model.Name, time.Since(start))
	return nil
}

// Close asks the service to release the weights loaded for this instance.
// Only the first call reaches the service.
func (gd *GPUDetector) Close() error {
	gd.closeOnce.Do(gd.release)
	return nil
}

func (gd *GPUDetector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"instance": gd.instance, "weights": gd.model.Path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gd.endpoint+"/release", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := gd.client.Do(req)
	if err != nil {
		log.Printf("[GPUDetector] Release failed: %v", err)
		return
	}
	resp.Body.Close()
}

func (gd *GPUDetector) markUnhealthy() {
	gd.healthMu.Lock()
	gd.healthy = false
	gd.healthMu.Unlock()
}

// Ensure GPUDetector implements Detector
var _ Detector = (*GPUDetector)(nil)
