package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	detectionService = "trafficmon.detection.v1.DetectionService"
	detectMethod     = "/" + detectionService + "/Detect"
	releaseMethod    = "/" + detectionService + "/Release"
)

// GRPCDetector calls the external detection service over unary gRPC.
// Messages are google.protobuf.Struct so the service contract needs no
// generated stubs on this side.
type GRPCDetector struct {
	endpoint  string
	conn      *grpc.ClientConn
	health    healthpb.HealthClient
	model     Model
	instance  string
	imageSize int
	timeout   time.Duration
	closeOnce sync.Once
}

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Endpoint  string
	Model     Model
	ImageSize int
	Timeout   time.Duration
}

// NewGRPCDetector creates a client bound to one set of weights. The
// connection is established lazily; Warmup verifies it.
func NewGRPCDetector(config GRPCDetectorConfig) (*GRPCDetector, error) {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	conn, err := grpc.NewClient(config.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(16<<20), grpc.MaxCallSendMsgSize(16<<20)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", config.Endpoint, err)
	}

	return &GRPCDetector{
		endpoint:  config.Endpoint,
		conn:      conn,
		health:    healthpb.NewHealthClient(conn),
		model:     config.Model,
		instance:  uuid.NewString(),
		imageSize: config.ImageSize,
		timeout:   config.Timeout,
	}, nil
}

// Name implements Detector
func (gd *GRPCDetector) Name() string {
	return "grpc"
}

// IsHealthy checks the standard gRPC health service
func (gd *GRPCDetector) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := gd.health.Check(ctx, &healthpb.HealthCheckRequest{Service: detectionService})
	if err != nil {
		log.Printf("[GRPCDetector] Health check failed: %v", err)
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// Detect implements Detector
func (gd *GRPCDetector) Detect(ctx context.Context, frame []byte, opts Options) ([]Detection, error) {
	req, err := gd.buildRequest(frame, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorFailure, err)
	}

	ctx, cancel := context.WithTimeout(ctx, gd.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorFailure, err)
	}

	return decodeStruct(resp)
}

// Warmup implements Detector
func (gd *GRPCDetector) Warmup(ctx context.Context) error {
	if !gd.IsHealthy(ctx) {
		return fmt.Errorf("%w: detection service at %s not serving", ErrModelUnavailable, gd.endpoint)
	}

	start := time.Now()
	if _, err := gd.Detect(ctx, BlankFrame(gd.imageSize), Options{Confidence: 0.5, IoU: 0.45, ImageSize: gd.imageSize}); err != nil {
		return fmt.Errorf("%w: warm-up failed: %v", ErrModelUnavailable, err)
	}
	log.Printf("[GRPCDetector] Warm-up for %s done in %v", gd.model.Name, time.Since(start))
	return nil
}

// Close releases the weights held by the service for this instance and
// shuts down the connection
func (gd *GRPCDetector) Close() error {
	var err error
	gd.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		req, _ := structpb.NewStruct(map[string]any{
			"instance": gd.instance,
			"weights":  gd.model.Path,
		})
		if rerr := gd.conn.Invoke(ctx, releaseMethod, req, &structpb.Struct{}); rerr != nil {
			log.Printf("[GRPCDetector] Release failed: %v", rerr)
		}
		err = gd.conn.Close()
	})
	return err
}

func (gd *GRPCDetector) buildRequest(frame []byte, opts Options) (*structpb.Struct, error) {
	classes := make([]any, 0, len(opts.Classes))
	for _, c := range opts.Classes {
		classes = append(classes, c)
	}
	size := opts.ImageSize
	if size == 0 {
		size = gd.imageSize
	}

	return structpb.NewStruct(map[string]any{
		"instance": gd.instance,
		"weights":  gd.model.Path,
		"jpeg":     base64.StdEncoding.EncodeToString(frame),
		"conf":     float64(opts.Confidence),
		"iou":      float64(opts.IoU),
		"classes":  classes,
		"imgsz":    size,
		"track":    true,
	})
}

// detectResponse is the shared response shape of both backends
type detectResponse struct {
	Detections []struct {
		X1         float32  `json:"x1"`
		Y1         float32  `json:"y1"`
		X2         float32  `json:"x2"`
		Y2         float32  `json:"y2"`
		ClassID    float64  `json:"class_id"`
		ClassName  string   `json:"class_name"`
		Confidence float32  `json:"confidence"`
		TrackID    *float64 `json:"track_id"`
	} `json:"detections"`
	InferenceMs float64 `json:"inference_ms"`
	Error       string  `json:"error"`
}

func (r *detectResponse) detections() ([]Detection, error) {
	if r.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrDetectorFailure, r.Error)
	}

	out := make([]Detection, 0, len(r.Detections))
	for _, d := range r.Detections {
		det := Detection{
			ClassID:    int(d.ClassID),
			Class:      d.ClassName,
			Confidence: d.Confidence,
			BBox:       BBox{X1: d.X1, Y1: d.Y1, X2: d.X2, Y2: d.Y2},
		}
		if d.TrackID != nil {
			id := int(*d.TrackID)
			det.TrackID = &id
		}
		out = append(out, det)
	}
	return out, nil
}

func decodeStruct(s *structpb.Struct) ([]Detection, error) {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorFailure, err)
	}

	var resp detectResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrDetectorFailure, err)
	}
	return resp.detections()
}

// Ensure GRPCDetector implements Detector
var _ Detector = (*GRPCDetector)(nil)
