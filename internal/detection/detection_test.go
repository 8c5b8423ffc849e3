package detection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("weights"), 0o644))
}

func TestGovernanceResolve(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "mark5.pt")
	touch(t, dir, "mark3.pt")
	g := NewGovernance(dir)

	tests := []struct {
		name      string
		requested string
		want      string
		fallback  bool
	}{
		{"exact", "mark-3", "mark-3", false},
		{"empty uses default", "", "mark-5", false},
		{"missing file falls back", "mark-4", "mark-5", true},
		{"unknown name falls back", "yolo-x", "mark-5", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := g.Resolve(tt.requested)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Name)
			assert.Equal(t, tt.fallback, m.Fallback)
			assert.FileExists(t, m.Path)
		})
	}

	assert.Equal(t, []string{"mark-3", "mark-5"}, g.Available())
}

func TestGovernanceDefaultMissing(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "mark3.pt")
	g := NewGovernance(dir)

	_, err := g.Resolve("mark-4")
	assert.ErrorIs(t, err, ErrModelUnavailable)

	// present weights still resolve
	m, err := g.Resolve("mark-3")
	require.NoError(t, err)
	assert.Equal(t, "mark-3", m.Name)
}

func TestProbe(t *testing.T) {
	tests := []struct {
		locator string
		view    string
		model   string
		locked  bool
	}{
		{"rtsp://10.0.0.5/stream", ViewGround, "mark-5", false},
		{"/data/ground_cam_2.mp4", ViewGround, "mark-5", false},
		{"0", ViewGround, "mark-5", false},
		{"https://example.com/drone.mp4", ViewAerial, "mark-3", true},
		{"", ViewAerial, "mark-3", true},
	}

	for _, tt := range tests {
		p := Probe(tt.locator)
		assert.Equal(t, tt.view, p.ViewType, tt.locator)
		assert.Equal(t, tt.model, p.RecommendedModel, tt.locator)
		assert.Equal(t, tt.locked, p.Locked, tt.locator)
		assert.NotEmpty(t, p.Reason)
	}
}

func TestClassTableRoles(t *testing.T) {
	table := DefaultClassTable()

	assert.Equal(t, []int{2, 3, 4, 5, 7}, table.Filter())
	assert.Equal(t, RoleVehicle, table.Role(Detection{ClassID: 2}))
	assert.Equal(t, RoleEmergency, table.Role(Detection{ClassID: 4}))
	assert.Equal(t, RoleOther, table.Role(Detection{ClassID: 0, Class: "person"}))
	// label fallback for a backend with a different numbering
	assert.Equal(t, RoleEmergency, table.Role(Detection{ClassID: 80, Class: "ambulance"}))

	assert.Equal(t, "bus", table.Label(Detection{ClassID: 5}))
	assert.Equal(t, "van", table.Label(Detection{ClassID: 5, Class: "van"}))
	assert.Equal(t, "object", table.Label(Detection{ClassID: 99}))
}

func TestDecodeStruct(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"detections": []any{
			map[string]any{"x1": 10, "y1": 20, "x2": 30, "y2": 60, "class_id": 2, "class_name": "car", "confidence": 0.91, "track_id": 7},
			map[string]any{"x1": 0, "y1": 0, "x2": 5, "y2": 5, "class_id": 4, "class_name": "ambulance", "confidence": 0.6},
		},
		"inference_ms": 12.5,
	})
	require.NoError(t, err)

	dets, err := decodeStruct(s)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, 2, dets[0].ClassID)
	assert.Equal(t, "car", dets[0].Class)
	require.NotNil(t, dets[0].TrackID)
	assert.Equal(t, 7, *dets[0].TrackID)
	cx, cy := dets[0].BBox.Center()
	assert.Equal(t, 20.0, cx)
	assert.Equal(t, 40.0, cy)
	assert.Nil(t, dets[1].TrackID)
}

func TestDecodeStructServiceError(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"error": "cuda out of memory"})
	require.NoError(t, err)

	_, err = decodeStruct(s)
	assert.ErrorIs(t, err, ErrDetectorFailure)
}

func TestGPUDetectorDetect(t *testing.T) {
	var gotFields map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/detect":
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			gotFields = map[string]string{
				"conf":    r.FormValue("conf_threshold"),
				"iou":     r.FormValue("iou_threshold"),
				"classes": r.FormValue("classes"),
				"weights": r.FormValue("weights"),
			}
			f, _, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				return
			}
			data, _ := io.ReadAll(f)
			assert.Equal(t, []byte("jpeg"), data)

			json.NewEncoder(w).Encode(map[string]any{
				"detections": []map[string]any{
					{"x1": 1, "y1": 2, "x2": 3, "y2": 4, "class_id": 7, "class_name": "truck", "confidence": 0.8, "track_id": 3},
				},
			})
		case "/release":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewGPUDetector(GPUDetectorConfig{Endpoint: srv.URL, Model: Model{Name: "mark-5", Path: "/models/mark5.pt"}, ImageSize: 64})
	assert.True(t, d.IsHealthy(context.Background()))

	dets, err := d.Detect(context.Background(), []byte("jpeg"), Options{Confidence: 0.5, IoU: 0.45, Classes: []int{2, 7}})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "truck", dets[0].Class)
	assert.Equal(t, 3, *dets[0].TrackID)

	assert.Equal(t, "0.50", gotFields["conf"])
	assert.Equal(t, "0.45", gotFields["iou"])
	assert.Equal(t, "2,7", gotFields["classes"])
	assert.Equal(t, "/models/mark5.pt", gotFields["weights"])

	assert.NoError(t, d.Warmup(context.Background()))
	assert.NoError(t, d.Close())
}

func TestGPUDetectorReleasesOnce(t *testing.T) {
	var releases atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/release" {
			releases.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewGPUDetector(GPUDetectorConfig{Endpoint: srv.URL, Model: Model{Name: "mark-5", Path: "/models/mark5.pt"}})

	// a stop racing the end of a start closes the detector from both sides
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Close())
		}()
	}
	wg.Wait()
	assert.NoError(t, d.Close())

	assert.EqualValues(t, 1, releases.Load())
}

func TestGPUDetectorFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewGPUDetector(GPUDetectorConfig{Endpoint: srv.URL})
	_, err := d.Detect(context.Background(), []byte("jpeg"), Options{})
	assert.True(t, errors.Is(err, ErrDetectorFailure))

	err = d.Warmup(context.Background())
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestNewFactorySchemes(t *testing.T) {
	_, err := NewFactory(BackendConfig{Endpoint: "localhost:50051"})
	assert.NoError(t, err)
	_, err = NewFactory(BackendConfig{Endpoint: "grpc://detector:50051"})
	assert.NoError(t, err)
	_, err = NewFactory(BackendConfig{Endpoint: "http://detector:8000"})
	assert.NoError(t, err)
	_, err = NewFactory(BackendConfig{Endpoint: "ftp://detector"})
	assert.Error(t, err)
}

func TestBlankFrame(t *testing.T) {
	data := BlankFrame(32)
	require.NotEmpty(t, data)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
}
