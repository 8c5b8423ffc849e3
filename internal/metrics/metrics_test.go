package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficmon/internal/analytics"
	"trafficmon/internal/pipeline"
	"trafficmon/internal/resources"
)

type fakeManager struct {
	infos []pipeline.SessionInfo
}

func (f *fakeManager) Start(ctx context.Context, req pipeline.StartRequest) (pipeline.SessionInfo, error) {
	return pipeline.SessionInfo{}, nil
}

func (f *fakeManager) Stop(ctx context.Context, id string) error { return nil }

func (f *fakeManager) Get(id string) (*pipeline.Session, bool) { return nil, false }

func (f *fakeManager) List() []pipeline.SessionInfo { return f.infos }

func (f *fakeManager) Status(ctx context.Context) pipeline.ResourceStatus {
	return pipeline.ResourceStatus{}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestResultsUpdateSeries(t *testing.T) {
	m := New()
	m.OnResult(&pipeline.Result{
		StreamID:    "cam-1",
		InferenceMs: 12,
		Telemetry: &analytics.Telemetry{
			Stats: analytics.Stats{Count: 6, Density: 0.12},
			Incidents: []analytics.Incident{
				{Type: analytics.IncidentObstruction},
				{Type: analytics.IncidentGreenWave},
				{Type: analytics.IncidentObstruction},
			},
		},
	})
	m.OnResult(&pipeline.Result{StreamID: "cam-1"})

	body := scrape(t, m)
	assert.Contains(t, body, `trafficmon_incidents_total{stream="cam-1",type="OBSTRUCTION"} 2`)
	assert.Contains(t, body, `trafficmon_incidents_total{stream="cam-1",type="GREEN_WAVE"} 1`)
	assert.Contains(t, body, `trafficmon_results_published_total{stream="cam-1"} 1`)
	assert.Contains(t, body, `trafficmon_vehicles{stream="cam-1"} 6`)
	assert.Contains(t, body, `trafficmon_density{stream="cam-1"} 0.12`)
	assert.Contains(t, body, `trafficmon_inference_duration_ms_count{stream="cam-1"} 1`)

	m.Forget("cam-1")
	assert.NotContains(t, scrape(t, m), `stream="cam-1"`)
}

func TestManagerAndProbeGauges(t *testing.T) {
	m := New()
	mgr := &fakeManager{infos: []pipeline.SessionInfo{
		{ID: "a", Status: pipeline.StatusRunning, Stats: pipeline.SessionStats{FramesCaptured: 100, FramesDropped: 7}},
		{ID: "b", Status: pipeline.StatusError},
	}}
	m.RegisterManager(mgr, 6)
	m.RegisterProbe(resources.StaticProbe{Reading: resources.Reading{MemoryOK: true, MemoryUsedMB: 2048}})
	m.RegisterClients("mjpeg", func() int64 { return 3 })
	m.RegisterClients("websocket", func() int64 { return 1 })
	m.RegisterDropped("recorder", func() uint64 { return 4 })

	body := scrape(t, m)
	assert.Contains(t, body, "trafficmon_active_sessions 1")
	assert.Contains(t, body, "trafficmon_max_sessions 6")
	assert.Contains(t, body, `trafficmon_session_frames_captured_total{stream="a"} 100`)
	assert.Contains(t, body, `trafficmon_session_frames_dropped_total{stream="a"} 7`)
	assert.Contains(t, body, `trafficmon_session_up{status="ERROR",stream="b"} 1`)
	assert.Contains(t, body, "trafficmon_accelerator_memory_used_mb 2048")
	assert.Contains(t, body, "trafficmon_accelerator_temperature_celsius -1")
	assert.Contains(t, body, `trafficmon_connected_clients{kind="mjpeg"} 3`)
	assert.Contains(t, body, `trafficmon_connected_clients{kind="websocket"} 1`)
	assert.Contains(t, body, `trafficmon_results_dropped_total{consumer="recorder"} 4`)
}
