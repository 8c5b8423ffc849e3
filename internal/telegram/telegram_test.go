package telegram

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficmon/internal/analytics"
	"trafficmon/internal/pipeline"
)

type apiCall struct {
	method  string
	chatID  string
	caption string
	text    string
	photo   []byte
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []apiCall
	fail  bool
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		call := apiCall{method: parts[len(parts)-1]}

		switch call.method {
		case "sendPhoto":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			call.chatID = r.FormValue("chat_id")
			call.caption = r.FormValue("caption")
			file, _, err := r.FormFile("photo")
			require.NoError(t, err)
			call.photo, _ = io.ReadAll(file)
		case "sendMessage":
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			call.chatID, _ = payload["chat_id"].(string)
			call.text, _ = payload["text"].(string)
		case "getMe":
			w.Write([]byte(`{"ok":true,"result":{"id":1,"username":"traffic_bot"}}`))
			return
		}

		f.mu.Lock()
		f.calls = append(f.calls, call)
		fail := f.fail
		f.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":{}}`))
	})
}

func (f *fakeAPI) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeAPI) snapshot() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func newFakeAPI(t *testing.T) (*fakeAPI, Config) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.BotToken = "123:abc"
	cfg.ChatID = "-1001"
	cfg.APIBase = srv.URL
	return api, cfg
}

func incident(typ analytics.IncidentType, sev analytics.Severity, at time.Time) analytics.Incident {
	return analytics.Incident{
		ID:           "inc",
		StreamID:     "cam-1",
		StreamName:   "Main <St>",
		Type:         typ,
		Severity:     sev,
		Description:  "Stationary vehicle (ID: 7) detected.",
		Timestamp:    at,
		VehicleCount: 12,
		Density:      0.24,
		Status:       "OPEN",
	}
}

func publish(n *Notifier, incs ...analytics.Incident) {
	n.OnResult(&pipeline.Result{
		StreamID:  "cam-1",
		Telemetry: &analytics.Telemetry{Incidents: incs},
	})
}

func TestNotifierSendsSnapshotAsPhoto(t *testing.T) {
	api, cfg := newFakeAPI(t)
	n := NewNotifier(cfg)

	photo := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	inc := incident(analytics.IncidentObstruction, analytics.SeverityHigh, time.Now())
	inc.Snapshot = &analytics.Snapshot{Mime: "image/jpeg", Data: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(photo)}
	publish(n, inc)
	n.Close()

	calls := api.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendPhoto", calls[0].method)
	assert.Equal(t, "-1001", calls[0].chatID)
	assert.Equal(t, photo, calls[0].photo)
	assert.Contains(t, calls[0].caption, "OBSTRUCTION")
	assert.Contains(t, calls[0].caption, "Main &lt;St&gt;")
	assert.EqualValues(t, 1, n.Sent())
}

func TestNotifierFiltersSeverityAndCooldown(t *testing.T) {
	api, cfg := newFakeAPI(t)
	n := NewNotifier(cfg)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	publish(n,
		incident(analytics.IncidentCongestion, analytics.SeverityMedium, at),
		incident(analytics.IncidentCongestion, analytics.SeverityHigh, at),
		incident(analytics.IncidentCongestion, analytics.SeverityCritical, at.Add(10*time.Second)),
		incident(analytics.IncidentObstruction, analytics.SeverityHigh, at.Add(10*time.Second)),
		incident(analytics.IncidentCongestion, analytics.SeverityHigh, at.Add(31*time.Second)),
	)
	publish(n) // no incidents
	n.OnResult(&pipeline.Result{StreamID: "cam-1"})
	n.Close()

	calls := api.snapshot()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, "sendMessage", c.method)
	}
	assert.Contains(t, calls[0].text, "CONGESTION")
	assert.Contains(t, calls[1].text, "OBSTRUCTION")
	assert.Contains(t, calls[2].text, "CONGESTION")
}

func TestNotifierSurvivesAPIErrors(t *testing.T) {
	api, cfg := newFakeAPI(t)
	api.setFail(true)
	n := NewNotifier(cfg)

	publish(n, incident(analytics.IncidentObstruction, analytics.SeverityCritical, time.Now()))
	n.Close()

	assert.Len(t, api.snapshot(), 1)
	assert.EqualValues(t, 0, n.Sent())
}

func TestBotErrorsAndName(t *testing.T) {
	api, cfg := newFakeAPI(t)
	bot := NewBot(cfg)

	name, err := bot.BotName(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "traffic_bot", name)

	api.setFail(true)
	err = bot.SendMessage(t.Context(), "hello")
	assert.ErrorContains(t, err, "chat not found")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled defaults", func(c *Config) {}, false},
		{"enabled complete", func(c *Config) { c.Enabled, c.BotToken, c.ChatID = true, "t", "c" }, false},
		{"missing token", func(c *Config) { c.Enabled, c.ChatID = true, "c" }, true},
		{"missing chat", func(c *Config) { c.Enabled, c.BotToken = true, "t" }, true},
		{"negative cooldown", func(c *Config) { c.Cooldown = -time.Second }, true},
		{"unknown severity", func(c *Config) { c.MinSeverity = "LOW" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := ValidateConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
