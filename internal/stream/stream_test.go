package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficmon/internal/analytics"
	"trafficmon/internal/pipeline"
	"trafficmon/internal/relay"
)

var fakeJPEG = []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

type slots map[string]*relay.Slot[*pipeline.Output]

func (s slots) Output(id string) (*relay.Slot[*pipeline.Output], bool) {
	slot, ok := s[id]
	return slot, ok
}

func newTestServer(t *testing.T, outputs Outputs) *httptest.Server {
	t.Helper()
	srv := NewServer(outputs, 100)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /streams/{id}", srv.ServeMJPEG)
	mux.HandleFunc("GET /streams/{id}/snapshot", srv.ServeSnapshot)
	mux.HandleFunc("GET /streams/{id}/telemetry", srv.ServeTelemetry)
	mux.HandleFunc("GET /ws/video/{id}", srv.ServeVideoSocket)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func telemetryOutput(seq uint64) *pipeline.Output {
	return &pipeline.Output{
		Seq:       seq,
		JPEG:      fakeJPEG,
		Annotated: true,
		Telemetry: &analytics.Telemetry{
			Frame:     seq,
			StreamID:  "a",
			Stats:     analytics.Stats{Count: int(seq), Status: analytics.StatusClear},
			Boxes:     []analytics.Box{},
			Incidents: []analytics.Incident{},
		},
	}
}

func TestWriteMJPEGClosedSlotWritesFinalFrame(t *testing.T) {
	slot := relay.NewSlot[*pipeline.Output]()
	slot.Store(&pipeline.Output{Seq: 1, JPEG: fakeJPEG})
	slot.Close()

	var buf bytes.Buffer
	require.NoError(t, WriteMJPEG(context.Background(), &buf, nil, slot, 24))

	want := "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 7\r\n\r\n" + string(fakeJPEG) + "\r\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteMJPEGRepeatsLastFrame(t *testing.T) {
	slot := relay.NewSlot[*pipeline.Output]()
	slot.Store(&pipeline.Output{Seq: 1, JPEG: fakeJPEG})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	err := WriteMJPEG(ctx, &buf, nil, slot, 200)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, strings.Count(buf.String(), "--frame\r\n"), 3)
}

func TestWriteMJPEGEmptyClosedSlot(t *testing.T) {
	slot := relay.NewSlot[*pipeline.Output]()
	slot.Close()

	var buf bytes.Buffer
	require.NoError(t, WriteMJPEG(context.Background(), &buf, nil, slot, 24))
	assert.Zero(t, buf.Len())
}

func TestServeMJPEG(t *testing.T) {
	slot := relay.NewSlot[*pipeline.Output]()
	slot.Store(&pipeline.Output{Seq: 4, JPEG: fakeJPEG})
	slot.Close()
	ts := newTestServer(t, slots{"a": slot})

	resp, err := http.Get(ts.URL + "/streams/a")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Content-Length: 7")

	resp, err = http.Get(ts.URL + "/streams/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeSnapshot(t *testing.T) {
	empty := relay.NewSlot[*pipeline.Output]()
	full := relay.NewSlot[*pipeline.Output]()
	full.Store(&pipeline.Output{Seq: 9, JPEG: fakeJPEG})
	srv := NewServer(slots{"empty": empty, "full": full}, 24)

	rec := httptest.NewRecorder()
	srv.ServeSnapshot(rec, httptest.NewRequest(http.MethodGet, "/streams/empty/snapshot", nil))
	// without a mux the id falls back to the last segment
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/streams/empty/snapshot", nil)
	req.SetPathValue("id", "empty")
	rec = httptest.NewRecorder()
	srv.ServeSnapshot(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/streams/full/snapshot", nil)
	req.SetPathValue("id", "full")
	rec = httptest.NewRecorder()
	srv.ServeSnapshot(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "9", rec.Header().Get("X-Frame-Seq"))
	assert.Equal(t, fakeJPEG, rec.Body.Bytes())
}

func TestWriteTelemetrySkipsPassthroughFrames(t *testing.T) {
	slot := relay.NewSlot[*pipeline.Output]()
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteTelemetry(context.Background(), pw, nil, slot))
	}()
	lines := bufio.NewScanner(pr)

	slot.Store(telemetryOutput(1))
	require.True(t, lines.Scan())
	var tel analytics.Telemetry
	require.NoError(t, json.Unmarshal(lines.Bytes(), &tel))
	assert.EqualValues(t, 1, tel.Frame)

	slot.Store(&pipeline.Output{Seq: 2, JPEG: fakeJPEG})
	slot.Store(telemetryOutput(3))
	require.True(t, lines.Scan())
	require.NoError(t, json.Unmarshal(lines.Bytes(), &tel))
	assert.EqualValues(t, 3, tel.Frame)
	assert.Equal(t, 3, tel.Stats.Count)

	slot.Close()
	assert.False(t, lines.Scan())
	assert.NoError(t, lines.Err())
}

func TestServeTelemetry(t *testing.T) {
	slot := relay.NewSlot[*pipeline.Output]()
	slot.Store(telemetryOutput(5))
	slot.Close()
	ts := newTestServer(t, slots{"a": slot})

	resp, err := http.Get(ts.URL + "/streams/a/telemetry")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body), "\n"))
	assert.Contains(t, string(body), `"frame":5`)
}

func TestEncodeFrame(t *testing.T) {
	msg := EncodeFrame(&pipeline.Output{Seq: 42, JPEG: fakeJPEG, Annotated: true})

	require.Len(t, msg, HeaderSize+len(fakeJPEG))
	assert.Equal(t, FrameAnnotated, msg[0])
	assert.EqualValues(t, 42, binary.BigEndian.Uint64(msg[1:9]))
	assert.EqualValues(t, len(fakeJPEG), binary.BigEndian.Uint32(msg[9:13]))
	assert.Equal(t, fakeJPEG, msg[HeaderSize:])

	raw := EncodeFrame(&pipeline.Output{Seq: 1, JPEG: fakeJPEG})
	assert.Equal(t, FrameRaw, raw[0])
}

func TestServeVideoSocket(t *testing.T) {
	slot := relay.NewSlot[*pipeline.Output]()
	slot.Store(&pipeline.Output{Seq: 7, JPEG: fakeJPEG})
	ts := newTestServer(t, slots{"a": slot})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/video/a"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.EqualValues(t, 7, binary.BigEndian.Uint64(msg[1:9]))

	slot.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
