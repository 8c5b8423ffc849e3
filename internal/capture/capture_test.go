package capture

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocator(t *testing.T) {
	tests := []struct {
		raw    string
		kind   Kind
		target string
		live   bool
	}{
		{"0", KindCamera, "/dev/video0", true},
		{"/dev/video2", KindDevice, "/dev/video2", true},
		{"videos/traffic.mp4", KindFile, "videos/traffic.mp4", false},
		{"file:///data/clip.mp4", KindFile, "/data/clip.mp4", false},
		{"rtsp://10.0.0.5:554/stream1", KindRTSP, "rtsp://10.0.0.5:554/stream1", true},
		{"https://www.youtube.com/watch?v=abc", KindPlatform, "https://www.youtube.com/watch?v=abc", true},
		{"https://youtu.be/abc", KindPlatform, "https://youtu.be/abc", true},
		{"http://cam.local/snapshot.cgi", KindSnapshot, "http://cam.local/snapshot.cgi", true},
		{"http://cam.local/live.jpg", KindSnapshot, "http://cam.local/live.jpg", true},
		{"http://cdn.local/clip.mp4", KindHTTP, "http://cdn.local/clip.mp4", false},
		{"http://cdn.local/live/playlist.m3u8", KindHTTP, "http://cdn.local/live/playlist.m3u8", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			loc, err := ParseLocator(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, loc.Kind)
			assert.Equal(t, tt.target, loc.Target)
			assert.Equal(t, tt.live, loc.Live)
		})
	}
}

func TestParseLocatorErrors(t *testing.T) {
	_, err := ParseLocator("   ")
	assert.Error(t, err)

	_, err = ParseLocator("ftp://host/file.mp4")
	assert.Error(t, err)
}

func TestExtractJPEGFrame(t *testing.T) {
	jpegA := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	jpegB := []byte{0xFF, 0xD8, 0x03, 0xFF, 0xD9}

	buf := append([]byte{0x00, 0x00}, jpegA...)
	buf = append(buf, jpegB[:3]...)

	frame := extractJPEGFrame(&buf)
	assert.Equal(t, jpegA, frame)
	assert.Nil(t, extractJPEGFrame(&buf), "second frame is incomplete")

	buf = append(buf, jpegB[3:]...)
	assert.Equal(t, jpegB, extractJPEGFrame(&buf))
	assert.Empty(t, buf)
}

func TestExtractJPEGFrameKeepsTrailingMarkerByte(t *testing.T) {
	buf := []byte{0x10, 0x20, 0x30, 0xFF}
	assert.Nil(t, extractJPEGFrame(&buf))
	assert.Equal(t, []byte{0xFF}, buf)

	buf = append(buf, 0xD8, 0x00, 0xFF, 0xD9)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}, extractJPEGFrame(&buf))
}

// fakeSource yields its frames, then returns end (or blocks until closed
// when end is nil)
type fakeSource struct {
	frames [][]byte
	end    error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSource(n int, end error) *fakeSource {
	s := &fakeSource{end: end, closed: make(chan struct{})}
	for i := 0; i < n; i++ {
		s.frames = append(s.frames, []byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9})
	}
	return s
}

func (s *fakeSource) Next(ctx context.Context) (*Frame, error) {
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		return &Frame{Data: f}, nil
	}
	if s.end != nil {
		return nil, s.end
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrReadFailure
	}
}

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func collect() (func(*Frame), func() []uint64) {
	var mu sync.Mutex
	var seqs []uint64
	return func(f *Frame) {
			mu.Lock()
			seqs = append(seqs, f.Seq)
			mu.Unlock()
		}, func() []uint64 {
			mu.Lock()
			defer mu.Unlock()
			return append([]uint64(nil), seqs...)
		}
}

func TestRunnerFileEndsNormally(t *testing.T) {
	loc, err := ParseLocator("clip.mp4")
	require.NoError(t, err)

	opener := OpenerFunc(func(ctx context.Context, loc Locator) (Source, error) {
		return newFakeSource(3, ErrEndOfStream), nil
	})
	r := NewRunner(opener, loc, DefaultReconnectConfig())

	emit, seqs := collect()
	require.NoError(t, r.Run(context.Background(), emit))
	assert.Equal(t, []uint64{1, 2, 3}, seqs())
	assert.Equal(t, uint64(3), r.Stats().FramesCaptured)
	assert.Zero(t, r.Stats().Reconnects)
}

func TestRunnerFileOpenFailureIsTerminal(t *testing.T) {
	loc, err := ParseLocator("missing.mp4")
	require.NoError(t, err)

	var opens atomic.Int32
	opener := OpenerFunc(func(ctx context.Context, loc Locator) (Source, error) {
		opens.Add(1)
		return nil, errors.New("no such file")
	})
	r := NewRunner(opener, loc, ReconnectConfig{Backoff: time.Millisecond})

	err = r.Run(context.Background(), func(*Frame) {})
	assert.ErrorIs(t, err, ErrSourceUnreachable)
	assert.Equal(t, int32(1), opens.Load())
}

func TestRunnerLiveReconnectsAndKeepsSequence(t *testing.T) {
	loc, err := ParseLocator("rtsp://cam/stream")
	require.NoError(t, err)

	var opens atomic.Int32
	opener := OpenerFunc(func(ctx context.Context, loc Locator) (Source, error) {
		switch opens.Add(1) {
		case 1:
			return newFakeSource(2, ErrReadFailure), nil
		case 2:
			return nil, ErrSourceUnreachable
		default:
			return newFakeSource(2, nil), nil
		}
	})
	r := NewRunner(opener, loc, ReconnectConfig{Backoff: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seqs []uint64
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(f *Frame) {
			mu.Lock()
			seqs = append(seqs, f.Seq)
			n := len(seqs)
			mu.Unlock()
			if n == 4 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}

	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
	mu.Unlock()
	assert.Equal(t, uint64(2), r.Stats().Reconnects)
	assert.Equal(t, int32(3), opens.Load())
}

func TestRunnerGivesUpAfterMaxAttempts(t *testing.T) {
	loc, err := ParseLocator("rtsp://cam/stream")
	require.NoError(t, err)

	var opens atomic.Int32
	opener := OpenerFunc(func(ctx context.Context, loc Locator) (Source, error) {
		opens.Add(1)
		return nil, errors.New("connection refused")
	})
	r := NewRunner(opener, loc, ReconnectConfig{Backoff: time.Millisecond, MaxAttempts: 3})

	err = r.Run(context.Background(), func(*Frame) {})
	assert.ErrorIs(t, err, ErrSourceUnreachable)
	assert.Equal(t, int32(3), opens.Load())
}

func TestRunnerCloseUnblocksRead(t *testing.T) {
	loc, err := ParseLocator("clip.mp4")
	require.NoError(t, err)

	src := newFakeSource(1, nil)
	opener := OpenerFunc(func(ctx context.Context, loc Locator) (Source, error) {
		return src, nil
	})
	r := NewRunner(opener, loc, DefaultReconnectConfig())

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), func(*Frame) { close(started) })
	}()

	<-started
	r.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrReadFailure)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not unblock the runner")
	}
}

func TestSnapshotSource(t *testing.T) {
	frame := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	defer srv.Close()

	ctx := context.Background()
	src, err := openSnapshotSource(ctx, srv.Client(), srv.URL+"/snapshot.jpg", 100*time.Millisecond)
	require.NoError(t, err)
	defer src.Close()

	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame, f.Data)

	start := time.Now()
	_, err = src.Next(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int32(2), gets.Load())
}

func TestSnapshotSourceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := openSnapshotSource(context.Background(), srv.Client(), srv.URL+"/snapshot.jpg", time.Second)
	assert.ErrorIs(t, err, ErrSourceUnreachable)
}

func TestFFmpegArgs(t *testing.T) {
	o := NewFFmpegOpener(nil)

	loc, _ := ParseLocator("rtsp://cam/stream")
	args := o.args(loc, frameRate{})
	assert.Contains(t, args, "-rtsp_transport")
	assert.NotContains(t, args, "-re")

	loc, _ = ParseLocator("clip.mp4")
	args = o.args(loc, frameRate{num: 30, den: 1})
	assert.Contains(t, args, "-re")
	assert.NotContains(t, args, "-vf")
	assert.Equal(t, "-", args[len(args)-1])

	loc.Offline = true
	args = o.args(loc, frameRate{num: 30000, den: 1001})
	assert.NotContains(t, args, "-re")
	assert.Contains(t, args, "fps=30000/1001")
	assert.NotContains(t, o.args(loc, frameRate{}), "-vf")

	loc, _ = ParseLocator("1")
	args = o.args(loc, frameRate{})
	assert.Contains(t, args, "v4l2")
	assert.Contains(t, args, "/dev/video1")
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want frameRate
		ok   bool
	}{
		{"30000/1001\n", frameRate{30000, 1001}, true},
		{"25/1", frameRate{25, 1}, true},
		{"24", frameRate{24, 1}, true},
		{"0/0", frameRate{}, false},
		{"N/A", frameRate{}, false},
		{"", frameRate{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseFrameRate(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	r := frameRate{30, 1}
	assert.Equal(t, time.Duration(0), r.offset(0))
	assert.Equal(t, 10*time.Second, r.offset(300))
}

// mediaSource stamps wall time like a decoder and reports media position
// at fps when fps is non-zero
type mediaSource struct {
	fps  int
	left int
	next uint64
}

func (s *mediaSource) Next(ctx context.Context) (*Frame, error) {
	if s.left == 0 {
		return nil, ErrEndOfStream
	}
	s.left--
	f := &Frame{Timestamp: time.Now(), Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
	if s.fps > 0 {
		f.MediaTime = time.Duration(s.next) * time.Second / time.Duration(s.fps)
	}
	s.next++
	return f, nil
}

func (s *mediaSource) Close() error { return nil }

func TestRunnerOfflineUsesMediaTime(t *testing.T) {
	tests := []struct {
		name string
		fps  int
		step time.Duration
	}{
		{"reported", 30, time.Second / 30},
		{"assumed", 0, time.Second / DefaultMediaFPS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := ParseLocator("clip.mp4")
			require.NoError(t, err)
			loc.Offline = true

			opener := OpenerFunc(func(ctx context.Context, loc Locator) (Source, error) {
				return &mediaSource{fps: tt.fps, left: 300}, nil
			})
			var stamps []time.Time
			r := NewRunner(opener, loc, DefaultReconnectConfig())
			require.NoError(t, r.Run(context.Background(), func(f *Frame) { stamps = append(stamps, f.Timestamp) }))

			// decoding 300 frames takes far less than their media duration
			require.Len(t, stamps, 300)
			for i := 1; i < len(stamps); i++ {
				assert.InDelta(t, float64(tt.step), float64(stamps[i].Sub(stamps[i-1])), float64(time.Microsecond), "frame %d", i)
			}
			assert.InDelta(t, float64(299*tt.step), float64(stamps[299].Sub(stamps[0])), float64(time.Microsecond))
		})
	}
}

// strictSource ignores ctx in Next and panics when closed twice
type strictSource struct {
	sent   bool
	closed chan struct{}
	closes atomic.Int32
}

func (s *strictSource) Next(ctx context.Context) (*Frame, error) {
	if !s.sent {
		s.sent = true
		return &Frame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}}, nil
	}
	<-s.closed
	return nil, ErrReadFailure
}

func (s *strictSource) Close() error {
	s.closes.Add(1)
	close(s.closed)
	return nil
}

func TestRunnerHardCloseClosesSourceOnce(t *testing.T) {
	loc, err := ParseLocator("rtsp://cam/a")
	require.NoError(t, err)

	src := &strictSource{closed: make(chan struct{})}
	opener := OpenerFunc(func(ctx context.Context, loc Locator) (Source, error) {
		return src, nil
	})
	r := NewRunner(opener, loc, DefaultReconnectConfig())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(*Frame) { close(started) })
	}()

	<-started
	cancel()
	r.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not unblock the runner")
	}
	assert.EqualValues(t, 1, src.closes.Load())
}
