package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegOpener opens sources through an ffmpeg subprocess that re-encodes
// the input as a stream of JPEG images on stdout
type FFmpegOpener struct {
	FFmpegPath string
	// FFprobePath reads the frame rate of offline files
	FFprobePath string
	Resolver    Resolver
	// CameraFPS and CameraSize configure v4l2 devices
	CameraFPS  int
	CameraSize string
	// SnapshotInterval is the polling period for HTTP snapshot endpoints
	SnapshotInterval time.Duration
	HTTPClient       *http.Client
}

// NewFFmpegOpener creates an opener with default settings
func NewFFmpegOpener(resolver Resolver) *FFmpegOpener {
	return &FFmpegOpener{
		FFmpegPath:       "ffmpeg",
		FFprobePath:      "ffprobe",
		Resolver:         resolver,
		CameraFPS:        30,
		CameraSize:       "1280x720",
		SnapshotInterval: 200 * time.Millisecond,
		HTTPClient:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Open implements Opener
func (o *FFmpegOpener) Open(ctx context.Context, loc Locator) (Source, error) {
	var rate frameRate
	switch loc.Kind {
	case KindSnapshot:
		return openSnapshotSource(ctx, o.HTTPClient, loc.Target, o.SnapshotInterval)
	case KindFile:
		if _, err := os.Stat(loc.Target); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
		}
		if loc.Offline {
			var err error
			if rate, err = o.probeFrameRate(ctx, loc.Target); err != nil {
				log.Printf("[Capture] Frame rate of %s unknown, assuming %d fps: %v", loc, DefaultMediaFPS, err)
			}
		}
	case KindPlatform:
		if o.Resolver == nil {
			return nil, fmt.Errorf("%w: no resolver for %s", ErrSourceUnreachable, loc.Raw)
		}
		direct, err := o.Resolver.Resolve(ctx, loc.Target)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
		}
		log.Printf("[Capture] Resolved %s to a direct media URL", loc.Raw)
		loc.Target = direct
	}

	return startFFmpeg(ctx, o.FFmpegPath, o.args(loc, rate), loc.Live, rate)
}

// frameRate is a rational frame rate as ffprobe reports it
type frameRate struct {
	num, den int
}

func (r frameRate) valid() bool {
	return r.num > 0 && r.den > 0
}

// offset returns the media position of the frame at index
func (r frameRate) offset(index uint64) time.Duration {
	return time.Duration(float64(index) * float64(r.den) / float64(r.num) * float64(time.Second))
}

func (r frameRate) String() string {
	return fmt.Sprintf("%d/%d", r.num, r.den)
}

// parseFrameRate parses "30000/1001" or "25"
func parseFrameRate(s string) (frameRate, error) {
	s = strings.TrimSpace(s)
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		den = "1"
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return frameRate{}, fmt.Errorf("frame rate %q: %w", s, err)
	}
	d, err := strconv.Atoi(den)
	if err != nil {
		return frameRate{}, fmt.Errorf("frame rate %q: %w", s, err)
	}
	r := frameRate{num: n, den: d}
	if !r.valid() {
		return frameRate{}, fmt.Errorf("frame rate %q is not positive", s)
	}
	return r, nil
}

func (o *FFmpegOpener) probeFrameRate(ctx context.Context, path string) (frameRate, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, o.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return frameRate{}, fmt.Errorf("ffprobe: %w", err)
	}
	return parseFrameRate(string(out))
}

func (o *FFmpegOpener) args(loc Locator, rate frameRate) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	switch loc.Kind {
	case KindRTSP:
		if strings.HasPrefix(loc.Target, "rtsp") {
			args = append(args, "-rtsp_transport", "tcp")
		}
		args = append(args, "-i", loc.Target)
	case KindCamera, KindDevice:
		// V4L2 device (USB camera)
		args = append(args,
			"-f", "v4l2",
			"-video_size", o.CameraSize,
			"-framerate", fmt.Sprintf("%d", o.CameraFPS),
			"-i", loc.Target,
		)
	case KindFile:
		// read at native frame rate
		if !loc.Offline {
			args = append(args, "-re")
		}
		args = append(args, "-i", loc.Target)
		if loc.Offline && rate.valid() {
			// constant rate output so frame index maps to media time
			args = append(args, "-vf", "fps="+rate.String())
		}
	default:
		if !loc.Live && !loc.Offline {
			args = append(args, "-re")
		}
		args = append(args, "-i", loc.Target)
	}

	return append(args,
		"-an",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"-",
	)
}

// ffmpegSource reads JPEG frames from an ffmpeg subprocess
type ffmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	live   bool
	rate   frameRate
	buf    []byte
	chunk  []byte
	frames uint64
	stderr *tailBuffer

	closeOnce sync.Once
}

func startFFmpeg(ctx context.Context, bin string, args []string, live bool, rate frameRate) (*ffmpegSource, error) {
	cmd := exec.CommandContext(ctx, bin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSourceUnreachable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSourceUnreachable, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting ffmpeg: %v", ErrSourceUnreachable, err)
	}

	s := &ffmpegSource{
		cmd:    cmd,
		stdout: stdout,
		live:   live,
		rate:   rate,
		buf:    make([]byte, 0, 1024*1024),
		chunk:  make([]byte, 64*1024),
		stderr: &tailBuffer{max: 2048},
	}

	// Keep the tail of stderr for error reports
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.stderr.Write(scanner.Bytes())
		}
	}()

	return s, nil
}

// Next implements Source
func (s *ffmpegSource) Next(ctx context.Context) (*Frame, error) {
	for {
		if data := extractJPEGFrame(&s.buf); data != nil {
			f := &Frame{Timestamp: time.Now(), Data: data}
			if s.rate.valid() {
				f.MediaTime = s.rate.offset(s.frames)
			}
			s.frames++
			return f, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := s.stdout.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := s.stderr.String()
		switch {
		case s.frames == 0:
			return nil, fmt.Errorf("%w: ffmpeg produced no frames: %s", ErrSourceUnreachable, detail)
		case err == io.EOF && !s.live:
			return nil, ErrEndOfStream
		default:
			return nil, fmt.Errorf("%w: %v %s", ErrReadFailure, err, detail)
		}
	}
}

// Close kills the subprocess, which unblocks a pending read
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.cmd.Wait()
	})
	return nil
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	start := bytes.Index(buf, []byte{0xFF, 0xD8})
	if start == -1 {
		// keep a trailing 0xFF, it may begin the next marker
		if buf[len(buf)-1] == 0xFF {
			*buffer = append(buf[:0], 0xFF)
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	// Find JPEG end marker (FFD9)
	end := bytes.Index(buf[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		if start > 0 {
			*buffer = append(buf[:0], buf[start:]...)
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = append(buf[:0], buf[end:]...)

	return frame
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.b = append(t.b, p...)
	t.b = append(t.b, '\n')
	if len(t.b) > t.max {
		t.b = append([]byte(nil), t.b[len(t.b)-t.max:]...)
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.b))
}
