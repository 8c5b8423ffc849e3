package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ReconnectConfig controls how live sources are reopened
type ReconnectConfig struct {
	// Backoff is the fixed delay before reopening a live source
	Backoff time.Duration
	// MaxAttempts bounds consecutive failed opens; 0 retries forever
	MaxAttempts int
}

// DefaultReconnectConfig returns a 1s fixed backoff with unlimited retries
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{Backoff: time.Second}
}

// Stats are capture counters for one runner
type Stats struct {
	FramesCaptured uint64 `json:"frames_captured"`
	Reconnects     uint64 `json:"reconnects"`
	LastFrameTime  int64  `json:"last_frame_time"`
}

// Runner drives one locator: it opens the source, emits frames and reopens
// live sources after failures until its context is cancelled
type Runner struct {
	opener Opener
	loc    Locator
	cfg    ReconnectConfig

	seq        atomic.Uint64
	captured   atomic.Uint64
	reconnects atomic.Uint64
	lastFrame  atomic.Int64

	// origin anchors offline frames on the media timeline
	origin time.Time

	mu      sync.Mutex
	current Source
}

// NewRunner creates a runner for loc
func NewRunner(opener Opener, loc Locator, cfg ReconnectConfig) *Runner {
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Runner{opener: opener, loc: loc, cfg: cfg}
}

// Run emits frames until ctx is cancelled, a finite source ends (nil), or
// the source fails terminally. Sequence numbers keep increasing across
// reconnects.
func (r *Runner) Run(ctx context.Context, emit func(*Frame)) error {
	failures := 0
	r.origin = time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		opened, err := r.opener.Open(ctx, r.loc)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, ErrSourceUnreachable) {
				err = fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
			}
			if !r.loc.Live {
				return err
			}

			failures++
			r.reconnects.Add(1)
			if r.cfg.MaxAttempts > 0 && failures >= r.cfg.MaxAttempts {
				return fmt.Errorf("giving up on %s after %d attempts: %w", r.loc, failures, err)
			}
			log.Printf("[Capture] Open %s failed (attempt %d): %v; retrying in %v", r.loc, failures, err, r.cfg.Backoff)
			if !sleep(ctx, r.cfg.Backoff) {
				return ctx.Err()
			}
			continue
		}

		// Close runs from here and from a hard-cancelling Close
		src := &onceSource{Source: opened}
		r.setCurrent(src)
		emitted, err := r.drain(ctx, src, emit)
		src.Close()
		r.setCurrent(nil)

		if emitted > 0 {
			failures = 0
		}

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrEndOfStream) && !r.loc.Live:
			log.Printf("[Capture] %s ended after %d frames", r.loc, r.captured.Load())
			return nil
		case !r.loc.Live:
			return err
		}

		failures++
		r.reconnects.Add(1)
		if r.cfg.MaxAttempts > 0 && failures >= r.cfg.MaxAttempts {
			return fmt.Errorf("giving up on %s after %d attempts: %w", r.loc, failures, err)
		}
		log.Printf("[Capture] %s interrupted: %v; reconnecting in %v", r.loc, err, r.cfg.Backoff)
		if !sleep(ctx, r.cfg.Backoff) {
			return ctx.Err()
		}
	}
}

func (r *Runner) drain(ctx context.Context, src Source, emit func(*Frame)) (int, error) {
	n := 0
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			return n, err
		}
		frame.Seq = r.seq.Add(1)
		switch {
		case r.loc.Offline:
			frame.Timestamp = r.mediaTimestamp(frame)
		case frame.Timestamp.IsZero():
			frame.Timestamp = time.Now()
		}
		r.captured.Add(1)
		r.lastFrame.Store(frame.Timestamp.Unix())
		n++
		emit(frame)
	}
}

// mediaTimestamp places an offline frame on the media timeline, so
// analytics timers follow video time rather than decode speed
func (r *Runner) mediaTimestamp(f *Frame) time.Time {
	offset := f.MediaTime
	if offset == 0 && f.Seq > 1 {
		offset = time.Duration(f.Seq-1) * time.Second / DefaultMediaFPS
	}
	return r.origin.Add(offset)
}

// Close hard-closes the currently open source, unblocking a stuck read
func (r *Runner) Close() {
	r.mu.Lock()
	src := r.current
	r.mu.Unlock()

	if src != nil {
		src.Close()
	}
}

// Stats returns a snapshot of the runner counters
func (r *Runner) Stats() Stats {
	return Stats{
		FramesCaptured: r.captured.Load(),
		Reconnects:     r.reconnects.Load(),
		LastFrameTime:  r.lastFrame.Load(),
	}
}

// Locator returns the locator this runner reads
func (r *Runner) Locator() Locator {
	return r.loc
}

func (r *Runner) setCurrent(src Source) {
	r.mu.Lock()
	r.current = src
	r.mu.Unlock()
}

type onceSource struct {
	Source
	once sync.Once
	err  error
}

func (s *onceSource) Close() error {
	s.once.Do(func() { s.err = s.Source.Close() })
	return s.err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
