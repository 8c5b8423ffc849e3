package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"trafficmon/internal/analytics"
	"trafficmon/internal/capture"
	"trafficmon/internal/detection"
	"trafficmon/internal/relay"
)

// Session owns one stream: a capture loop feeding a latest-wins relay, and
// an inference loop draining it into analytics and the output slot
type Session struct {
	id        string
	name      string
	loc       capture.Locator
	requested string
	createdAt time.Time
	cfg       SessionConfig
	bus       *EventBus

	runner *capture.Runner
	inbox  *relay.Mailbox[*capture.Frame]
	output *relay.Slot[*Output]
	engine *analytics.Engine

	mu        sync.RWMutex
	status    Status
	lastErr   error
	startedAt time.Time
	model     detection.Model
	detector  detection.Detector
	cancel    context.CancelFunc

	processed atomic.Uint64
	failures  atomic.Uint64
	incidents atomic.Uint64
	lastSeq   atomic.Uint64

	statsMu     sync.Mutex
	inferenceMs float64

	done        chan struct{}
	releaseOnce sync.Once
}

func newSession(req StartRequest, loc capture.Locator, opener capture.Opener, cfg SessionConfig, bus *EventBus) *Session {
	name := req.Name
	if name == "" {
		name = req.ID
	}
	return &Session{
		id:        req.ID,
		name:      name,
		loc:       loc,
		requested: req.Model,
		createdAt: time.Now(),
		cfg:       cfg,
		bus:       bus,
		runner:    capture.NewRunner(opener, loc, cfg.Reconnect),
		inbox:     relay.NewMailbox[*capture.Frame](),
		output:    relay.NewSlot[*Output](),
		engine:    analytics.NewEngine(cfg.Analytics, req.ID, name),
		status:    StatusStarting,
		done:      make(chan struct{}),
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Output returns the slot holding the latest published frame
func (s *Session) Output() *relay.Slot[*Output] {
	return s.output
}

// Status returns the lifecycle state
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Done is closed once both loops have exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	info := SessionInfo{
		ID:             s.id,
		Name:           s.name,
		Source:         s.loc.Raw,
		SourceKind:     string(s.loc.Kind),
		Status:         s.status,
		Model:          s.model.Name,
		RequestedModel: s.requested,
		Weights:        s.model.Path,
		Fallback:       s.model.Fallback,
		CreatedAt:      s.createdAt,
	}
	if !s.startedAt.IsZero() {
		info.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}
	if s.lastErr != nil {
		info.Error = s.lastErr.Error()
	}
	s.mu.RUnlock()

	info.Stats = s.Stats()
	return info
}

// Stats returns the session counters
func (s *Session) Stats() SessionStats {
	capStats := s.runner.Stats()
	_, dropped := s.inbox.Stats()

	s.statsMu.Lock()
	avg := s.inferenceMs
	s.statsMu.Unlock()

	return SessionStats{
		FramesCaptured:   capStats.FramesCaptured,
		FramesDropped:    dropped,
		FramesProcessed:  s.processed.Load(),
		DetectorFailures: s.failures.Load(),
		Reconnects:       capStats.Reconnects,
		Incidents:        s.incidents.Load(),
		LastSeq:          s.lastSeq.Load(),
		AvgInferenceMs:   avg,
	}
}

func (s *Session) attach(det detection.Detector, model detection.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detector = det
	s.model = model
}

// run starts the capture and inference loops
func (s *Session) run() {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancel = cancel
	s.status = StatusRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	captureDone := make(chan struct{})
	var captureErr error

	go func() {
		defer close(captureDone)
		captureErr = s.runner.Run(ctx, func(f *capture.Frame) {
			s.inbox.Push(f)
		})
	}()

	go func() {
		defer close(s.done)
		s.infer(ctx, captureDone, &captureErr)
		<-captureDone
		s.finish(ctx, captureErr)
	}()

	log.Printf("[Session] %s running (source: %s, model: %s)", s.id, s.loc.Raw, s.model.Name)
}

func (s *Session) infer(ctx context.Context, captureDone <-chan struct{}, captureErr *error) {
	for {
		if ctx.Err() != nil {
			return
		}

		if frame, ok := s.inbox.Pop(); ok {
			s.process(ctx, frame)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-captureDone:
			// a finished file still gets its last frame analysed
			if *captureErr == nil {
				if frame, ok := s.inbox.Pop(); ok {
					s.process(ctx, frame)
				}
			}
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *Session) process(ctx context.Context, frame *capture.Frame) {
	s.lastSeq.Store(frame.Seq)

	img, err := analytics.DecodeJPEG(frame.Data)
	if err != nil {
		s.passthrough(frame, fmt.Errorf("%w: decoding frame %d: %v", ErrDetectorFailure, frame.Seq, err))
		return
	}

	s.mu.RLock()
	det := s.detector
	s.mu.RUnlock()

	start := time.Now()
	dets, err := det.Detect(ctx, frame.Data, s.cfg.Detect)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.passthrough(frame, err)
		return
	}
	inferenceMs := float64(time.Since(start).Microseconds()) / 1000
	s.recordInference(inferenceMs)

	tel := s.engine.Process(frame.Seq, img, dets, frame.Timestamp)
	s.processed.Add(1)
	s.incidents.Add(uint64(len(tel.Incidents)))

	annotated := s.engine.Render(img, tel)
	data, err := analytics.EncodeJPEG(analytics.Resize(annotated, s.cfg.StreamWidth), s.cfg.JPEGQuality)
	if err != nil {
		log.Printf("[Session] %s: encoding frame %d: %v", s.id, frame.Seq, err)
		data = frame.Data
	}

	s.output.Store(&Output{Seq: frame.Seq, JPEG: data, Telemetry: &tel, Annotated: true})
	s.bus.Publish(&Result{
		StreamID:    s.id,
		Seq:         frame.Seq,
		Timestamp:   frame.Timestamp,
		Telemetry:   &tel,
		InferenceMs: inferenceMs,
	})
}

// passthrough publishes the raw frame after a per-frame failure
func (s *Session) passthrough(frame *capture.Frame, err error) {
	n := s.failures.Add(1)
	if n == 1 || n%100 == 0 {
		log.Printf("[Session] %s: frame %d passed through (%d failures): %v", s.id, frame.Seq, n, err)
	}
	s.output.Store(&Output{Seq: frame.Seq, JPEG: frame.Data})
}

func (s *Session) recordInference(ms float64) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.inferenceMs == 0 {
		s.inferenceMs = ms
		return
	}
	s.inferenceMs = 0.9*s.inferenceMs + 0.1*ms
}

// finish settles the status after the loops exit on their own
func (s *Session) finish(ctx context.Context, captureErr error) {
	s.mu.Lock()
	switch {
	case ctx.Err() != nil:
		// stop requested; stop() sets the final status
	case captureErr == nil:
		s.status = StatusStopped
		log.Printf("[Session] %s: source ended", s.id)
	default:
		s.status = StatusError
		s.lastErr = captureErr
		log.Printf("[Session] %s failed: %v", s.id, captureErr)
	}
	s.mu.Unlock()

	s.output.Close()
	s.release()
}

// stop cancels both loops and waits up to timeout for them, hard-closing
// the capture source if they do not exit in time
func (s *Session) stop(timeout time.Duration) {
	s.mu.Lock()
	if s.status.Active() {
		s.status = StatusStopping
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		if !waitDone(s.done, timeout) {
			log.Printf("[Session] %s did not stop within %v, closing source", s.id, timeout)
			s.runner.Close()
			if !waitDone(s.done, timeout) {
				log.Printf("[Session] %s loops still blocked, abandoning", s.id)
			}
		}
	}

	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()

	s.output.Close()
	s.release()
}

// release closes the detector once, freeing accelerator memory
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.RLock()
		det := s.detector
		s.mu.RUnlock()
		if det != nil {
			if err := det.Close(); err != nil {
				log.Printf("[Session] %s: releasing detector: %v", s.id, err)
			}
		}
	})
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
