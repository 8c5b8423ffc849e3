package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"trafficmon/internal/analytics"
	"trafficmon/internal/capture"
)

// ProcessFile analyses every frame of a video file outside the session
// registry and hands each telemetry record to emit. The job passes the same
// stream cap and accelerator ceilings as Start and holds a stream slot until
// it returns. Frames are decoded as fast as the detector keeps up; none are
// dropped, and analytics run on media time. An error from emit stops
// processing and is returned.
func (m *Manager) ProcessFile(ctx context.Context, path, model string, emit func(*analytics.Telemetry) error) error {
	loc, err := capture.ParseLocator(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if loc.Kind != capture.KindFile {
		return fmt.Errorf("%w: %s is not a file", ErrInvalidSource, path)
	}
	loc.Offline = true

	release, err := m.admitOffline(ctx)
	if err != nil {
		return err
	}
	defer release()

	resolved, err := m.models.Resolve(model)
	if err != nil {
		return err
	}
	det, err := m.factory(ctx, resolved)
	if err != nil {
		return fmt.Errorf("%w: loading %s: %v", ErrModelUnavailable, resolved.Name, err)
	}
	defer det.Close()

	cfg := m.cfg.Session
	engine := analytics.NewEngine(cfg.Analytics, loc.Raw, loc.Raw)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var emitErr error
	failures := 0
	runner := capture.NewRunner(m.opener, loc, cfg.Reconnect)
	err = runner.Run(ctx, func(f *capture.Frame) {
		if emitErr != nil {
			return
		}
		img, err := analytics.DecodeJPEG(f.Data)
		if err != nil {
			failures++
			return
		}
		dets, err := det.Detect(ctx, f.Data, cfg.Detect)
		if err != nil {
			failures++
			return
		}
		tel := engine.Process(f.Seq, img, dets, f.Timestamp)
		if emitErr = emit(&tel); emitErr != nil {
			cancel()
		}
	})

	if failures > 0 {
		log.Printf("[Offline] %s: %d frames failed analysis", path, failures)
	}
	if emitErr != nil {
		return emitErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}
