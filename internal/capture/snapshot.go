package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// snapshotSource polls an HTTP endpoint that returns one JPEG per request
type snapshotSource struct {
	client   *http.Client
	url      string
	interval time.Duration
	last     time.Time
	done     chan struct{}
	once     sync.Once
}

func openSnapshotSource(ctx context.Context, client *http.Client, url string, interval time.Duration) (*snapshotSource, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	s := &snapshotSource{client: client, url: url, interval: interval, done: make(chan struct{})}

	// probe once so an unreachable endpoint fails at open
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed {
		return nil, fmt.Errorf("%w: status %d", ErrSourceUnreachable, resp.StatusCode)
	}
	return s, nil
}

// Next implements Source
func (s *snapshotSource) Next(ctx context.Context) (*Frame, error) {
	if wait := s.interval - time.Since(s.last); !s.last.IsZero() && wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-s.done:
			t.Stop()
			return nil, fmt.Errorf("%w: source closed", ErrReadFailure)
		case <-t.C:
		}
	}
	s.last = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailure, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching frame: %v", ErrReadFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrReadFailure, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading frame: %v", ErrReadFailure, err)
	}

	return &Frame{Timestamp: time.Now(), Data: data}, nil
}

// Close implements Source
func (s *snapshotSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
