package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSourceUnreachable means the locator could not be resolved or opened
	ErrSourceUnreachable = errors.New("source unreachable")
	// ErrEndOfStream means a finite source has no more frames
	ErrEndOfStream = errors.New("end of stream")
	// ErrReadFailure is a transient error while reading an open source
	ErrReadFailure = errors.New("read failure")
)

// DefaultMediaFPS is assumed for offline frames whose source does not
// report a media position
const DefaultMediaFPS = 25

// Frame is one captured, JPEG encoded picture
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	// MediaTime is the position of the frame within a finite source, when
	// the source knows it
	MediaTime time.Duration
	Data      []byte
	Width     int
	Height    int
}

// Source is an open frame source
type Source interface {
	// Next blocks until the next frame is available.
	// Errors wrap ErrEndOfStream, ErrReadFailure or ErrSourceUnreachable.
	Next(ctx context.Context) (*Frame, error)

	// Close releases the underlying handle and unblocks a pending Next.
	// It must be safe to call more than once and concurrently with Next.
	Close() error
}

// Opener opens sources for locators
type Opener interface {
	Open(ctx context.Context, loc Locator) (Source, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context, loc Locator) (Source, error)

// Open implements Opener
func (f OpenerFunc) Open(ctx context.Context, loc Locator) (Source, error) {
	return f(ctx, loc)
}
