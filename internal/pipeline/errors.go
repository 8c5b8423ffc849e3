package pipeline

import (
	"errors"

	"trafficmon/internal/capture"
	"trafficmon/internal/detection"
)

var (
	// ErrDuplicateSession is returned when starting an id that is registered
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrSessionNotFound is returned for unknown session ids
	ErrSessionNotFound = errors.New("session not found")
	// ErrResourceExhausted is returned when admission control rejects a start
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrInvalidSource is returned for locators that cannot be parsed
	ErrInvalidSource = errors.New("invalid source")

	ErrModelUnavailable  = detection.ErrModelUnavailable
	ErrDetectorFailure   = detection.ErrDetectorFailure
	ErrSourceUnreachable = capture.ErrSourceUnreachable
	ErrReadFailure       = capture.ErrReadFailure
	ErrEndOfStream       = capture.ErrEndOfStream
)

// Error codes reported to API clients
const (
	CodeSourceUnreachable = "SOURCE_UNREACHABLE"
	CodeReadFailure       = "READ_FAILURE"
	CodeEndOfStream       = "END_OF_STREAM"
	CodeDetectorFailure   = "DETECTOR_FAILURE"
	CodeModelUnavailable  = "MODEL_UNAVAILABLE"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeDuplicateSession  = "DUPLICATE_SESSION"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeInvalidSource     = "INVALID_SOURCE"
	CodeInternal          = "INTERNAL"
)

// ErrorCode maps an error to its wire code
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateSession):
		return CodeDuplicateSession
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrModelUnavailable):
		return CodeModelUnavailable
	case errors.Is(err, ErrInvalidSource):
		return CodeInvalidSource
	case errors.Is(err, ErrSourceUnreachable):
		return CodeSourceUnreachable
	case errors.Is(err, ErrReadFailure):
		return CodeReadFailure
	case errors.Is(err, ErrEndOfStream):
		return CodeEndOfStream
	case errors.Is(err, ErrDetectorFailure):
		return CodeDetectorFailure
	default:
		return CodeInternal
	}
}
