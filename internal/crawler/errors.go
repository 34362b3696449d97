package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared by stores and services.
var (
	ErrNotFound          = errors.New("not found")
	ErrTargetNotFound    = errors.New("target not found")
	ErrMalformedRequest  = errors.New("malformed request")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrTerminalSession   = errors.New("session is terminal")
	ErrActiveSession     = errors.New("active session exists for target, year and data type")
	ErrSessionPaused     = errors.New("session paused")
	ErrJobNotLeased      = errors.New("job is not leased")
	ErrNoCandidate       = errors.New("no candidate above confidence floor")
	ErrQualityBelow      = errors.New("quality below threshold")
	ErrRobotsDisallowed  = errors.New("disallowed by robots.txt")
	ErrBlockedHost       = errors.New("host blocked by fetch policy")

	// ErrStaleLease is returned to a worker settling a job whose lease
	// expired and was handed to someone else. It matches ErrJobNotLeased.
	ErrStaleLease = fmt.Errorf("%w: lease held by another worker", ErrJobNotLeased)
)

// ErrorKind is the orchestrator's error taxonomy.
type ErrorKind string

// Error kinds.
const (
	KindTransient  ErrorKind = "transient"
	KindExtraction ErrorKind = "extraction"
	KindQuality    ErrorKind = "quality"
	KindFatal      ErrorKind = "fatal"
	KindCanceled   ErrorKind = "canceled"
)

// TransientError marks a retryable failure such as a timeout or rate limit.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// Retryable reports whether the status signals a temporary condition.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// ClassifyError maps err onto the taxonomy. Unknown errors are transient so the
// scheduler retries them with backoff.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionPaused), errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrTargetNotFound), errors.Is(err, ErrMalformedRequest):
		return KindFatal
	case errors.Is(err, ErrNoCandidate), errors.Is(err, ErrRobotsDisallowed), errors.Is(err, ErrBlockedHost):
		return KindExtraction
	case isPermanentStatus(err):
		return KindExtraction
	case errors.Is(err, ErrQualityBelow):
		return KindQuality
	default:
		return KindTransient
	}
}

func isPermanentStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Retryable()
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, fmt.Sprintf(format, args...))
}

// Malformed builds an ErrMalformedRequest with detail.
func Malformed(format string, args ...any) error {
	return malformed(format, args...)
}
