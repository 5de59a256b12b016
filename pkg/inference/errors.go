package inference

import (
	"errors"
	"fmt"
)

// ErrorKind buckets backend stream failures for the relay's retry policy.
type ErrorKind int

const (
	// KindUnknown covers unclassified failures.
	KindUnknown ErrorKind = iota
	// KindValidation marks a malformed-request rejection by the backend.
	KindValidation
	// KindAuthorization marks a permission-denied rejection by the backend.
	KindAuthorization
	// KindTransport marks a connection-level failure.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// ErrStreamClosed is returned by Send after the stream has been shut down.
var ErrStreamClosed = errors.New("inference: stream is closed")

// StreamError wraps a backend failure with its classification.
type StreamError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("inference %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification of err, KindUnknown if it carries none.
func KindOf(err error) ErrorKind {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
