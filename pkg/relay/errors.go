package relay

import (
	"errors"
	"time"

	"github.com/voxbridge/voxbridge-server/pkg/inference"
)

var (
	// ErrNoLiveAttempt is returned by Forward when the manager has no
	// conduit to accept the frame.
	ErrNoLiveAttempt = errors.New("relay: no live stream attempt")
	// ErrRetriesExhausted ends a session after the retry cap is hit.
	ErrRetriesExhausted = errors.New("relay: backend stream retries exhausted")
	// ErrAlreadyOpened guards against a second handshake on one manager.
	ErrAlreadyOpened = errors.New("relay: stream manager already opened")
	// ErrProtocolViolation marks a client frame the session cannot accept.
	ErrProtocolViolation = errors.New("relay: protocol violation")
)

type failureClass int

const (
	classRetryable failureClass = iota
	classFatal
)

// classifyFailure maps a backend failure to the retry policy.
// Validation and authorization rejections are never retried; transport
// failures and anything unclassified are presumed transient.
func classifyFailure(err error) failureClass {
	switch inference.KindOf(err) {
	case inference.KindValidation, inference.KindAuthorization:
		return classFatal
	default:
		return classRetryable
	}
}

// backoffDelay computes the delay before retry attempt ordinal k:
// min(initial * 2^k, max).
func backoffDelay(ordinal int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 0; i < ordinal; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
