package inference

import (
	"context"
	"time"
)

// Stream is one live bidirectional connection to the inference backend.
// Frames are opaque to the relay; Recv returns io.EOF when the backend
// signals a normal end-of-stream.
type Stream interface {
	Send(frame []byte) error
	Recv() ([]byte, error)

	// Shutdown tears the stream down in order: the logical stream first
	// (close handshake, bounded by streamGrace), then the underlying
	// secure transport (bounded by transportGrace). It is idempotent.
	Shutdown(streamGrace, transportGrace time.Duration)
}

// Dialer opens backend streams. One Dialer serves many sessions; every
// Dial call produces an independent Stream.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}
