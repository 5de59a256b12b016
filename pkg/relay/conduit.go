package relay

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Conduit is a bounded, one-directional buffer of opaque frames. It is
// created fresh for every stream attempt and never reused. Closing is
// idempotent and commutes with concurrent deliveries: a delivery that
// races with close is silently dropped and logged, never a panic.
type Conduit struct {
	direction Direction
	logger    *logrus.Entry

	mu     sync.RWMutex
	frames chan []byte
	closed bool
	err    error
}

func NewConduit(direction Direction, capacity int, logger *logrus.Entry) *Conduit {
	return &Conduit{
		direction: direction,
		logger:    logger.WithField("conduit", direction.String()),
		frames:    make(chan []byte, capacity),
	}
}

// OnNext enqueues a frame. Frames offered after close, or while the
// buffer is full, are dropped.
func (c *Conduit) OnNext(frame []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		c.logger.Debug("frame dropped, conduit already closed")
		return
	}

	select {
	case c.frames <- frame:
	default:
		c.logger.Warn("frame dropped, conduit buffer full")
	}
}

// OnError records a terminal error and closes the conduit.
func (c *Conduit) OnError(err error) {
	c.closeWith(err)
}

// OnComplete closes the conduit without an error.
func (c *Conduit) OnComplete() {
	c.closeWith(nil)
}

func (c *Conduit) closeWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.frames)
}

// Frames is drained by the stream attempt's send pump. The channel is
// closed when the conduit completes or fails.
func (c *Conduit) Frames() <-chan []byte {
	return c.frames
}

// Err reports the terminal error, nil for normal completion.
func (c *Conduit) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Conduit) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
