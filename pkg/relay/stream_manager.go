package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voxbridge/voxbridge-server/pkg/config"
	"github.com/voxbridge/voxbridge-server/pkg/inference"
	"golang.org/x/sync/errgroup"
)

// attempt outcome sentinels, internal to the retry loop
var (
	errBackendDone = errors.New("backend signaled end of stream")
	errClientDone  = errors.New("client completed the inbound conduit")
)

// StreamManager owns the backend bidirectional stream for exactly one
// session, across however many retry attempts it takes. Attempts run
// strictly one at a time; each gets a brand-new inbound conduit, and
// frames left undelivered by a failed attempt are not replayed into the
// next one. The sink receives backend items, the terminal error, or the
// completion signal; retryable failures below the cap never surface.
type StreamManager struct {
	cnf    *config.RelayInfo
	dialer inference.Dialer
	sink   Observer
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	conduit atomic.Pointer[Conduit]
	ordinal atomic.Int64
	opened  atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

func NewStreamManager(cnf *config.RelayInfo, dialer inference.Dialer, sink Observer, logger *logrus.Entry) *StreamManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &StreamManager{
		cnf:    cnf,
		dialer: dialer,
		sink:   sink,
		logger: logger.WithField("component", "stream-manager"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.ordinal.Store(-1)
	return m
}

// OpenWithInitialPayload starts attempt #0, seeded with the validated
// session-start payload. It returns immediately; frames forwarded before
// the attempt is live are buffered by the conduit.
func (m *StreamManager) OpenWithInitialPayload(payload []byte) error {
	if !m.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpened
	}
	if m.closed.Load() {
		return ErrNoLiveAttempt
	}

	c := NewConduit(Inbound, m.cnf.ConduitCapacity, m.logger)
	m.conduit.Store(c)
	go m.run(payload)
	return nil
}

// Forward delivers a client frame to the current attempt's conduit.
func (m *StreamManager) Forward(frame []byte) error {
	if m.closed.Load() {
		return ErrNoLiveAttempt
	}
	c := m.conduit.Load()
	if c == nil || c.Closed() {
		return ErrNoLiveAttempt
	}
	c.OnNext(frame)
	return nil
}

// Close releases the backend stream. It is idempotent and safe to call
// from any goroutine; the client transport is not touched.
func (m *StreamManager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	if c := m.conduit.Load(); c != nil {
		c.OnComplete()
	}
	m.cancel()
}

// Done is closed once the retry loop has fully torn down.
func (m *StreamManager) Done() <-chan struct{} {
	return m.done
}

// Ordinal reports the current attempt ordinal, -1 before the first one.
func (m *StreamManager) Ordinal() int64 {
	return m.ordinal.Load()
}

func (m *StreamManager) run(initial []byte) {
	defer close(m.done)

	for ordinal := 0; ; ordinal++ {
		m.ordinal.Store(int64(ordinal))
		conduit := m.conduit.Load()
		log := m.logger.WithField("attempt", ordinal)

		err := m.runAttempt(conduit, initial, log)

		switch {
		case errors.Is(err, errBackendDone):
			log.Info("backend completed the stream")
			m.sink.OnComplete()
			return
		case errors.Is(err, errClientDone), errors.Is(err, context.Canceled):
			log.Debug("stream released by client")
			return
		}

		if classifyFailure(err) == classFatal {
			log.WithError(err).Error("fatal backend failure")
			m.sink.OnError(err)
			return
		}

		if ordinal >= m.cnf.MaxRetries {
			log.WithError(err).Error("backend stream retries exhausted")
			m.sink.OnError(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, ordinal+1, err))
			return
		}

		// Install the next attempt's conduit before sleeping so frames
		// arriving during the gap are buffered, not lost. Whatever the
		// failed attempt left undelivered stays behind.
		next := NewConduit(Inbound, m.cnf.ConduitCapacity, m.logger)
		m.conduit.Store(next)
		if m.closed.Load() {
			next.OnComplete()
			return
		}

		delay := backoffDelay(ordinal, m.cnf.InitialBackoff, m.cnf.MaxBackoff)
		log.WithError(err).Warnf("transient backend failure, retrying in %s", delay)

		select {
		case <-time.After(delay):
		case <-m.ctx.Done():
			next.OnComplete()
			return
		}
	}
}

// runAttempt drives one attempt to its terminal state and cleans it up.
// Cleanup order matters: conduit first, then the logical stream, then
// the secure transport (both bounded inside Shutdown).
func (m *StreamManager) runAttempt(conduit *Conduit, initial []byte, log *logrus.Entry) error {
	stream, err := m.dialer.Dial(m.ctx)
	if err != nil {
		if m.ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	var once sync.Once
	cleanup := func() {
		conduit.OnComplete()
		stream.Shutdown(m.cnf.StreamGrace, m.cnf.TransportGrace)
	}
	defer once.Do(cleanup)

	if err := stream.Send(initial); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(m.ctx)

	// client -> backend
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case frame, ok := <-conduit.Frames():
				if !ok {
					if err := conduit.Err(); err != nil {
						return err
					}
					return errClientDone
				}
				if err := stream.Send(frame); err != nil {
					return err
				}
			}
		}
	})

	// backend -> client
	g.Go(func() error {
		for {
			frame, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return errBackendDone
				}
				return err
			}
			m.sink.OnNext(frame)
		}
	})

	// shut the stream down as soon as either pump ends, so the other
	// unblocks within the grace bounds
	g.Go(func() error {
		<-gctx.Done()
		once.Do(cleanup)
		return nil
	})

	err = g.Wait()
	if m.ctx.Err() != nil && !errors.Is(err, errBackendDone) && !errors.Is(err, errClientDone) {
		return context.Canceled
	}
	return err
}
