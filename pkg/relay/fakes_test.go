package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voxbridge/voxbridge-server/pkg/config"
	"github.com/voxbridge/voxbridge-server/pkg/inference"
)

func relayTestConfig() *config.RelayInfo {
	return &config.RelayInfo{
		MaxRetries:      3,
		InitialBackoff:  5 * time.Millisecond,
		MaxBackoff:      40 * time.Millisecond,
		ConduitCapacity: 16,
		StreamGrace:     20 * time.Millisecond,
		TransportGrace:  20 * time.Millisecond,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type recvMsg struct {
	frame []byte
	err   error
}

// fakeStream stands in for one backend stream attempt.
type fakeStream struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error

	recvCh    chan recvMsg
	done      chan struct{}
	closeOnce sync.Once
	shutdowns atomic.Int32
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		recvCh: make(chan recvMsg, 32),
		done:   make(chan struct{}),
	}
}

func (s *fakeStream) Send(frame []byte) error {
	select {
	case <-s.done:
		return inference.ErrStreamClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

func (s *fakeStream) Recv() ([]byte, error) {
	select {
	case m := <-s.recvCh:
		return m.frame, m.err
	case <-s.done:
		return nil, &inference.StreamError{Kind: inference.KindTransport, Op: "recv", Err: errors.New("stream shut down")}
	}
}

func (s *fakeStream) Shutdown(streamGrace, transportGrace time.Duration) {
	s.shutdowns.Add(1)
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *fakeStream) emit(frame []byte) {
	s.recvCh <- recvMsg{frame: frame}
}

func (s *fakeStream) failRecv(err error) {
	s.recvCh <- recvMsg{err: err}
}

func (s *fakeStream) failSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *fakeStream) sentFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// fakeDialer scripts dial outcomes per attempt ordinal.
type fakeDialer struct {
	mu       sync.Mutex
	dialErrs []error // consumed per call; nil entry means success
	streams  []*fakeStream
	calls    int
}

func (d *fakeDialer) Dial(ctx context.Context) (inference.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	call := d.calls
	d.calls++

	if call < len(d.dialErrs) && d.dialErrs[call] != nil {
		return nil, d.dialErrs[call]
	}

	st := newFakeStream()
	d.streams = append(d.streams, st)
	return st, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.streams) {
		return nil
	}
	return d.streams[i]
}

func (d *fakeDialer) streamCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// recordSink captures everything the manager pushes outbound.
type recordSink struct {
	mu        sync.Mutex
	frames    [][]byte
	errs      []error
	completes int
}

func (r *recordSink) OnNext(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *recordSink) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordSink) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes++
}

func (r *recordSink) snapshot() (frames [][]byte, errs []error, completes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames = append(frames, r.frames...)
	errs = append(errs, r.errs...)
	return frames, errs, r.completes
}

// fakeTransport stands in for the client websocket connection.
type fakeTransport struct {
	mu          sync.Mutex
	frames      [][]byte
	reasons     []string
	closeCalls  int
	writeClosed bool
}

func (t *fakeTransport) WriteFrame(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeClosed {
		return errors.New("transport closed")
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *fakeTransport) CloseWithReason(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reasons = append(t.reasons, reason)
	t.writeClosed = true
	t.closeCalls++
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeClosed = true
	t.closeCalls++
	return nil
}

func (t *fakeTransport) written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames))
	copy(out, t.frames)
	return out
}

func (t *fakeTransport) closeReasons() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.reasons...)
}

func (t *fakeTransport) closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}
