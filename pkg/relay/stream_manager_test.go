package relay

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxbridge/voxbridge-server/pkg/inference"
)

func newTestManager(t *testing.T, dialer *fakeDialer) (*StreamManager, *recordSink) {
	t.Helper()
	sink := new(recordSink)
	mgr := NewStreamManager(relayTestConfig(), dialer, sink, testLogger().WithField("t", t.Name()))
	t.Cleanup(mgr.Close)
	return mgr, sink
}

func transportErr(msg string) error {
	return &inference.StreamError{Kind: inference.KindTransport, Op: "recv", Err: errors.New(msg)}
}

func waitDone(t *testing.T, mgr *StreamManager) {
	t.Helper()
	select {
	case <-mgr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream manager did not tear down in time")
	}
}

func TestManagerForwardsFramesInOrder(t *testing.T) {
	dialer := new(fakeDialer)
	mgr, sink := newTestManager(t, dialer)

	require.NoError(t, mgr.OpenWithInitialPayload([]byte("start")))
	for i := 1; i <= 5; i++ {
		require.NoError(t, mgr.Forward([]byte(fmt.Sprintf("frame-%d", i))))
	}

	assert.Eventually(t, func() bool {
		st := dialer.stream(0)
		return st != nil && len(st.sentFrames()) == 6
	}, 2*time.Second, 5*time.Millisecond)

	st := dialer.stream(0)
	sent := st.sentFrames()
	assert.Equal(t, "start", string(sent[0]))
	for i := 1; i <= 5; i++ {
		assert.Equal(t, fmt.Sprintf("frame-%d", i), string(sent[i]))
	}

	st.emit([]byte("reply-1"))
	st.emit([]byte("reply-2"))
	assert.Eventually(t, func() bool {
		frames, _, _ := sink.snapshot()
		return len(frames) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, int64(0), mgr.Ordinal())
}

func TestManagerCompletesOnBackendEndOfStream(t *testing.T) {
	dialer := new(fakeDialer)
	mgr, sink := newTestManager(t, dialer)

	require.NoError(t, mgr.OpenWithInitialPayload([]byte("start")))

	require.Eventually(t, func() bool { return dialer.stream(0) != nil }, time.Second, 5*time.Millisecond)
	dialer.stream(0).failRecv(io.EOF)

	waitDone(t, mgr)
	_, errs, completes := sink.snapshot()
	assert.Empty(t, errs)
	assert.Equal(t, 1, completes)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestManagerRetriesTransientFailure(t *testing.T) {
	dialer := new(fakeDialer)
	mgr, sink := newTestManager(t, dialer)

	require.NoError(t, mgr.OpenWithInitialPayload([]byte("start")))
	require.Eventually(t, func() bool { return dialer.stream(0) != nil }, time.Second, 5*time.Millisecond)

	dialer.stream(0).failRecv(transportErr("connection reset"))

	// a second attempt must appear after the backoff, seeded again
	require.Eventually(t, func() bool {
		st := dialer.stream(1)
		return st != nil && len(st.sentFrames()) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "start", string(dialer.stream(1).sentFrames()[0]))
	assert.Equal(t, int64(1), mgr.Ordinal())

	// frames forwarded now reach the new attempt
	require.NoError(t, mgr.Forward([]byte("after-gap")))
	assert.Eventually(t, func() bool {
		return len(dialer.stream(1).sentFrames()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// the retry stayed invisible to the outbound side
	_, errs, completes := sink.snapshot()
	assert.Empty(t, errs)
	assert.Zero(t, completes)

	// failed attempt was cleaned up
	assert.GreaterOrEqual(t, int(dialer.stream(0).shutdowns.Load()), 1)
}

func TestManagerFatalFailureIsNotRetried(t *testing.T) {
	dialer := &fakeDialer{
		dialErrs: []error{
			&inference.StreamError{Kind: inference.KindValidation, Op: "dial", Err: errors.New("malformed request")},
		},
	}
	mgr, sink := newTestManager(t, dialer)

	require.NoError(t, mgr.OpenWithInitialPayload([]byte("start")))
	waitDone(t, mgr)

	_, errs, completes := sink.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, inference.KindValidation, inference.KindOf(errs[0]))
	assert.Zero(t, completes)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestManagerExhaustsRetries(t *testing.T) {
	dialer := &fakeDialer{
		dialErrs: []error{
			transportErr("failure 1"),
			transportErr("failure 2"),
			transportErr("failure 3"),
			transportErr("failure 4"),
			transportErr("must never be reached"),
		},
	}
	mgr, sink := newTestManager(t, dialer)

	require.NoError(t, mgr.OpenWithInitialPayload([]byte("start")))
	waitDone(t, mgr)

	// 1 initial + 3 retries, then terminal
	assert.Equal(t, 4, dialer.dialCount())
	assert.Equal(t, int64(3), mgr.Ordinal())

	_, errs, _ := sink.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRetriesExhausted)
}

func TestManagerOpenTwiceFails(t *testing.T) {
	dialer := new(fakeDialer)
	mgr, _ := newTestManager(t, dialer)

	require.NoError(t, mgr.OpenWithInitialPayload([]byte("start")))
	assert.ErrorIs(t, mgr.OpenWithInitialPayload([]byte("again")), ErrAlreadyOpened)
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	dialer := new(fakeDialer)
	mgr, sink := newTestManager(t, dialer)

	require.NoError(t, mgr.OpenWithInitialPayload([]byte("start")))
	require.Eventually(t, func() bool { return dialer.stream(0) != nil }, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		mgr.Close()
	}
	waitDone(t, mgr)

	assert.ErrorIs(t, mgr.Forward([]byte("late")), ErrNoLiveAttempt)

	// teardown is silent on the outbound side when the client went first
	_, errs, completes := sink.snapshot()
	assert.Empty(t, errs)
	assert.Zero(t, completes)
}

func TestManagerSendFailureTriggersRetry(t *testing.T) {
	dialer := new(fakeDialer)
	mgr, _ := newTestManager(t, dialer)

	require.NoError(t, mgr.OpenWithInitialPayload([]byte("start")))
	require.Eventually(t, func() bool {
		st := dialer.stream(0)
		return st != nil && len(st.sentFrames()) == 1
	}, time.Second, 5*time.Millisecond)

	dialer.stream(0).failSends(transportErr("write on closed channel"))
	require.NoError(t, mgr.Forward([]byte("doomed")))

	require.Eventually(t, func() bool { return dialer.streamCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), mgr.Ordinal())
}
