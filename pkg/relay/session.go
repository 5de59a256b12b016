package relay

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/voxbridge/voxbridge-server/pkg/config"
	"github.com/voxbridge/voxbridge-server/pkg/inference"
)

type State int

const (
	StateAwaitingStart State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting-start"
	case StateStreaming:
		return "streaming"
	default:
		return "closed"
	}
}

// ClientTransport is the session's view of the client connection. All
// methods must be idempotent with respect to an already-closed
// connection; teardown can race with in-flight writes.
type ClientTransport interface {
	WriteFrame(frame []byte) error
	// CloseWithReason closes with the relay's internal-error close code
	// and a human-readable reason.
	CloseWithReason(reason string) error
	Close() error
}

// Session is the per-connection state machine. It owns exactly one
// StreamManager and never touches another session's resources. The first
// client frame must be a session-start event; everything after is
// forwarded verbatim.
type Session struct {
	id        string
	cnf       *config.RelayInfo
	dialer    inference.Dialer
	transport ClientTransport
	logger    *logrus.Entry

	mu    sync.Mutex
	state State
	mgr   *StreamManager
}

func NewSession(id string, transport ClientTransport, dialer inference.Dialer, cnf *config.RelayInfo, logger *logrus.Logger) *Session {
	return &Session{
		id:        id,
		cnf:       cnf,
		dialer:    dialer,
		transport: transport,
		logger: logger.WithFields(logrus.Fields{
			"component": "session",
			"sessionId": id,
		}),
	}
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Manager exposes the session's stream manager, nil before the handshake.
func (s *Session) Manager() *StreamManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgr
}

// HandleMessage processes one client frame.
func (s *Session) HandleMessage(frame []byte) {
	s.mu.Lock()

	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		s.logger.Debug("frame discarded, session already closed")

	case StateAwaitingStart:
		if !IsSessionStart(frame) {
			s.state = StateClosed
			s.mu.Unlock()
			s.logger.Warn("first frame was not a session-start event")
			_ = s.transport.CloseWithReason("first message must be a session-start event")
			return
		}

		mgr := NewStreamManager(s.cnf, s.dialer, &outboundSink{session: s}, s.logger)
		s.mgr = mgr
		s.state = StateStreaming
		s.mu.Unlock()

		if err := mgr.OpenWithInitialPayload(frame); err != nil {
			s.HandleError(err)
		}

	case StateStreaming:
		mgr := s.mgr
		s.mu.Unlock()

		if err := mgr.Forward(frame); err != nil {
			s.logger.WithError(err).Warn("client frame with no live backend attempt")
			s.HandleError(ErrProtocolViolation)
		}
	}
}

// HandleClose reacts to the client transport closing. Idempotent.
func (s *Session) HandleClose() {
	mgr, already := s.toClosed()
	if already {
		return
	}
	if mgr != nil {
		mgr.Close()
	}
	_ = s.transport.Close()
	s.logger.Info("session closed")
}

// HandleError force-closes the client transport with a reason, then
// tears the session down like HandleClose.
func (s *Session) HandleError(err error) {
	mgr, already := s.toClosed()
	if already {
		return
	}
	s.logger.WithError(err).Warn("session closed with error")
	_ = s.transport.CloseWithReason(err.Error())
	if mgr != nil {
		mgr.Close()
	}
}

// toClosed transitions to StateClosed, reporting whether it already was.
func (s *Session) toClosed() (*StreamManager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, true
	}
	s.state = StateClosed
	return s.mgr, false
}

// outboundSink is the outbound observer: it relays backend items to the
// client transport and converts terminal signals into session teardown.
type outboundSink struct {
	session *Session
}

func (o *outboundSink) OnNext(frame []byte) {
	s := o.session
	if s.State() == StateClosed {
		s.logger.Debug("backend frame dropped, session already closed")
		return
	}
	if err := s.transport.WriteFrame(frame); err != nil {
		s.HandleError(err)
	}
}

func (o *outboundSink) OnError(err error) {
	o.session.HandleError(err)
}

func (o *outboundSink) OnComplete() {
	o.session.HandleClose()
}
