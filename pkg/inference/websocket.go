package inference

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/voxbridge/voxbridge-server/pkg/config"
)

const (
	pingInterval    = 20 * time.Second
	maxPingFailures = 3
)

// WebsocketDialer connects to the backend's live endpoint over a
// websocket, addressed by model id.
type WebsocketDialer struct {
	cnf    *config.InferenceInfo
	logger *logrus.Entry
}

func NewWebsocketDialer(cnf *config.InferenceInfo, logger *logrus.Logger) *WebsocketDialer {
	return &WebsocketDialer{
		cnf:    cnf,
		logger: logger.WithField("component", "inference-dialer"),
	}
}

func (d *WebsocketDialer) endpoint() string {
	host := d.cnf.Host
	if !strings.Contains(host, "://") {
		host = "wss://" + host
	}
	return fmt.Sprintf("%s/v1/live?model=%s", strings.TrimSuffix(host, "/"), url.QueryEscape(d.cnf.ModelId))
}

// Dial opens a fresh backend stream. Credentials are attached per the
// configured mode; ambient mode sends nothing and relies on the
// deployment environment.
func (d *WebsocketDialer) Dial(ctx context.Context) (Stream, error) {
	headers := make(http.Header)
	if d.cnf.CredentialsMode == config.CredentialsModeLocal {
		headers.Set("Authorization", "Bearer "+d.cnf.ApiKey)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: d.cnf.DialTimeout,
	}

	wsUrl := d.endpoint()
	conn, resp, err := dialer.DialContext(ctx, wsUrl, headers)
	if err != nil {
		kind := KindTransport
		if resp != nil {
			kind = kindFromStatus(resp.StatusCode)
			err = fmt.Errorf("dial %s: status %d: %w", wsUrl, resp.StatusCode, err)
		}
		return nil, &StreamError{Kind: kind, Op: "dial", Err: err}
	}

	s := &wsStream{
		conn:     conn,
		logger:   d.logger,
		stopPing: make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	go s.keepAlive()

	return s, nil
}

func kindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthorization
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindTransport
	}
}

type wsStream struct {
	conn   *websocket.Conn
	logger *logrus.Entry

	writeMu      sync.Mutex
	closed       atomic.Bool
	pingFailures atomic.Int32

	shutdownOnce sync.Once
	stopPing     chan struct{}

	recvOnce sync.Once
	recvDone chan struct{}
}

func (s *wsStream) Send(frame []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}

	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.TextMessage, frame)
	s.writeMu.Unlock()

	if err != nil {
		return &StreamError{Kind: KindTransport, Op: "send", Err: err}
	}
	return nil
}

func (s *wsStream) Recv() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.recvOnce.Do(func() { close(s.recvDone) })
		return nil, s.classifyReadError(err)
	}
	return data, nil
}

func (s *wsStream) classifyReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		// normal end-of-stream from the backend
		return io.EOF
	}

	kind := KindTransport
	if ce, ok := err.(*websocket.CloseError); ok {
		switch ce.Code {
		case websocket.CloseUnsupportedData, websocket.CloseInvalidFramePayloadData:
			kind = KindValidation
		case websocket.ClosePolicyViolation:
			kind = KindAuthorization
		}
	}
	return &StreamError{Kind: kind, Op: "recv", Err: err}
}

// keepAlive pings the backend on an interval and force-closes the
// connection after too many consecutive failures. The failure counter is
// scoped to this stream, so a retried attempt starts clean.
func (s *wsStream) keepAlive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopPing:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()

			if err == nil {
				s.pingFailures.Store(0)
				continue
			}
			if s.pingFailures.Add(1) >= maxPingFailures {
				s.logger.WithError(err).Warn("backend keep-alive failed, closing connection")
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *wsStream) Shutdown(streamGrace, transportGrace time.Duration) {
	s.shutdownOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopPing)

		// logical stream first: a close handshake, bounded. Tearing the
		// secure layer down first can mask an in-flight completion.
		deadline := time.Now().Add(streamGrace)
		s.writeMu.Lock()
		err := s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.writeMu.Unlock()
		if err != nil {
			s.logger.WithError(err).Debug("close frame write failed")
		}
		_ = s.conn.SetReadDeadline(deadline)

		select {
		case <-s.recvDone:
		case <-time.After(streamGrace):
			s.logger.Debug("grace period for close handshake elapsed")
		}

		// then the secure transport, with its own bound
		if tlsConn, ok := s.conn.UnderlyingConn().(*tls.Conn); ok {
			_ = tlsConn.SetWriteDeadline(time.Now().Add(transportGrace))
			_ = tlsConn.CloseWrite()
		}
		if err := s.conn.Close(); err != nil {
			s.logger.WithError(err).Debug("transport close failed")
		}
	})
}
