package controllers

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/voxbridge/voxbridge-server/pkg/auth"
	"github.com/voxbridge/voxbridge-server/pkg/config"
	"github.com/voxbridge/voxbridge-server/pkg/inference"
	"github.com/voxbridge/voxbridge-server/pkg/relay"
)

// WebSocketController accepts client connections, applies the auth gate
// and hands every admitted connection to its own relay session.
type WebSocketController struct {
	app    *config.AppConfig
	gate   *auth.Gate
	dialer inference.Dialer
	logger *logrus.Entry
}

func NewWebSocketController(app *config.AppConfig, gate *auth.Gate, dialer inference.Dialer) *WebSocketController {
	return &WebSocketController{
		app:    app,
		gate:   gate,
		dialer: dialer,
		logger: app.Logger.WithField("component", "ws-controller"),
	}
}

// HandleUpgradeCheck rejects anything that is not an authenticated
// websocket upgrade, before any session resources are allocated.
func (c *WebSocketController) HandleUpgradeCheck(ctx *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(ctx) {
		return fiber.ErrUpgradeRequired
	}

	if err := c.gate.Verify(bearerToken(ctx)); err != nil {
		c.logger.WithError(err).Warn("connection rejected by auth gate")
		return ctx.Status(fiber.StatusUnauthorized).SendString("unauthorized")
	}

	return ctx.Next()
}

// bearerToken reads the credential from the Authorization header, or
// from the token query param for browser clients that cannot set
// headers on a websocket upgrade.
func bearerToken(ctx *fiber.Ctx) string {
	h := ctx.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ctx.Query("token")
}

// HandleWebSocket owns one admitted connection for its whole lifetime.
func (c *WebSocketController) HandleWebSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		sessionId := uuid.NewString()
		log := c.logger.WithField("sessionId", sessionId)

		sess := relay.NewSession(sessionId, newWsTransport(conn, log), c.dialer, &c.app.RelayInfo, c.app.Logger)
		defer sess.HandleClose()

		log.Info("session connected")
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if fws.IsUnexpectedCloseError(err, fws.CloseNormalClosure, fws.CloseGoingAway) {
					log.WithError(err).Warn("client transport failed")
					sess.HandleError(err)
				} else {
					sess.HandleClose()
				}
				return
			}
			sess.HandleMessage(msg)
		}
	})
}

// wsTransport adapts the fiber websocket connection to the relay's
// ClientTransport. Writes are serialized; close is idempotent.
type wsTransport struct {
	conn    *websocket.Conn
	logger  *logrus.Entry
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWsTransport(conn *websocket.Conn, logger *logrus.Entry) *wsTransport {
	return &wsTransport{
		conn:   conn,
		logger: logger,
	}
}

var errTransportClosed = errors.New("client transport already closed")

func (t *wsTransport) WriteFrame(frame []byte) error {
	if t.closed.Load() {
		return errTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(fws.TextMessage, frame)
}

func (t *wsTransport) CloseWithReason(reason string) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	// a close frame payload is capped at 125 bytes, 2 of which carry
	// the code
	if len(reason) > 120 {
		reason = reason[:120]
	}

	t.writeMu.Lock()
	err := t.conn.WriteControl(fws.CloseMessage,
		fws.FormatCloseMessage(fws.CloseInternalServerErr, reason),
		time.Now().Add(2*time.Second))
	t.writeMu.Unlock()
	if err != nil {
		t.logger.WithError(err).Debug("close frame write failed")
	}

	return t.conn.Close()
}

func (t *wsTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.writeMu.Lock()
	_ = t.conn.WriteControl(fws.CloseMessage,
		fws.FormatCloseMessage(fws.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	t.writeMu.Unlock()

	return t.conn.Close()
}
