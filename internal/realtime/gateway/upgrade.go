package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/m3nu/hedgedoc/internal/realtime/identity"
	"github.com/m3nu/hedgedoc/internal/realtime/session"
)

// defaultConnectTimeout bounds the identity-resolution chain when a caller
// leaves UpgradeHandlerConfig.ConnectTimeout unset.
const defaultConnectTimeout = 10 * time.Second

// sessionCookieName is the cookie HEDGEDOC's own session middleware sets;
// kept distinct from this codebase's bearer-JWT REST auth cookie/header.
const sessionCookieName = "HEDGEDOC_SESSION"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NoteResolver validates a connect URL path and returns the canonical note
// identifier it names. It is what gives ErrResolveFailed an actual failure
// mode: the gateway mounts at GET /realtime/*notePath, so without this
// step any non-empty path would be accepted as-is.
type NoteResolver interface {
	Resolve(ctx context.Context, urlPath string) (string, error)
}

// UpgradeHandlerConfig wires the identity resolution chain the connect
// handshake walks before a Connection is ever created: URL resolution,
// cookie signature verification, session lookup, user lookup, and the
// read-permission check (spec.md §6.4, "Connect handling").
type UpgradeHandlerConfig struct {
	Registry        *Registry
	NoteService     NoteResolver
	CookieValidator identity.CookieSignatureValidator
	SessionService  identity.SessionService
	UserService     identity.UserService
	Permissions     identity.PermissionsService
	Logger          *zap.Logger

	// ConnectTimeout bounds cookie/session/user/permission resolution
	// (spec.md §5, "connect handling should be bounded by a connect
	// timeout"). Defaults to defaultConnectTimeout when zero.
	ConnectTimeout time.Duration
}

// NewUpgradeHandler returns a gin.HandlerFunc suitable for mounting at
// GET /realtime/*notePath. Any handshake failure is logged and answered
// with an HTTP error before the protocol ever upgrades; once upgraded,
// failures close the websocket with a logged reason instead (there is no
// HTTP status code left to report by that point).
func NewUpgradeHandler(cfg UpgradeHandlerConfig) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		rawPath := strings.TrimPrefix(c.Param("notePath"), "/")

		connectTimeout := cfg.ConnectTimeout
		if connectTimeout <= 0 {
			connectTimeout = defaultConnectTimeout
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), connectTimeout)
		defer cancel()

		noteID, err := cfg.NoteService.Resolve(ctx, rawPath)
		if err != nil {
			logger.Info("realtime connect rejected: path does not resolve to a note",
				zap.String("path", rawPath), zap.Error(wrapGatewayError(ErrResolveFailed, err)))
			c.AbortWithStatus(http.StatusNotFound)
			return
		}

		cookie, err := c.Cookie(sessionCookieName)
		if err != nil || cookie == "" {
			logger.Info("realtime connect rejected: missing session cookie",
				zap.String("note_id", noteID), zap.Error(wrapGatewayError(ErrAuthRejected, err)))
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		sessionID, err := cfg.CookieValidator.Verify(cookie)
		if err != nil {
			logger.Info("realtime connect rejected: invalid cookie signature",
				zap.String("note_id", noteID), zap.Error(wrapGatewayError(ErrAuthRejected, err)))
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		username, err := cfg.SessionService.UsernameFor(ctx, sessionID)
		if err != nil {
			logger.Info("realtime connect rejected: unknown session",
				zap.String("note_id", noteID), zap.Error(wrapGatewayError(ErrAuthRejected, err)))
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		user, err := cfg.UserService.ByName(ctx, username)
		if err != nil {
			logger.Info("realtime connect rejected: unknown user",
				zap.String("note_id", noteID), zap.String("username", username), zap.Error(wrapGatewayError(ErrAuthRejected, err)))
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		mayRead, err := cfg.Permissions.MayRead(ctx, user, noteID)
		if err != nil {
			logger.Error("realtime connect: permission check failed",
				zap.String("note_id", noteID), zap.Error(wrapGatewayError(ErrInternalError, err)))
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if !mayRead {
			logger.Info("realtime connect rejected: permission denied",
				zap.String("note_id", noteID), zap.String("user_id", user.UserID), zap.Error(ErrPermissionDenied))
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("realtime connect: websocket upgrade failed", zap.Error(wrapGatewayError(ErrTransportError, err)))
			return
		}
		wsConn.SetReadLimit(1 << 20)

		conn, noteSession, err := cfg.Registry.Connect(ctx, noteID, wsConn)
		if err != nil {
			logger.Error("realtime connect: session attach failed",
				zap.String("note_id", noteID), zap.Error(wrapGatewayError(ErrInternalError, err)))
			_ = wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
			_ = wsConn.Close()
			return
		}

		pumpConnection(conn, noteSession, logger)
	}
}

// pumpConnection blocks reading frames from conn until the transport
// closes or errors, routing each frame to its session, then always detaches
// the connection on the way out. A malformed frame is a ProtocolError
// (spec.md §7): only the offending connection is closed, the session and
// its other connections survive.
func pumpConnection(conn *session.Connection, noteSession *session.NoteSession, logger *zap.Logger) {
	defer noteSession.Detach(conn)
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := noteSession.RouteFrame(conn, payload); err != nil {
			logger.Debug("realtime: closing connection on malformed frame", zap.Error(wrapGatewayError(ErrProtocolError, err)))
			conn.Close()
			return
		}
	}
}
