package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classpulse/internal/metrics"
	"classpulse/pkg/interfaces"
	"classpulse/pkg/types"
)

// Sink receives connection lifecycle events and inbound frames
// ARCHITECTURAL DISCOVERY: The handler owns sockets while the hub owns
// state, so the handler only reports what happened on the wire
type Sink interface {
	Register(conn *Connection) error
	Unregister(conn *Connection)
	HandleFrame(conn *Connection, frame *types.Frame)
}

// Handler upgrades authenticated requests and pumps their frames
type Handler struct {
	auth     interfaces.Authenticator
	sink     Sink
	settings Settings
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a WebSocket handler. An empty allowedOrigins accepts
// every origin.
func NewHandler(auth interfaces.Authenticator, sink Sink, settings Settings, allowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		auth:     auth,
		sink:     sink,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		_, ok := set[origin]
		return ok
	}
}

// BearerToken extracts the token from the Authorization header or the
// token query parameter browsers fall back to
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP authenticates, upgrades and starts the read pump
// ARCHITECTURAL DISCOVERY: Authentication runs before the upgrade so a bad
// token is a plain HTTP 401 the client can tell apart from network failure
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.auth.Authenticate(BearerToken(r))
	if err != nil {
		metrics.TrackAuthAttempt("rejected")
		h.logger.Debug("realtime handshake rejected", zap.Error(err), zap.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	metrics.TrackAuthAttempt("accepted")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(ws, h.settings)
	_ = conn.SetCredentials(principal.UserID, principal.Role, uuid.NewString())
	conn.SetDevice(ParseDevice(r.UserAgent()))

	if err := h.sink.Register(conn); err != nil {
		h.logger.Error("failed to register connection", zap.String("user", principal.UserID), zap.Error(err))
		_ = conn.Close()
		return
	}

	go h.readPump(conn)
}

// readPump decodes inbound frames until the socket fails or closes
func (h *Handler) readPump(conn *Connection) {
	defer func() {
		h.sink.Unregister(conn)
		_ = conn.Close()
	}()

	ws := conn.conn
	ws.SetReadLimit(types.MaxPayloadBytes + 4096)
	if h.settings.ReadTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout))
		})
	}

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Info("websocket closed unexpectedly", zap.String("session", conn.GetSessionID()), zap.Error(err))
			}
			return
		}
		if h.settings.ReadTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.protocolError(conn, "", types.ErrInvalidPayload)
			continue
		}
		if err := frame.Validate(); err != nil {
			h.protocolError(conn, frame.ID, err)
			continue
		}

		metrics.TrackFrame("in", frame.Type)
		h.sink.HandleFrame(conn, &frame)
	}
}

// protocolError tells the client a frame was dropped. Requests with an id
// still get their ack so the caller does not wait for a timeout.
func (h *Handler) protocolError(conn *Connection, requestID string, cause error) {
	var frame *types.Frame
	if requestID != "" && !errors.Is(cause, types.ErrMissingCorrelationID) {
		frame = types.NewAckErrorFrame(requestID, types.ReasonBadRequest, cause.Error())
	} else {
		frame, _ = types.NewEventFrame(types.EventSystemError, &types.AckError{
			Reason:  types.ReasonBadRequest,
			Message: cause.Error(),
		})
	}
	if err := conn.WriteJSON(frame); err != nil {
		h.logger.Debug("failed to report protocol error", zap.Error(err))
	}
}
