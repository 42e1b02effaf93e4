package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/spark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBufferSize = 256
)

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[strings.TrimRight(origin, "/")]
			return ok
		},
	}
}

// handleWebsocket authenticates the handshake before touching any hub state.
// A rejected credential still gets an upgraded socket carrying a single
// auth_error, so browser clients can tell auth failures from network errors.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	claims, authErr := h.validator.ValidateRequest(c.Request)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if authErr != nil {
		h.logAuthFailure("websocket authentication failed", authErr, zap.String("remote_addr", c.ClientIP()))
		rejectConnection(conn, auth.FailureReason(authErr))
		return
	}

	ctx := c.Request.Context()
	identity := realtime.Identity{
		UserID:          claims.UserID,
		DisplayName:     claims.DisplayName(),
		Email:           claims.UserEmail,
		AvatarURL:       claims.UserAvatarURL,
		AuthenticatedAt: time.Now().UTC(),
	}
	if profile, err := h.profiles.Touch(ctx, claims); err != nil {
		h.logger.Warn("profile refresh failed", zap.String("user_id", claims.UserID), zap.Error(err))
	} else if identity.AvatarURL == "" {
		identity.AvatarURL = profile.AvatarURL
	}

	connectionID, err := h.connectionIDs.NewID()
	if err != nil {
		h.logger.Error("failed to allocate connection id", zap.Error(err))
		rejectConnection(conn, "internal error")
		return
	}
	identity.ConnectionID = connectionID

	client := newSocketClient(conn, connectionID, h.logger)
	go client.writePump()

	if err := h.hub.Connect(ctx, identity, client); err != nil {
		h.logger.Error("failed to register websocket connection", zap.String("connection_id", connectionID), zap.Error(err))
		client.Close("registration failed")
		return
	}

	client.readPump(func(message []byte) {
		h.hub.HandleMessage(context.Background(), connectionID, message)
	})
	client.Close("connection closed")
	h.hub.Disconnect(context.Background(), connectionID)
}

func rejectConnection(conn *websocket.Conn, reason string) {
	defer conn.Close()
	payload, err := json.Marshal(realtime.Envelope{
		Event: realtime.EventAuthError,
		Data:  realtime.AuthErrorPayload{Reason: reason},
	})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeWait),
	)
}

// socketClient adapts a gorilla connection to realtime.Peer. Send never blocks:
// a client whose buffer is full is disconnected rather than stalling the hub.
type socketClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger

	closeOnce   sync.Once
	mu          sync.Mutex
	closeReason string
}

func newSocketClient(conn *websocket.Conn, id string, logger *zap.Logger) *socketClient {
	return &socketClient{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *socketClient) ID() string {
	return c.id
}

func (c *socketClient) Send(envelope realtime.Envelope) bool {
	payload, err := json.Marshal(envelope)
	if err != nil {
		c.logger.Error("failed to encode realtime envelope",
			zap.String("connection_id", c.id),
			zap.String("event", envelope.Event),
			zap.Error(err))
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.logger.Warn("websocket send buffer full", zap.String("connection_id", c.id))
		c.Close("send buffer full")
		return false
	}
}

func (c *socketClient) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *socketClient) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// readPump delivers inbound frames until the peer goes away or the client is closed.
func (c *socketClient) readPump(handle func([]byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Info("websocket read error", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(message)
	}
}

func (c *socketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("ping failed")
				return
			}
		case <-c.done:
			c.drain()
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason()),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

// drain flushes envelopes queued before Close so a final notice is not lost.
func (c *socketClient) drain() {
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
