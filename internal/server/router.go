package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/spark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "spark_user_id"
	claimsContextKey = "spark_session_claims"
)

var (
	errMissingValidator     = errors.New("session validator dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errMissingProfiles      = errors.New("profile store dependency required")
	errMissingHistory       = errors.New("notification history dependency required")
	errInvalidAuthorization = errors.New("session credential missing or invalid")
)

// SessionValidator authenticates HTTP requests and socket handshakes.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileStore refreshes the stored profile of an authenticated user.
type ProfileStore interface {
	Touch(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
}

// HistoryStore lists durable notification history.
type HistoryStore interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]notifications.Entry, error)
}

// OnlineDirectory answers "who is online" across API instances.
type OnlineDirectory interface {
	List(ctx context.Context) ([]realtime.OnlineUser, error)
}

type Dependencies struct {
	Validator      SessionValidator
	Hub            *realtime.Hub
	Profiles       ProfileStore
	History        HistoryStore
	Directory      OnlineDirectory
	ConnectionIDs  realtime.IDProvider
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	connectionIDs := deps.ConnectionIDs
	if connectionIDs == nil {
		connectionIDs = realtime.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		validator:     deps.Validator,
		hub:           deps.Hub,
		profiles:      deps.Profiles,
		history:       deps.History,
		directory:     deps.Directory,
		connectionIDs: connectionIDs,
		upgrader:      newUpgrader(deps.AllowedOrigins),
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebsocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/presence/online", handler.handleListOnline)
	protected.GET("/presence/directory", handler.handleDirectory)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications", handler.handleSendNotification)
	protected.POST("/notifications/:id/ack", handler.handleAcknowledge)

	return router, nil
}

// corsMiddleware allows credentialed requests from the configured origins. An
// empty list allows any origin, which suits local development only.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	validator     SessionValidator
	hub           *realtime.Hub
	profiles      ProfileStore
	history       HistoryStore
	directory     OnlineDirectory
	connectionIDs realtime.IDProvider
	upgrader      *websocket.Upgrader
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	stats := h.hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": stats.Connections,
		"users":       stats.Users,
		"rooms":       stats.Rooms,
	})
}

func (h *httpHandler) handleListOnline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.hub.ListOnline()})
}

func (h *httpHandler) handleDirectory(c *gin.Context) {
	if h.directory == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory_unavailable"})
		return
	}
	online, err := h.directory.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list online directory", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "directory_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": online})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	entries, err := h.history.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": entries})
}

type sendNotificationPayload struct {
	Scope        string          `json:"scope"`
	TargetUserID string          `json:"targetUserId"`
	RoomID       string          `json:"roomId"`
	Type         string          `json:"type"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	Priority     string          `json:"priority"`
	Data         json.RawMessage `json:"data"`
}

func (h *httpHandler) handleSendNotification(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request sendNotificationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	scope, err := realtime.ParseScope(request.Scope)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return
	}
	priority, err := realtime.ParsePriority(request.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_priority"})
		return
	}
	if scope == realtime.ScopeUser && strings.TrimSpace(request.TargetUserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_target"})
		return
	}
	if scope == realtime.ScopeRoom && strings.TrimSpace(request.RoomID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_room"})
		return
	}

	result, err := h.hub.Notify(c.Request.Context(), realtime.NotifyRequest{
		Scope:        scope,
		TargetUserID: request.TargetUserID,
		RoomID:       request.RoomID,
		SenderID:     userID,
		Type:         request.Type,
		Title:        request.Title,
		Message:      request.Message,
		Priority:     priority,
		Data:         request.Data,
	})
	if err != nil {
		h.logger.Error("failed to dispatch notification", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"notificationId": result.Notification.ID,
		"status":         result.Status,
		"recipients":     result.Recipients,
	})
}

func (h *httpHandler) handleAcknowledge(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	notificationID := strings.TrimSpace(c.Param("id"))
	if notificationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_id"})
		return
	}
	err := h.hub.Acknowledge(c.Request.Context(), userID, notificationID)
	if errors.Is(err, notifications.ErrNotificationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to acknowledge notification", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "acknowledge_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logAuthFailure("token validation failed", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(claimsContextKey, claims)
	c.Next()
}

// logAuthFailure keeps routine credential expiry out of warning-level logs.
func (h *httpHandler) logAuthFailure(message string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
		h.logger.Info(message, fields...)
		return
	}
	h.logger.Warn(message, fields...)
}
