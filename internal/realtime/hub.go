package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrMissingConnectionID = errors.New("realtime: connection id required")
	ErrMissingUserID       = errors.New("realtime: user id required")
	ErrMissingPeer         = errors.New("realtime: peer required")
	ErrDuplicateConnection = errors.New("realtime: connection already registered")
	ErrUnknownConnection   = errors.New("realtime: unknown connection")
	ErrMissingTarget       = errors.New("realtime: notification target required")
	ErrHubClosed           = errors.New("realtime: hub closed")
)

// Peer is the transport side of one live connection.
// Send must not block and must not call back into the Hub.
type Peer interface {
	ID() string
	Send(envelope Envelope) bool
	Close(reason string)
}

// History persists notifications outside the real-time path.
type History interface {
	Record(ctx context.Context, notification Notification, scope Scope, status DeliveryStatus) error
	Acknowledge(ctx context.Context, userID, notificationID string) error
}

// Directory mirrors online users for other API instances.
type Directory interface {
	MarkOnline(ctx context.Context, user OnlineUser) error
	MarkOffline(ctx context.Context, userID string) error
}

// HubConfig describes the dependencies of a Hub.
type HubConfig struct {
	Clock            func() time.Time
	Logger           *zap.Logger
	IDProvider       IDProvider
	History          History
	Directory        Directory
	MaxQueuedPerUser int
}

// Hub coordinates sessions, rooms, editing notices and notifications.
// Every state change runs inside one critical section, so handlers observe the
// same ordering a single event loop would give them. Calls to History and
// Directory happen outside it.
type Hub struct {
	mu         sync.Mutex
	peers      map[string]Peer
	sessions   *SessionRegistry
	rooms      *RoomManager
	queue      *NotificationQueue
	dispatcher *Dispatcher
	closed     bool

	clock     func() time.Time
	logger    *zap.Logger
	ids       IDProvider
	history   History
	directory Directory
}

// HubStats summarizes the live state.
type HubStats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
}

// NotifyRequest describes a notification before it is addressed and stamped.
type NotifyRequest struct {
	Scope        Scope
	TargetUserID string
	RoomID       string
	SenderID     string
	Type         string
	Title        string
	Message      string
	Priority     Priority
	Data         []byte
}

// NotifyResult reports the outcome of a dispatch.
type NotifyResult struct {
	Notification Notification
	Status       DeliveryStatus
	Recipients   int
}

// NewHub constructs a Hub with fresh state.
func NewHub(cfg HubConfig) *Hub {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	sessions := NewSessionRegistry(clock)
	rooms := NewRoomManager(clock)
	queue := NewNotificationQueue(cfg.MaxQueuedPerUser)
	return &Hub{
		peers:      make(map[string]Peer),
		sessions:   sessions,
		rooms:      rooms,
		queue:      queue,
		dispatcher: NewDispatcher(sessions, rooms, queue),
		clock:      clock,
		logger:     logger,
		ids:        ids,
		history:    cfg.History,
		directory:  cfg.Directory,
	}
}

// Connect registers an authenticated connection, confirms it with authenticated
// and flushes notifications queued while the user was offline.
func (h *Hub) Connect(ctx context.Context, identity Identity, peer Peer) error {
	if peer == nil {
		return ErrMissingPeer
	}
	identity.ConnectionID = strings.TrimSpace(identity.ConnectionID)
	identity.UserID = strings.TrimSpace(identity.UserID)
	if identity.ConnectionID == "" {
		return ErrMissingConnectionID
	}
	if identity.UserID == "" {
		return ErrMissingUserID
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if _, exists := h.peers[identity.ConnectionID]; exists {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, identity.ConnectionID)
	}
	h.peers[identity.ConnectionID] = peer
	h.sessions.Register(identity)
	h.emit([]string{identity.ConnectionID}, Envelope{
		Event: EventAuthenticated,
		Data: AuthenticatedPayload{
			ConnectionID: identity.ConnectionID,
			UserID:       identity.UserID,
			Username:     identity.DisplayName,
			Email:        identity.Email,
		},
	})
	flushed := h.dispatcher.Flush(identity.UserID, identity.ConnectionID, h.emit)
	online, _ := h.sessions.Online(identity.UserID)
	h.mu.Unlock()

	h.logger.Info("realtime connection registered",
		zap.String("connection_id", identity.ConnectionID),
		zap.String("user_id", identity.UserID),
		zap.Int("user_connections", online.ActiveConnectionCount),
		zap.Int("flushed_notifications", flushed))
	h.mirrorOnline(ctx, online)
	return nil
}

// Disconnect runs the close cascade: editing sessions, then room presence, then
// the session registry. Unknown connections are ignored, so repeated calls are safe.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) {
	h.mu.Lock()
	if _, exists := h.peers[connectionID]; !exists {
		h.mu.Unlock()
		return
	}
	h.rooms.Leave("", connectionID, h.emit)
	userID, offline, _ := h.sessions.Unregister(connectionID)
	delete(h.peers, connectionID)
	online, _ := h.sessions.Online(userID)
	h.mu.Unlock()

	h.logger.Info("realtime connection closed",
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID),
		zap.Bool("user_offline", offline))
	if offline {
		h.mirrorOffline(ctx, userID)
		return
	}
	h.mirrorOnline(ctx, online)
}

// Close stops accepting connections, closes every live peer and runs the
// disconnect cascade for each. It returns the number of connections closed.
func (h *Hub) Close(ctx context.Context, reason string) int {
	h.mu.Lock()
	h.closed = true
	peers := make([]Peer, 0, len(h.peers))
	for _, peer := range h.peers {
		peers = append(peers, peer)
	}
	h.mu.Unlock()

	for _, peer := range peers {
		peer.Close(reason)
		h.Disconnect(ctx, peer.ID())
	}
	h.logger.Info("realtime hub closed", zap.Int("connections", len(peers)))
	return len(peers)
}

// JoinPresence moves the connection into roomID and returns the room snapshot.
func (h *Hub) JoinPresence(connectionID, roomID, username, avatarURL string) (PresenceState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	identity, ok := h.sessions.Identity(connectionID)
	if !ok {
		return PresenceState{}, false
	}
	displayName := identity.DisplayName
	if displayName == "" {
		displayName = strings.TrimSpace(username)
	}
	avatar := strings.TrimSpace(avatarURL)
	if avatar == "" {
		avatar = identity.AvatarURL
	}
	state := h.rooms.Join(JoinRequest{
		RoomID:       strings.TrimSpace(roomID),
		ConnectionID: connectionID,
		UserID:       identity.UserID,
		DisplayName:  displayName,
		AvatarURL:    avatar,
	}, h.emit)
	return state, true
}

// LeavePresence removes the connection from roomID (or its current room).
func (h *Hub) LeavePresence(connectionID, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.Leave(strings.TrimSpace(roomID), connectionID, h.emit)
}

// UpdatePresence changes the connection's status in its room.
func (h *Hub) UpdatePresence(connectionID, roomID string, status Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.UpdateStatus(strings.TrimSpace(roomID), connectionID, status, h.emit)
}

// UpdateCursor records or hides the connection's cursor.
func (h *Hub) UpdateCursor(connectionID, roomID string, x, y float64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.UpdateCursor(strings.TrimSpace(roomID), connectionID, x, y, h.emit)
}

// HideCursor clears the connection's cursor.
func (h *Hub) HideCursor(connectionID, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.HideCursor(strings.TrimSpace(roomID), connectionID, h.emit)
}

// StartEditing announces that the connection is editing sparkID in its room.
func (h *Hub) StartEditing(connectionID, sparkID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.StartEditing("", strings.TrimSpace(sparkID), connectionID, h.emit)
}

// EndEditing announces that the connection stopped editing sparkID.
func (h *Hub) EndEditing(connectionID, sparkID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.EndEditing("", strings.TrimSpace(sparkID), connectionID, h.emit)
}

// Heartbeat refreshes the session's activity and acknowledges the beat.
func (h *Hub) Heartbeat(ctx context.Context, connectionID string) bool {
	h.mu.Lock()
	if !h.sessions.Heartbeat(connectionID) {
		h.mu.Unlock()
		return false
	}
	h.emit([]string{connectionID}, Envelope{
		Event: EventHeartbeatAck,
		Data:  HeartbeatAckPayload{Timestamp: h.clock().UTC()},
	})
	identity, _ := h.sessions.Identity(connectionID)
	online, _ := h.sessions.Online(identity.UserID)
	h.mu.Unlock()

	h.mirrorOnline(ctx, online)
	return true
}

// ListOnline snapshots every online user.
func (h *Hub) ListOnline() []OnlineUser {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions.ListOnline()
}

// Room snapshots a room, reporting false when it does not exist.
func (h *Hub) Room(roomID string) (PresenceState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.State(roomID)
}

// Stats summarizes the live state.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{
		Connections: len(h.peers),
		Users:       h.sessions.Len(),
		Rooms:       h.rooms.Len(),
	}
}

// QueuedFor reports how many notifications wait for an offline user.
func (h *Hub) QueuedFor(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queue.Len(userID)
}

// SendToUser delivers to every connection of the target user or queues the
// notification when the user is offline.
func (h *Hub) SendToUser(ctx context.Context, notification Notification) (NotifyResult, error) {
	if strings.TrimSpace(notification.TargetUserID) == "" {
		return NotifyResult{}, ErrMissingTarget
	}
	notification, err := h.stamp(notification)
	if err != nil {
		return NotifyResult{}, err
	}

	h.mu.Lock()
	status, recipients, dropped := h.dispatcher.SendToUser(notification, h.emit)
	h.mu.Unlock()

	if dropped > 0 {
		h.logger.Warn("offline notification queue overflow",
			zap.String("user_id", notification.TargetUserID),
			zap.Int("dropped", dropped))
	}
	result := NotifyResult{Notification: notification, Status: status, Recipients: recipients}
	h.record(ctx, result, ScopeUser)
	return result, nil
}

// SendToWorkspace delivers to every connection joined to the room.
func (h *Hub) SendToWorkspace(ctx context.Context, roomID string, notification Notification) (NotifyResult, error) {
	notification.RoomID = normalizeRoomID(strings.TrimSpace(roomID))
	notification, err := h.stamp(notification)
	if err != nil {
		return NotifyResult{}, err
	}

	h.mu.Lock()
	recipients := h.dispatcher.SendToRoom(notification.RoomID, notification, h.emit)
	h.mu.Unlock()

	result := NotifyResult{Notification: notification, Status: DeliveryBroadcast, Recipients: recipients}
	h.record(ctx, result, ScopeRoom)
	return result, nil
}

// BroadcastToAll delivers to every authenticated connection.
func (h *Hub) BroadcastToAll(ctx context.Context, notification Notification) (NotifyResult, error) {
	notification, err := h.stamp(notification)
	if err != nil {
		return NotifyResult{}, err
	}

	h.mu.Lock()
	recipients := h.dispatcher.BroadcastToAll(notification, h.emit)
	h.mu.Unlock()

	result := NotifyResult{Notification: notification, Status: DeliveryBroadcast, Recipients: recipients}
	h.record(ctx, result, ScopeAll)
	return result, nil
}

// Notify routes a request to the dispatcher method matching its scope.
func (h *Hub) Notify(ctx context.Context, request NotifyRequest) (NotifyResult, error) {
	priority := request.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	notification := Notification{
		Type:         strings.TrimSpace(request.Type),
		Title:        request.Title,
		Message:      request.Message,
		TargetUserID: strings.TrimSpace(request.TargetUserID),
		SenderID:     request.SenderID,
		Priority:     priority,
		Data:         request.Data,
	}
	switch request.Scope {
	case ScopeRoom:
		return h.SendToWorkspace(ctx, request.RoomID, notification)
	case ScopeAll:
		return h.BroadcastToAll(ctx, notification)
	default:
		return h.SendToUser(ctx, notification)
	}
}

// Acknowledge records that a user saw a notification. It has no effect on delivery.
func (h *Hub) Acknowledge(ctx context.Context, userID, notificationID string) error {
	h.logger.Info("notification acknowledged",
		zap.String("user_id", userID),
		zap.String("notification_id", notificationID))
	if h.history == nil {
		return nil
	}
	return h.history.Acknowledge(ctx, userID, notificationID)
}

func (h *Hub) stamp(notification Notification) (Notification, error) {
	if notification.ID == "" {
		id, err := h.ids.NewID()
		if err != nil {
			return Notification{}, fmt.Errorf("realtime: notification id: %w", err)
		}
		notification.ID = id
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = h.clock().UTC()
	}
	if notification.Priority == "" {
		notification.Priority = PriorityMedium
	}
	if notification.Type == "" {
		notification.Type = "info"
	}
	return notification, nil
}

func (h *Hub) record(ctx context.Context, result NotifyResult, scope Scope) {
	h.logger.Debug("notification dispatched",
		zap.String("notification_id", result.Notification.ID),
		zap.String("scope", string(scope)),
		zap.String("status", string(result.Status)),
		zap.Int("recipients", result.Recipients))
	if h.history == nil {
		return
	}
	if err := h.history.Record(ctx, result.Notification, scope, result.Status); err != nil {
		h.logger.Warn("notification history record failed",
			zap.String("notification_id", result.Notification.ID),
			zap.Error(err))
	}
}

// emit must be called with h.mu held.
func (h *Hub) emit(connectionIDs []string, envelope Envelope) {
	for _, id := range connectionIDs {
		peer, ok := h.peers[id]
		if !ok {
			continue
		}
		if !peer.Send(envelope) {
			h.logger.Debug("realtime envelope dropped",
				zap.String("connection_id", id),
				zap.String("event", envelope.Event))
		}
	}
}

func (h *Hub) reply(connectionID string, envelope Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emit([]string{connectionID}, envelope)
}

func (h *Hub) mirrorOnline(ctx context.Context, user OnlineUser) {
	if h.directory == nil || user.UserID == "" {
		return
	}
	if err := h.directory.MarkOnline(ctx, user); err != nil {
		h.logger.Warn("online directory update failed", zap.String("user_id", user.UserID), zap.Error(err))
	}
}

func (h *Hub) mirrorOffline(ctx context.Context, userID string) {
	if h.directory == nil {
		return
	}
	if err := h.directory.MarkOffline(ctx, userID); err != nil {
		h.logger.Warn("online directory removal failed", zap.String("user_id", userID), zap.Error(err))
	}
}
