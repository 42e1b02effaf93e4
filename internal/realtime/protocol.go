package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Client to server events.
const (
	EventJoinPresence      = "join_presence"
	EventLeavePresence     = "leave_presence"
	EventPresenceUpdate    = "presence_update"
	EventCursorUpdate      = "cursor_update"
	EventCursorHide        = "cursor_hide"
	EventSparkEditingStart = "spark_editing_start"
	EventSparkEditingEnd   = "spark_editing_end"
	EventSendNotification  = "send_notification"
	EventNotificationAck   = "notification_ack"
	EventHeartbeat         = "heartbeat"
	EventGetUserPresence   = "get_user_presence"
)

// Server to client events.
const (
	EventAuthenticated        = "authenticated"
	EventAuthError            = "auth_error"
	EventPendingNotifications = "pending_notifications"
	EventPresenceState        = "presence_state"
	EventUserJoined           = "user_joined"
	EventUserLeft             = "user_left"
	EventPresenceUpdated      = "presence_updated"
	EventCursorMoved          = "cursor_moved"
	EventCursorDisappeared    = "cursor_disappeared"
	EventSparkEditingStarted  = "spark_editing_started"
	EventSparkEditingEnded    = "spark_editing_ended"
	EventNotificationReceived = "notification_received"
	EventNotificationSent     = "notification_sent"
	EventHeartbeatAck         = "heartbeat_ack"
	EventUserPresence         = "user_presence"
	EventError                = "error"
)

// GlobalRoomID is the synthetic room shared by every workspace-less canvas.
const GlobalRoomID = "global"

// OffSurfaceSentinel marks a cursor coordinate that lies outside the canvas.
// Any coordinate at or below it hides the cursor.
const OffSurfaceSentinel = -1000

var (
	ErrUnknownStatus   = errors.New("realtime: unknown presence status")
	ErrUnknownPriority = errors.New("realtime: unknown notification priority")
	ErrUnknownScope    = errors.New("realtime: unknown notification scope")
)

// Envelope is the frame exchanged in both directions over a connection.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Status is a presence status inside a room.
type Status string

const (
	StatusOnline Status = "online"
	StatusIdle   Status = "idle"
	StatusAway   Status = "away"
)

// ParseStatus validates a raw status value.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusOnline:
		return StatusOnline, nil
	case StatusIdle:
		return StatusIdle, nil
	case StatusAway:
		return StatusAway, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, value)
	}
}

// Priority ranks a notification for client-side rendering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority validates a raw priority, defaulting empty input to medium.
func ParsePriority(value string) (Priority, error) {
	normalized := Priority(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPriority, value)
	}
}

// Scope selects the audience of a notification.
type Scope string

const (
	ScopeUser Scope = "user"
	ScopeRoom Scope = "room"
	ScopeAll  Scope = "all"
)

// ParseScope validates a raw scope, defaulting empty input to user.
func ParseScope(value string) (Scope, error) {
	normalized := Scope(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case "":
		return ScopeUser, nil
	case ScopeUser, ScopeRoom, ScopeAll:
		return normalized, nil
	case "workspace":
		return ScopeRoom, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, value)
	}
}

// DeliveryStatus reports what the dispatcher did with a notification.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryQueued    DeliveryStatus = "queued"
	DeliveryBroadcast DeliveryStatus = "broadcast"
)

// Notification is a typed event addressed to a user, a room or everyone.
type Notification struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	RoomID       string          `json:"roomId,omitempty"`
	SenderID     string          `json:"senderId,omitempty"`
	Priority     Priority        `json:"priority"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Cursor is a live pointer position on the shared surface.
type Cursor struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func isOffSurface(x, y float64) bool {
	return x <= OffSurfaceSentinel || y <= OffSurfaceSentinel
}

// Inbound payloads.

type joinPresenceRequest struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

type leavePresenceRequest struct {
	RoomID string `json:"roomId"`
}

type presenceUpdateRequest struct {
	RoomID string `json:"roomId"`
	Status string `json:"status"`
}

type cursorUpdateRequest struct {
	RoomID string   `json:"roomId"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
}

type cursorHideRequest struct {
	RoomID string `json:"roomId"`
}

type sparkEditingRequest struct {
	SparkID string `json:"sparkId"`
}

type sendNotificationRequest struct {
	Scope        string          `json:"scope"`
	TargetUserID string          `json:"targetUserId"`
	RoomID       string          `json:"roomId"`
	Type         string          `json:"type"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	Priority     string          `json:"priority"`
	Data         json.RawMessage `json:"data"`
}

type notificationAckRequest struct {
	NotificationID string `json:"notificationId"`
}

// Outbound payloads.

// PresenceUser describes one room member connection.
type PresenceUser struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`
	RoomID       string    `json:"roomId"`
	Status       Status    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
	Cursor       *Cursor   `json:"cursor,omitempty"`
}

// CursorPosition is a cursor annotated with its owner.
type CursorPosition struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	X            float64   `json:"x"`
	Y            float64   `json:"y"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// EditingNotice announces that a connection started or stopped editing a spark.
type EditingNotice struct {
	RoomID       string    `json:"roomId"`
	SparkID      string    `json:"sparkId"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	ConnectionID string    `json:"connectionId"`
	StartedAt    time.Time `json:"startedAt"`
}

// PresenceState is the snapshot sent to a connection that just joined a room.
type PresenceState struct {
	RoomID  string           `json:"roomId"`
	Users   []PresenceUser   `json:"users"`
	Cursors []CursorPosition `json:"cursors"`
	Editing []EditingNotice  `json:"editing"`
}

type UserJoinedPayload struct {
	User PresenceUser `json:"user"`
}

type UserLeftPayload struct {
	RoomID       string `json:"roomId"`
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type PresenceUpdatedPayload struct {
	RoomID       string    `json:"roomId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Status       Status    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
}

type CursorDisappearedPayload struct {
	RoomID       string `json:"roomId"`
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type AuthenticatedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
}

type AuthErrorPayload struct {
	Reason string `json:"reason"`
}

type PendingNotificationsPayload struct {
	Notifications []Notification `json:"notifications"`
}

type HeartbeatAckPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type UserPresencePayload struct {
	Users []OnlineUser `json:"users"`
}

type NotificationSentPayload struct {
	NotificationID string         `json:"notificationId"`
	Status         DeliveryStatus `json:"status"`
	Recipients     int            `json:"recipients"`
}

type ErrorPayload struct {
	Event  string `json:"event,omitempty"`
	Reason string `json:"reason"`
}
