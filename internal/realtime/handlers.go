package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrMalformedMessage = errors.New("realtime: malformed message")
	ErrInvalidPayload   = errors.New("realtime: invalid payload")
	ErrUnknownEvent     = errors.New("realtime: unknown event")
)

// HandleMessage decodes one inbound frame and routes it. Failures are logged and
// answered with an error envelope; they never affect the connection or its peers.
func (h *Hub) HandleMessage(ctx context.Context, connectionID string, raw []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error("realtime handler panic",
				zap.String("connection_id", connectionID),
				zap.Any("panic", recovered))
		}
	}()

	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil || strings.TrimSpace(envelope.Event) == "" {
		h.logger.Warn("malformed realtime message",
			zap.String("connection_id", connectionID),
			zap.Error(err))
		h.reply(connectionID, Envelope{Event: EventError, Data: ErrorPayload{Reason: ErrMalformedMessage.Error()}})
		return
	}

	if envelope.Event != EventHeartbeat {
		h.touch(connectionID)
	}
	if err := h.route(ctx, connectionID, envelope); err != nil {
		h.logger.Warn("realtime message dropped",
			zap.String("connection_id", connectionID),
			zap.String("event", envelope.Event),
			zap.Error(err))
		h.reply(connectionID, Envelope{Event: EventError, Data: ErrorPayload{Event: envelope.Event, Reason: err.Error()}})
	}
}

func (h *Hub) route(ctx context.Context, connectionID string, envelope inboundEnvelope) error {
	switch envelope.Event {
	case EventJoinPresence:
		var request joinPresenceRequest
		if err := decodePayload(envelope.Data, &request); err != nil {
			return err
		}
		h.JoinPresence(connectionID, request.RoomID, request.Username, request.AvatarURL)
	case EventLeavePresence:
		var request leavePresenceRequest
		if err := decodePayload(envelope.Data, &request); err != nil {
			return err
		}
		h.LeavePresence(connectionID, request.RoomID)
	case EventPresenceUpdate:
		var request presenceUpdateRequest
		if err := decodePayload(envelope.Data, &request); err != nil {
			return err
		}
		status, err := ParseStatus(request.Status)
		if err != nil {
			return err
		}
		h.UpdatePresence(connectionID, request.RoomID, status)
	case EventCursorUpdate:
		var request cursorUpdateRequest
		if err := decodePayload(envelope.Data, &request); err != nil {
			return err
		}
		if request.X == nil || request.Y == nil {
			return fmt.Errorf("%w: x and y are required", ErrInvalidPayload)
		}
		h.UpdateCursor(connectionID, request.RoomID, *request.X, *request.Y)
	case EventCursorHide:
		var request cursorHideRequest
		if err := decodePayload(envelope.Data, &request); err != nil {
			return err
		}
		h.HideCursor(connectionID, request.RoomID)
	case EventSparkEditingStart:
		var request sparkEditingRequest
		if err := decodePayload(envelope.Data, &request); err != nil {
			return err
		}
		if strings.TrimSpace(request.SparkID) == "" {
			return fmt.Errorf("%w: sparkId is required", ErrInvalidPayload)
		}
		h.StartEditing(connectionID, request.SparkID)
	case EventSparkEditingEnd:
		var request sparkEditingRequest
		if err := decodePayload(envelope.Data, &request); err != nil {
			return err
		}
		h.EndEditing(connectionID, request.SparkID)
	case EventSendNotification:
		return h.handleSendNotification(ctx, connectionID, envelope.Data)
	case EventNotificationAck:
		var request notificationAckRequest
		if err := decodePayload(envelope.Data, &request); err != nil {
			return err
		}
		return h.handleAcknowledge(ctx, connectionID, request.NotificationID)
	case EventHeartbeat:
		h.Heartbeat(ctx, connectionID)
	case EventGetUserPresence:
		h.mu.Lock()
		users := h.sessions.ListOnline()
		h.emit([]string{connectionID}, Envelope{Event: EventUserPresence, Data: UserPresencePayload{Users: users}})
		h.mu.Unlock()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, envelope.Event)
	}
	return nil
}

func (h *Hub) handleSendNotification(ctx context.Context, connectionID string, raw json.RawMessage) error {
	var request sendNotificationRequest
	if err := decodePayload(raw, &request); err != nil {
		return err
	}
	scope, err := ParseScope(request.Scope)
	if err != nil {
		return err
	}
	priority, err := ParsePriority(request.Priority)
	if err != nil {
		return err
	}

	h.mu.Lock()
	sender, known := h.sessions.Identity(connectionID)
	currentRoom, _ := h.rooms.RoomOf(connectionID)
	h.mu.Unlock()
	if !known {
		return ErrUnknownConnection
	}

	roomID := strings.TrimSpace(request.RoomID)
	if scope == ScopeRoom && roomID == "" {
		roomID = currentRoom
	}
	if scope == ScopeRoom && roomID == "" {
		return fmt.Errorf("%w: roomId is required", ErrInvalidPayload)
	}
	if scope == ScopeUser && strings.TrimSpace(request.TargetUserID) == "" {
		return fmt.Errorf("%w: targetUserId is required", ErrInvalidPayload)
	}

	result, err := h.Notify(ctx, NotifyRequest{
		Scope:        scope,
		TargetUserID: request.TargetUserID,
		RoomID:       roomID,
		SenderID:     sender.UserID,
		Type:         request.Type,
		Title:        request.Title,
		Message:      request.Message,
		Priority:     priority,
		Data:         request.Data,
	})
	if err != nil {
		return err
	}
	h.reply(connectionID, Envelope{
		Event: EventNotificationSent,
		Data: NotificationSentPayload{
			NotificationID: result.Notification.ID,
			Status:         result.Status,
			Recipients:     result.Recipients,
		},
	})
	return nil
}

func (h *Hub) handleAcknowledge(ctx context.Context, connectionID, notificationID string) error {
	if strings.TrimSpace(notificationID) == "" {
		return fmt.Errorf("%w: notificationId is required", ErrInvalidPayload)
	}
	h.mu.Lock()
	identity, known := h.sessions.Identity(connectionID)
	h.mu.Unlock()
	if !known {
		return ErrUnknownConnection
	}
	if err := h.Acknowledge(ctx, identity.UserID, notificationID); err != nil {
		h.logger.Warn("notification acknowledgement not recorded",
			zap.String("notification_id", notificationID),
			zap.Error(err))
	}
	return nil
}

// touch counts any inbound frame as session activity.
func (h *Hub) touch(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions.Heartbeat(connectionID)
}

func decodePayload(raw json.RawMessage, target any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
