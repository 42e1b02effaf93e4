package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/spark/backend/internal/realtime"
	"github.com/gorilla/websocket"
)

type wireEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dialSocket(t *testing.T, httpServer *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope wireEnvelope
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("failed to read envelope: %v", err)
	}
	return envelope
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) wireEnvelope {
	t.Helper()
	for range 10 {
		envelope := readEnvelope(t, conn)
		if envelope.Event == event {
			return envelope
		}
	}
	t.Fatalf("did not receive %s", event)
	return wireEnvelope{}
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("failed to write %s: %v", event, err)
	}
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", message)
}

func TestWebsocketRejectsInvalidCredential(t *testing.T) {
	server := newTestServer(t, nil)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	conn := dialSocket(t, httpServer, "not-a-jwt")

	envelope := readEnvelope(t, conn)
	if envelope.Event != realtime.EventAuthError {
		t.Fatalf("expected auth_error, got %s", envelope.Event)
	}
	var payload realtime.AuthErrorPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		t.Fatalf("failed to decode auth_error: %v", err)
	}
	if payload.Reason != "invalid token" {
		t.Fatalf("unexpected reason %q", payload.Reason)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if stats := server.hub.Stats(); stats.Connections != 0 {
		t.Fatalf("expected rejected socket to leave no hub state, got %#v", stats)
	}
}

func TestWebsocketRejectsMissingCredential(t *testing.T) {
	server := newTestServer(t, nil)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	conn := dialSocket(t, httpServer, "")
	envelope := readEnvelope(t, conn)
	var payload realtime.AuthErrorPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		t.Fatalf("failed to decode auth_error: %v", err)
	}
	if envelope.Event != realtime.EventAuthError || payload.Reason != "missing token" {
		t.Fatalf("unexpected rejection %s %#v", envelope.Event, payload)
	}
}

func TestWebsocketPresenceRoundTrip(t *testing.T) {
	server := newTestServer(t, nil)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	alice := dialSocket(t, httpServer, server.token(t, "alice"))
	authenticated := readEnvelope(t, alice)
	if authenticated.Event != realtime.EventAuthenticated {
		t.Fatalf("expected authenticated, got %s", authenticated.Event)
	}
	var identity realtime.AuthenticatedPayload
	if err := json.Unmarshal(authenticated.Data, &identity); err != nil {
		t.Fatalf("failed to decode authenticated: %v", err)
	}
	if identity.UserID != "alice" || identity.ConnectionID == "" || identity.Username != "alice" {
		t.Fatalf("unexpected identity %#v", identity)
	}

	writeEnvelope(t, alice, realtime.EventJoinPresence, map[string]any{"roomId": "ws-1", "username": "Alice"})
	state := readUntil(t, alice, realtime.EventPresenceState)
	var presence realtime.PresenceState
	if err := json.Unmarshal(state.Data, &presence); err != nil {
		t.Fatalf("failed to decode presence_state: %v", err)
	}
	if presence.RoomID != "ws-1" || len(presence.Users) != 1 {
		t.Fatalf("unexpected presence state %#v", presence)
	}

	bob := dialSocket(t, httpServer, server.token(t, "bob"))
	readUntil(t, bob, realtime.EventAuthenticated)
	writeEnvelope(t, bob, realtime.EventJoinPresence, map[string]any{"roomId": "ws-1", "username": "Bob"})
	readUntil(t, bob, realtime.EventPresenceState)

	joined := readUntil(t, alice, realtime.EventUserJoined)
	var joinedPayload realtime.UserJoinedPayload
	if err := json.Unmarshal(joined.Data, &joinedPayload); err != nil {
		t.Fatalf("failed to decode user_joined: %v", err)
	}
	if joinedPayload.User.UserID != "bob" {
		t.Fatalf("expected bob to join, got %#v", joinedPayload.User)
	}

	writeEnvelope(t, bob, realtime.EventCursorUpdate, map[string]any{"roomId": "ws-1", "x": 10, "y": 20})
	readUntil(t, alice, realtime.EventCursorMoved)

	if err := bob.Close(); err != nil {
		t.Fatalf("failed to close bob: %v", err)
	}
	left := readUntil(t, alice, realtime.EventUserLeft)
	var leftPayload realtime.UserLeftPayload
	if err := json.Unmarshal(left.Data, &leftPayload); err != nil {
		t.Fatalf("failed to decode user_left: %v", err)
	}
	if leftPayload.UserID != "bob" || leftPayload.RoomID != "ws-1" {
		t.Fatalf("unexpected user_left %#v", leftPayload)
	}
	waitFor(t, func() bool { return server.hub.Stats().Connections == 1 }, "bob disconnect to be processed")
}

func TestWebsocketDeliversQueuedNotificationsOnConnect(t *testing.T) {
	server := newTestServer(t, nil)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	recorder := server.do(t, "POST", "/notifications", server.token(t, "alice"), map[string]any{
		"scope":        "user",
		"targetUserId": "bob",
		"title":        "Ping",
	})
	if recorder.Code != 202 {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}

	bob := dialSocket(t, httpServer, server.token(t, "bob"))
	readUntil(t, bob, realtime.EventAuthenticated)
	pending := readUntil(t, bob, realtime.EventPendingNotifications)
	var payload realtime.PendingNotificationsPayload
	if err := json.Unmarshal(pending.Data, &payload); err != nil {
		t.Fatalf("failed to decode pending notifications: %v", err)
	}
	if len(payload.Notifications) != 1 || payload.Notifications[0].Title != "Ping" {
		t.Fatalf("unexpected pending notifications %#v", payload.Notifications)
	}
	if queued := server.hub.QueuedFor("bob"); queued != 0 {
		t.Fatalf("expected queue to be drained, got %d", queued)
	}

	profile, ok, err := server.profiles.Lookup(t.Context(), "bob")
	if err != nil || !ok {
		t.Fatalf("expected bob profile to be stored, ok=%v err=%v", ok, err)
	}
	if profile.Email != "bob@example.com" {
		t.Fatalf("unexpected profile %#v", profile)
	}
}
