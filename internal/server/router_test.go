package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/spark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/database"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/spark/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testSigningSecret = "test-signing-secret"

type testServer struct {
	handler  http.Handler
	hub      *realtime.Hub
	history  *notifications.Service
	profiles *users.Service
	issuer   *auth.TokenIssuer
}

type staticDirectory struct {
	users []realtime.OnlineUser
	err   error
}

func (d staticDirectory) List(context.Context) ([]realtime.OnlineUser, error) {
	return d.users, d.err
}

func newTestServer(t *testing.T, directory OnlineDirectory) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "spark.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build profile service: %v", err)
	}
	history, err := notifications.NewService(notifications.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build history service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    "spark_session",
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	hub := realtime.NewHub(realtime.HubConfig{History: history})

	handler, err := NewHTTPHandler(Dependencies{
		Validator: validator,
		Hub:       hub,
		Profiles:  profiles,
		History:   history,
		Directory: directory,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, hub: hub, history: history, profiles: profiles, issuer: issuer}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(auth.Subject{UserID: userID, Email: userID + "@example.com"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingValidator) {
		t.Fatalf("expected missing validator error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Validator: stubValidator{}}); !errors.Is(err, errMissingHub) {
		t.Fatalf("expected missing hub error, got %v", err)
	}
}

func TestHealthReportsHubStats(t *testing.T) {
	server := newTestServer(t, nil)

	recorder := server.do(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if body.Status != "ok" || body.Connections != 0 {
		t.Fatalf("unexpected health body %#v", body)
	}
}

func TestProtectedRoutesRequireCredential(t *testing.T) {
	server := newTestServer(t, nil)

	for _, path := range []string{"/presence/online", "/notifications"} {
		recorder := server.do(t, http.MethodGet, path, "", nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %d", path, recorder.Code)
		}
	}
	recorder := server.do(t, http.MethodGet, "/presence/online", "not-a-jwt", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", recorder.Code)
	}
}

func TestSendNotificationQueuesForOfflineUser(t *testing.T) {
	server := newTestServer(t, nil)
	aliceToken := server.token(t, "alice")
	bobToken := server.token(t, "bob")

	recorder := server.do(t, http.MethodPost, "/notifications", aliceToken, map[string]any{
		"scope":        "user",
		"targetUserId": "bob",
		"title":        "Review",
		"message":      "Please review the canvas",
		"priority":     "high",
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var sent struct {
		NotificationID string `json:"notificationId"`
		Status         string `json:"status"`
		Recipients     int    `json:"recipients"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &sent); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if sent.Status != string(realtime.DeliveryQueued) || sent.Recipients != 0 || sent.NotificationID == "" {
		t.Fatalf("unexpected send result %#v", sent)
	}
	if queued := server.hub.QueuedFor("bob"); queued != 1 {
		t.Fatalf("expected one queued notification, got %d", queued)
	}

	recorder = server.do(t, http.MethodGet, "/notifications", bobToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var listed struct {
		Notifications []notifications.Entry `json:"notifications"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &listed); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(listed.Notifications) != 1 || listed.Notifications[0].ID != sent.NotificationID {
		t.Fatalf("expected bob to see the notification, got %#v", listed.Notifications)
	}
	if listed.Notifications[0].AcknowledgedAt != nil {
		t.Fatalf("expected notification to be unacknowledged")
	}

	recorder = server.do(t, http.MethodPost, "/notifications/"+sent.NotificationID+"/ack", bobToken, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	entries, err := server.history.ListForUser(context.Background(), "bob", 0)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if entries[0].AcknowledgedAt == nil {
		t.Fatalf("expected acknowledgement to be stored")
	}

	recorder = server.do(t, http.MethodPost, "/notifications/missing/ack", bobToken, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown notification, got %d", recorder.Code)
	}
}

func TestSendNotificationValidatesRequest(t *testing.T) {
	server := newTestServer(t, nil)
	token := server.token(t, "alice")

	testCases := []struct {
		name    string
		body    map[string]any
		wantErr string
	}{
		{name: "unknown scope", body: map[string]any{"scope": "galaxy"}, wantErr: "invalid_scope"},
		{name: "unknown priority", body: map[string]any{"scope": "all", "priority": "urgent"}, wantErr: "invalid_priority"},
		{name: "missing target", body: map[string]any{"scope": "user"}, wantErr: "missing_target"},
		{name: "missing room", body: map[string]any{"scope": "room"}, wantErr: "missing_room"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(t, http.MethodPost, "/notifications", token, testCase.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", recorder.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if body["error"] != testCase.wantErr {
				t.Fatalf("expected %s, got %q", testCase.wantErr, body["error"])
			}
		})
	}

	recorder := server.do(t, http.MethodGet, "/notifications?limit=-1", token, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", recorder.Code)
	}
}

func TestListOnlineReflectsConnections(t *testing.T) {
	server := newTestServer(t, nil)
	token := server.token(t, "alice")

	peer := &nullPeer{id: "c1"}
	if err := server.hub.Connect(context.Background(), realtime.Identity{ConnectionID: "c1", UserID: "bob", DisplayName: "Bob"}, peer); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	recorder := server.do(t, http.MethodGet, "/presence/online", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body struct {
		Users []realtime.OnlineUser `json:"users"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode users: %v", err)
	}
	if len(body.Users) != 1 || body.Users[0].UserID != "bob" || body.Users[0].ActiveConnectionCount != 1 {
		t.Fatalf("unexpected online users %#v", body.Users)
	}
}

func TestDirectoryEndpoint(t *testing.T) {
	unavailable := newTestServer(t, nil)
	recorder := unavailable.do(t, http.MethodGet, "/presence/directory", unavailable.token(t, "alice"), nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a directory, got %d", recorder.Code)
	}

	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	available := newTestServer(t, staticDirectory{users: []realtime.OnlineUser{
		{UserID: "carol", ActiveConnectionCount: 2, LastActivity: now, IsOnline: true},
	}})
	recorder = available.do(t, http.MethodGet, "/presence/directory", available.token(t, "alice"), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body struct {
		Users []realtime.OnlineUser `json:"users"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode users: %v", err)
	}
	if len(body.Users) != 1 || body.Users[0].UserID != "carol" {
		t.Fatalf("unexpected directory users %#v", body.Users)
	}

	failing := newTestServer(t, staticDirectory{err: errors.New("redis down")})
	recorder = failing.do(t, http.MethodGet, "/presence/directory", failing.token(t, "alice"), nil)
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when the directory fails, got %d", recorder.Code)
	}
}

type nullPeer struct {
	id string
}

func (p *nullPeer) ID() string                  { return p.id }
func (p *nullPeer) Send(realtime.Envelope) bool { return true }
func (p *nullPeer) Close(string)                {}
