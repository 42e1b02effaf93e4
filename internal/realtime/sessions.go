package realtime

import (
	"sort"
	"time"
)

// Identity is the verified user attached to one live connection.
type Identity struct {
	ConnectionID    string
	UserID          string
	DisplayName     string
	Email           string
	AvatarURL       string
	AuthenticatedAt time.Time
}

// UserSession aggregates every live connection of one user.
type UserSession struct {
	UserID          string
	DisplayName     string
	Email           string
	Connections     map[string]struct{}
	AuthenticatedAt time.Time
	LastActivity    time.Time
}

// OnlineUser is the introspection view of a UserSession.
type OnlineUser struct {
	UserID                string    `json:"userId"`
	DisplayName           string    `json:"displayName"`
	Email                 string    `json:"email,omitempty"`
	ActiveConnectionCount int       `json:"activeConnectionCount"`
	LastActivity          time.Time `json:"lastActivity"`
	IsOnline              bool      `json:"isOnline"`
}

// SessionRegistry tracks user sessions and the reverse connection index.
// It is not safe for concurrent use; the Hub serializes access.
type SessionRegistry struct {
	sessions   map[string]*UserSession
	identities map[string]Identity
	clock      func() time.Time
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry(clock func() time.Time) *SessionRegistry {
	if clock == nil {
		clock = time.Now
	}
	return &SessionRegistry{
		sessions:   make(map[string]*UserSession),
		identities: make(map[string]Identity),
		clock:      clock,
	}
}

// Register attaches the connection to its user's session, creating the session
// on first connection. Re-registering a known connection only refreshes activity.
func (r *SessionRegistry) Register(identity Identity) bool {
	now := r.clock()
	if existing, ok := r.identities[identity.ConnectionID]; ok {
		if existing.UserID == identity.UserID {
			r.sessions[existing.UserID].LastActivity = now
			return false
		}
		r.Unregister(identity.ConnectionID)
	}

	if identity.AuthenticatedAt.IsZero() {
		identity.AuthenticatedAt = now
	}
	r.identities[identity.ConnectionID] = identity

	session, ok := r.sessions[identity.UserID]
	if !ok {
		r.sessions[identity.UserID] = &UserSession{
			UserID:          identity.UserID,
			DisplayName:     identity.DisplayName,
			Email:           identity.Email,
			Connections:     map[string]struct{}{identity.ConnectionID: {}},
			AuthenticatedAt: now,
			LastActivity:    now,
		}
		return true
	}
	session.Connections[identity.ConnectionID] = struct{}{}
	if identity.DisplayName != "" {
		session.DisplayName = identity.DisplayName
	}
	if identity.Email != "" {
		session.Email = identity.Email
	}
	session.LastActivity = now
	return false
}

// Heartbeat refreshes the owning session's activity. Unknown connections are ignored.
func (r *SessionRegistry) Heartbeat(connectionID string) bool {
	identity, ok := r.identities[connectionID]
	if !ok {
		return false
	}
	r.sessions[identity.UserID].LastActivity = r.clock()
	return true
}

// Unregister detaches the connection and drops the session with its last connection.
// It reports the owning user and whether that user went offline.
func (r *SessionRegistry) Unregister(connectionID string) (userID string, offline bool, ok bool) {
	identity, ok := r.identities[connectionID]
	if !ok {
		return "", false, false
	}
	delete(r.identities, connectionID)

	session := r.sessions[identity.UserID]
	delete(session.Connections, connectionID)
	if len(session.Connections) == 0 {
		delete(r.sessions, identity.UserID)
		return identity.UserID, true, true
	}
	return identity.UserID, false, true
}

// Identity returns the identity bound to a live connection.
func (r *SessionRegistry) Identity(connectionID string) (Identity, bool) {
	identity, ok := r.identities[connectionID]
	return identity, ok
}

// Online returns the snapshot for one user.
func (r *SessionRegistry) Online(userID string) (OnlineUser, bool) {
	session, ok := r.sessions[userID]
	if !ok {
		return OnlineUser{}, false
	}
	return session.snapshot(), true
}

// Connections lists the user's live connection ids in stable order.
func (r *SessionRegistry) Connections(userID string) []string {
	session, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	return sortedKeys(session.Connections)
}

// AllConnections lists every registered connection id.
func (r *SessionRegistry) AllConnections() []string {
	ids := make([]string, 0, len(r.identities))
	for id := range r.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IdleConnections lists connections whose session has been quiet since before cutoff.
func (r *SessionRegistry) IdleConnections(cutoff time.Time) []string {
	var ids []string
	for _, session := range r.sessions {
		if session.LastActivity.Before(cutoff) {
			ids = append(ids, sortedKeys(session.Connections)...)
		}
	}
	sort.Strings(ids)
	return ids
}

// ListOnline snapshots every session ordered by user id.
func (r *SessionRegistry) ListOnline() []OnlineUser {
	users := make([]OnlineUser, 0, len(r.sessions))
	for _, session := range r.sessions {
		users = append(users, session.snapshot())
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].UserID < users[j].UserID
	})
	return users
}

// Len reports the number of online users.
func (r *SessionRegistry) Len() int {
	return len(r.sessions)
}

func (s *UserSession) snapshot() OnlineUser {
	return OnlineUser{
		UserID:                s.UserID,
		DisplayName:           s.DisplayName,
		Email:                 s.Email,
		ActiveConnectionCount: len(s.Connections),
		LastActivity:          s.LastActivity,
		IsOnline:              len(s.Connections) > 0,
	}
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
