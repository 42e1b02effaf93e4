package realtime

import (
	"sort"
	"time"
)

// emitFunc hands an envelope to the transport for each listed connection.
type emitFunc func(connectionIDs []string, envelope Envelope)

// PresenceEntry is one connection's membership record within a room.
type PresenceEntry struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	AvatarURL    string
	RoomID       string
	Status       Status
	LastSeen     time.Time
	Cursor       *Cursor
}

// Room holds the live presence entries and editing sessions of one scope.
type Room struct {
	ID      string
	entries map[string]*PresenceEntry
	editing map[editingKey]*EditingSession
}

// JoinRequest carries the member attributes for Join.
type JoinRequest struct {
	RoomID       string
	ConnectionID string
	UserID       string
	DisplayName  string
	AvatarURL    string
}

// RoomManager owns every room and the per-connection membership state machine
// (Unjoined -> Joined(roomID)). It is not safe for concurrent use.
type RoomManager struct {
	rooms       map[string]*Room
	memberships map[string]string
	clock       func() time.Time
}

// NewRoomManager constructs an empty manager.
func NewRoomManager(clock func() time.Time) *RoomManager {
	if clock == nil {
		clock = time.Now
	}
	return &RoomManager{
		rooms:       make(map[string]*Room),
		memberships: make(map[string]string),
		clock:       clock,
	}
}

// Join admits the connection to roomID, leaving any previously joined room first.
// Existing members receive user_joined; the joiner receives the room snapshot.
func (m *RoomManager) Join(request JoinRequest, emit emitFunc) PresenceState {
	roomID := normalizeRoomID(request.RoomID)
	if current, joined := m.memberships[request.ConnectionID]; joined {
		m.leave(current, request.ConnectionID, emit)
	}

	room, ok := m.rooms[roomID]
	if !ok {
		room = &Room{
			ID:      roomID,
			entries: make(map[string]*PresenceEntry),
			editing: make(map[editingKey]*EditingSession),
		}
		m.rooms[roomID] = room
	}

	entry := &PresenceEntry{
		ConnectionID: request.ConnectionID,
		UserID:       request.UserID,
		DisplayName:  request.DisplayName,
		AvatarURL:    request.AvatarURL,
		RoomID:       roomID,
		Status:       StatusOnline,
		LastSeen:     m.clock(),
	}
	room.entries[request.ConnectionID] = entry
	m.memberships[request.ConnectionID] = roomID

	emit(room.others(request.ConnectionID), Envelope{
		Event: EventUserJoined,
		Data:  UserJoinedPayload{User: entry.view()},
	})

	state := room.state()
	emit([]string{request.ConnectionID}, Envelope{Event: EventPresenceState, Data: state})
	return state
}

// Leave removes the connection from roomID. An empty roomID means the current room.
// Leaving a room the connection is not in is a no-op.
func (m *RoomManager) Leave(roomID, connectionID string, emit emitFunc) bool {
	current, joined := m.memberships[connectionID]
	if !joined {
		return false
	}
	if roomID != "" && normalizeRoomID(roomID) != current {
		return false
	}
	return m.leave(current, connectionID, emit)
}

func (m *RoomManager) leave(roomID, connectionID string, emit emitFunc) bool {
	delete(m.memberships, connectionID)
	room, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	entry, ok := room.entries[connectionID]
	if !ok {
		return false
	}

	m.endAllEditing(room, connectionID, emit)
	delete(room.entries, connectionID)

	emit(room.members(), Envelope{
		Event: EventUserLeft,
		Data: UserLeftPayload{
			RoomID:       roomID,
			UserID:       entry.UserID,
			ConnectionID: connectionID,
		},
	})

	if len(room.entries) == 0 {
		delete(m.rooms, roomID)
	}
	return true
}

// UpdateStatus changes the member's status and notifies the rest of the room.
func (m *RoomManager) UpdateStatus(roomID, connectionID string, status Status, emit emitFunc) bool {
	room, entry, ok := m.lookup(roomID, connectionID)
	if !ok {
		return false
	}
	entry.Status = status
	entry.LastSeen = m.clock()
	emit(room.others(connectionID), Envelope{
		Event: EventPresenceUpdated,
		Data: PresenceUpdatedPayload{
			RoomID:       room.ID,
			UserID:       entry.UserID,
			ConnectionID: connectionID,
			Status:       status,
			LastSeen:     entry.LastSeen,
		},
	})
	return true
}

// UpdateCursor records a cursor position. Off-surface coordinates hide the cursor.
func (m *RoomManager) UpdateCursor(roomID, connectionID string, x, y float64, emit emitFunc) bool {
	if isOffSurface(x, y) {
		return m.HideCursor(roomID, connectionID, emit)
	}
	room, entry, ok := m.lookup(roomID, connectionID)
	if !ok {
		return false
	}
	now := m.clock()
	entry.Cursor = &Cursor{X: x, Y: y, UpdatedAt: now}
	entry.LastSeen = now
	emit(room.others(connectionID), Envelope{
		Event: EventCursorMoved,
		Data:  entry.cursorView(),
	})
	return true
}

// HideCursor clears the member's cursor and tells peers it disappeared.
func (m *RoomManager) HideCursor(roomID, connectionID string, emit emitFunc) bool {
	room, entry, ok := m.lookup(roomID, connectionID)
	if !ok {
		return false
	}
	entry.Cursor = nil
	emit(room.others(connectionID), Envelope{
		Event: EventCursorDisappeared,
		Data: CursorDisappearedPayload{
			RoomID:       room.ID,
			UserID:       entry.UserID,
			ConnectionID: connectionID,
		},
	})
	return true
}

// ExpireCursors hides every cursor last moved before cutoff.
func (m *RoomManager) ExpireCursors(cutoff time.Time, emit emitFunc) int {
	expired := 0
	for _, roomID := range sortedKeys(m.rooms) {
		room := m.rooms[roomID]
		for _, connectionID := range room.members() {
			entry := room.entries[connectionID]
			if entry.Cursor == nil || !entry.Cursor.UpdatedAt.Before(cutoff) {
				continue
			}
			m.HideCursor(roomID, connectionID, emit)
			expired++
		}
	}
	return expired
}

// RoomOf reports the room the connection currently belongs to.
func (m *RoomManager) RoomOf(connectionID string) (string, bool) {
	roomID, ok := m.memberships[connectionID]
	return roomID, ok
}

// Members lists the connections joined to roomID.
func (m *RoomManager) Members(roomID string) []string {
	room, ok := m.rooms[normalizeRoomID(roomID)]
	if !ok {
		return nil
	}
	return room.members()
}

// Entry returns a copy of the presence entry for the connection in roomID.
func (m *RoomManager) Entry(roomID, connectionID string) (PresenceEntry, bool) {
	_, entry, ok := m.lookup(roomID, connectionID)
	if !ok {
		return PresenceEntry{}, false
	}
	copied := *entry
	if entry.Cursor != nil {
		cursor := *entry.Cursor
		copied.Cursor = &cursor
	}
	return copied, true
}

// State snapshots a room.
func (m *RoomManager) State(roomID string) (PresenceState, bool) {
	room, ok := m.rooms[normalizeRoomID(roomID)]
	if !ok {
		return PresenceState{}, false
	}
	return room.state(), true
}

// Exists reports whether the room currently has members.
func (m *RoomManager) Exists(roomID string) bool {
	_, ok := m.rooms[normalizeRoomID(roomID)]
	return ok
}

// Len reports the number of live rooms.
func (m *RoomManager) Len() int {
	return len(m.rooms)
}

// lookup resolves the connection's entry, treating an empty roomID as its current
// room and rejecting a roomID that does not match the current membership.
func (m *RoomManager) lookup(roomID, connectionID string) (*Room, *PresenceEntry, bool) {
	current, joined := m.memberships[connectionID]
	if !joined {
		return nil, nil, false
	}
	if roomID != "" && normalizeRoomID(roomID) != current {
		return nil, nil, false
	}
	room, ok := m.rooms[current]
	if !ok {
		return nil, nil, false
	}
	entry, ok := room.entries[connectionID]
	if !ok {
		return nil, nil, false
	}
	return room, entry, true
}

func (r *Room) members() []string {
	return sortedKeys(r.entries)
}

func (r *Room) others(connectionID string) []string {
	ids := make([]string, 0, len(r.entries))
	for _, id := range r.members() {
		if id != connectionID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Room) state() PresenceState {
	state := PresenceState{
		RoomID:  r.ID,
		Users:   make([]PresenceUser, 0, len(r.entries)),
		Cursors: make([]CursorPosition, 0),
		Editing: make([]EditingNotice, 0, len(r.editing)),
	}
	for _, id := range r.members() {
		entry := r.entries[id]
		state.Users = append(state.Users, entry.view())
		if entry.Cursor != nil {
			state.Cursors = append(state.Cursors, entry.cursorView())
		}
	}
	for _, session := range r.editingSessions() {
		state.Editing = append(state.Editing, session.notice(r.ID))
	}
	return state
}

func (r *Room) editingSessions() []*EditingSession {
	sessions := make([]*EditingSession, 0, len(r.editing))
	for _, session := range r.editing {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].DocumentID != sessions[j].DocumentID {
			return sessions[i].DocumentID < sessions[j].DocumentID
		}
		return sessions[i].ConnectionID < sessions[j].ConnectionID
	})
	return sessions
}

func (e *PresenceEntry) view() PresenceUser {
	user := PresenceUser{
		ConnectionID: e.ConnectionID,
		UserID:       e.UserID,
		Username:     e.DisplayName,
		AvatarURL:    e.AvatarURL,
		RoomID:       e.RoomID,
		Status:       e.Status,
		LastSeen:     e.LastSeen,
	}
	if e.Cursor != nil {
		cursor := *e.Cursor
		user.Cursor = &cursor
	}
	return user
}

func (e *PresenceEntry) cursorView() CursorPosition {
	return CursorPosition{
		ConnectionID: e.ConnectionID,
		UserID:       e.UserID,
		Username:     e.DisplayName,
		X:            e.Cursor.X,
		Y:            e.Cursor.Y,
		UpdatedAt:    e.Cursor.UpdatedAt,
	}
}

func normalizeRoomID(roomID string) string {
	if roomID == "" {
		return GlobalRoomID
	}
	return roomID
}
