package realtime

import "time"

// EditingSession marks that a connection is actively editing a spark.
// Sessions are advisory: any number may exist for the same spark.
type EditingSession struct {
	DocumentID   string
	ConnectionID string
	UserID       string
	DisplayName  string
	StartedAt    time.Time
}

type editingKey struct {
	documentID   string
	connectionID string
}

// StartEditing records the session and tells the rest of the room. It never refuses
// a start because another connection is already editing the same spark.
func (m *RoomManager) StartEditing(roomID, documentID, connectionID string, emit emitFunc) bool {
	if documentID == "" {
		return false
	}
	room, entry, ok := m.lookup(roomID, connectionID)
	if !ok {
		return false
	}
	key := editingKey{documentID: documentID, connectionID: connectionID}
	session, exists := room.editing[key]
	if !exists {
		session = &EditingSession{
			DocumentID:   documentID,
			ConnectionID: connectionID,
			UserID:       entry.UserID,
			DisplayName:  entry.DisplayName,
			StartedAt:    m.clock(),
		}
		room.editing[key] = session
	}
	emit(room.others(connectionID), Envelope{
		Event: EventSparkEditingStarted,
		Data:  session.notice(room.ID),
	})
	return true
}

// EndEditing removes the session if present. Ending an unknown session is a no-op,
// so duplicate end events broadcast once.
func (m *RoomManager) EndEditing(roomID, documentID, connectionID string, emit emitFunc) bool {
	room, _, ok := m.lookup(roomID, connectionID)
	if !ok {
		return false
	}
	key := editingKey{documentID: documentID, connectionID: connectionID}
	session, exists := room.editing[key]
	if !exists {
		return false
	}
	delete(room.editing, key)
	emit(room.others(connectionID), Envelope{
		Event: EventSparkEditingEnded,
		Data:  session.notice(room.ID),
	})
	return true
}

// Editors lists the sessions open on documentID within roomID.
func (m *RoomManager) Editors(roomID, documentID string) []EditingSession {
	room, ok := m.rooms[normalizeRoomID(roomID)]
	if !ok {
		return nil
	}
	var sessions []EditingSession
	for _, session := range room.editingSessions() {
		if session.DocumentID == documentID {
			sessions = append(sessions, *session)
		}
	}
	return sessions
}

// endAllEditing ends every session the connection holds in room, broadcasting
// spark_editing_ended to the remaining members for each.
func (m *RoomManager) endAllEditing(room *Room, connectionID string, emit emitFunc) {
	for _, session := range room.editingSessions() {
		if session.ConnectionID != connectionID {
			continue
		}
		delete(room.editing, editingKey{documentID: session.DocumentID, connectionID: connectionID})
		emit(room.others(connectionID), Envelope{
			Event: EventSparkEditingEnded,
			Data:  session.notice(room.ID),
		})
	}
}

func (s *EditingSession) notice(roomID string) EditingNotice {
	return EditingNotice{
		RoomID:       roomID,
		SparkID:      s.DocumentID,
		UserID:       s.UserID,
		Username:     s.DisplayName,
		ConnectionID: s.ConnectionID,
		StartedAt:    s.StartedAt,
	}
}
