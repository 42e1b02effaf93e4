package realtime

// Dispatcher routes notifications to live connections or the offline queue.
// Delivery is best effort and at most once: a connection that drops after the
// envelope was handed to its transport does not get it again.
type Dispatcher struct {
	sessions *SessionRegistry
	rooms    *RoomManager
	queue    *NotificationQueue
}

// NewDispatcher wires the dispatcher to the registry, rooms and queue it reads.
func NewDispatcher(sessions *SessionRegistry, rooms *RoomManager, queue *NotificationQueue) *Dispatcher {
	return &Dispatcher{sessions: sessions, rooms: rooms, queue: queue}
}

// SendToUser fans the notification out to every connection on the user's private
// channel, or queues it when the user has none.
func (d *Dispatcher) SendToUser(notification Notification, emit emitFunc) (DeliveryStatus, int, int) {
	connections := d.sessions.Connections(notification.TargetUserID)
	if len(connections) == 0 {
		dropped := d.queue.Enqueue(notification)
		return DeliveryQueued, 0, dropped
	}
	emit(connections, Envelope{Event: EventNotificationReceived, Data: notification})
	return DeliveryDelivered, len(connections), 0
}

// SendToRoom delivers to every connection joined to the room.
func (d *Dispatcher) SendToRoom(roomID string, notification Notification, emit emitFunc) int {
	members := d.rooms.Members(roomID)
	if len(members) > 0 {
		emit(members, Envelope{Event: EventNotificationReceived, Data: notification})
	}
	return len(members)
}

// BroadcastToAll delivers to every authenticated connection.
func (d *Dispatcher) BroadcastToAll(notification Notification, emit emitFunc) int {
	connections := d.sessions.AllConnections()
	if len(connections) > 0 {
		emit(connections, Envelope{Event: EventNotificationReceived, Data: notification})
	}
	return len(connections)
}

// Flush hands every queued notification for the user to one connection and
// empties the queue.
func (d *Dispatcher) Flush(userID, connectionID string, emit emitFunc) int {
	pending := d.queue.Drain(userID)
	if len(pending) == 0 {
		return 0
	}
	emit([]string{connectionID}, Envelope{
		Event: EventPendingNotifications,
		Data:  PendingNotificationsPayload{Notifications: pending},
	})
	return len(pending)
}
