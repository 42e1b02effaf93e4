package realtime

const defaultMaxQueuedPerUser = 100

// NotificationQueue holds notifications for users with no live connection.
// Entries live in memory only and are lost on restart.
type NotificationQueue struct {
	pending map[string][]Notification
	limit   int
}

// NewNotificationQueue constructs a queue keeping at most limit entries per user.
func NewNotificationQueue(limit int) *NotificationQueue {
	if limit <= 0 {
		limit = defaultMaxQueuedPerUser
	}
	return &NotificationQueue{
		pending: make(map[string][]Notification),
		limit:   limit,
	}
}

// Enqueue appends the notification to its target's queue, dropping the oldest
// entries beyond the limit. It returns how many entries were dropped.
func (q *NotificationQueue) Enqueue(notification Notification) int {
	userID := notification.TargetUserID
	queue := append(q.pending[userID], notification)
	dropped := 0
	if len(queue) > q.limit {
		dropped = len(queue) - q.limit
		queue = append([]Notification(nil), queue[dropped:]...)
	}
	q.pending[userID] = queue
	return dropped
}

// Drain returns the user's queued notifications in enqueue order and clears them.
func (q *NotificationQueue) Drain(userID string) []Notification {
	queue := q.pending[userID]
	delete(q.pending, userID)
	return queue
}

// Len reports how many notifications wait for userID.
func (q *NotificationQueue) Len(userID string) int {
	return len(q.pending[userID])
}
