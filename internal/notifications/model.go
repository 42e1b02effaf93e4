package notifications

import (
	"encoding/json"
	"time"
)

// Record is the durable copy of one dispatched notification.
type Record struct {
	NotificationID string    `gorm:"column:notification_id;primaryKey;size:190;not null"`
	TargetUserID   string    `gorm:"column:target_user_id;size:190;index"`
	RoomID         string    `gorm:"column:room_id;size:190;index"`
	SenderID       string    `gorm:"column:sender_id;size:190"`
	Scope          string    `gorm:"column:scope;size:16;not null"`
	Kind           string    `gorm:"column:kind;size:64;not null"`
	Title          string    `gorm:"column:title;size:512"`
	Message        string    `gorm:"column:message;type:text"`
	Priority       string    `gorm:"column:priority;size:16;not null"`
	PayloadJSON    string    `gorm:"column:payload_json;type:text"`
	Delivery       string    `gorm:"column:delivery;size:16;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index"`
}

// TableName exposes the table backing notification history.
func (Record) TableName() string {
	return "notification_records"
}

// Acknowledgement marks that a user saw a notification. Room and broadcast
// notifications collect one row per acknowledging user.
type Acknowledgement struct {
	NotificationID string    `gorm:"column:notification_id;primaryKey;size:190;not null"`
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	AcknowledgedAt time.Time `gorm:"column:acknowledged_at;not null"`
}

// TableName exposes the table backing acknowledgements.
func (Acknowledgement) TableName() string {
	return "notification_acknowledgements"
}

// Entry is a history row as seen by one user.
type Entry struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Scope          string          `json:"scope"`
	RoomID         string          `json:"roomId,omitempty"`
	SenderID       string          `json:"senderId,omitempty"`
	Priority       string          `json:"priority"`
	Data           json.RawMessage `json:"data,omitempty"`
	Delivery       string          `json:"delivery"`
	Timestamp      time.Time       `json:"timestamp"`
	AcknowledgedAt *time.Time      `json:"acknowledgedAt,omitempty"`
}
