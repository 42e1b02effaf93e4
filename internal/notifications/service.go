package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/spark/backend/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	errMissingID       = errors.New("notification identifier is required")
	noOpLogger         = zap.NewNop()

	// ErrNotificationNotFound indicates the notification does not exist or is not
	// addressed to the acknowledging user.
	ErrNotificationNotFound = errors.New("notifications: notification not found")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "notifications.service.new"
	opRecord       = "notifications.record"
	opAcknowledge  = "notifications.acknowledge"
	opListForUser  = "notifications.list_for_user"
	reasonDatabase = "missing_database"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the history service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores notification history. It satisfies realtime.History.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the history service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Record persists a dispatched notification with its delivery outcome.
func (s *Service) Record(ctx context.Context, notification realtime.Notification, scope realtime.Scope, status realtime.DeliveryStatus) error {
	if strings.TrimSpace(notification.ID) == "" {
		return newServiceError(opRecord, "missing_id", errMissingID)
	}
	createdAt := notification.Timestamp
	if createdAt.IsZero() {
		createdAt = s.clock()
	}
	record := Record{
		NotificationID: notification.ID,
		TargetUserID:   notification.TargetUserID,
		RoomID:         notification.RoomID,
		SenderID:       notification.SenderID,
		Scope:          string(scope),
		Kind:           notification.Type,
		Title:          notification.Title,
		Message:        notification.Message,
		Priority:       string(notification.Priority),
		PayloadJSON:    string(notification.Data),
		Delivery:       string(status),
		CreatedAt:      createdAt.UTC(),
	}
	if scope != realtime.ScopeUser {
		record.TargetUserID = ""
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opRecord, "insert_failed", err, zap.String("notification_id", notification.ID))
		return newServiceError(opRecord, "insert_failed", err)
	}
	return nil
}

// Acknowledge marks the notification as seen by userID. Repeated
// acknowledgements keep the first timestamp.
func (s *Service) Acknowledge(ctx context.Context, userID, notificationID string) error {
	userID = strings.TrimSpace(userID)
	notificationID = strings.TrimSpace(notificationID)
	if userID == "" {
		return newServiceError(opAcknowledge, "missing_user_id", errMissingUserID)
	}
	if notificationID == "" {
		return newServiceError(opAcknowledge, "missing_id", errMissingID)
	}

	var record Record
	err := s.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Where("target_user_id = ? OR scope <> ?", userID, string(realtime.ScopeUser)).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opAcknowledge, "not_found", ErrNotificationNotFound)
	}
	if err != nil {
		s.logError(opAcknowledge, "select_failed", err, zap.String("notification_id", notificationID))
		return newServiceError(opAcknowledge, "select_failed", err)
	}

	acknowledgement := Acknowledgement{
		NotificationID: notificationID,
		UserID:         userID,
		AcknowledgedAt: s.clock().UTC(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&acknowledgement).Error
	if err != nil {
		s.logError(opAcknowledge, "insert_failed", err, zap.String("notification_id", notificationID))
		return newServiceError(opAcknowledge, "insert_failed", err)
	}
	return nil
}

// ListForUser returns the newest notifications addressed to userID directly or
// broadcast to everyone, with the user's acknowledgement state.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newServiceError(opListForUser, "missing_user_id", errMissingUserID)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var records []Record
	err := s.db.WithContext(ctx).
		Where("target_user_id = ? OR scope = ?", userID, string(realtime.ScopeAll)).
		Order("created_at DESC").
		Order("notification_id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		s.logError(opListForUser, "select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListForUser, "select_failed", err)
	}
	if len(records) == 0 {
		return []Entry{}, nil
	}

	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.NotificationID)
	}
	var acknowledgements []Acknowledgement
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND notification_id IN ?", userID, ids).
		Find(&acknowledgements).Error
	if err != nil {
		s.logError(opListForUser, "acknowledgement_select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListForUser, "acknowledgement_select_failed", err)
	}
	acknowledged := make(map[string]time.Time, len(acknowledgements))
	for _, acknowledgement := range acknowledgements {
		acknowledged[acknowledgement.NotificationID] = acknowledgement.AcknowledgedAt
	}

	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		entry := Entry{
			ID:        record.NotificationID,
			Type:      record.Kind,
			Title:     record.Title,
			Message:   record.Message,
			Scope:     record.Scope,
			RoomID:    record.RoomID,
			SenderID:  record.SenderID,
			Priority:  record.Priority,
			Delivery:  record.Delivery,
			Timestamp: record.CreatedAt,
		}
		if record.PayloadJSON != "" {
			entry.Data = []byte(record.PayloadJSON)
		}
		if at, ok := acknowledged[record.NotificationID]; ok {
			entry.AcknowledgedAt = &at
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notifications service error", attrs...)
}
