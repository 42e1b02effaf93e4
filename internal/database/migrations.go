package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/spark/backend/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillNotificationPriority = "2024-09-01_backfill_notification_priority"
	migrationClearRoomNotificationTargets = "2024-09-15_clear_room_notification_targets"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillNotificationPriority, apply: backfillNotificationPriority},
		{name: migrationClearRoomNotificationTargets, apply: clearRoomNotificationTargets},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early history rows were written before priorities defaulted to medium.
func backfillNotificationPriority(db *gorm.DB) error {
	return db.Model(&notifications.Record{}).
		Where("priority = ''").
		Update("priority", "medium").Error
}

// Room and broadcast rows only address their audience through scope.
func clearRoomNotificationTargets(db *gorm.DB) error {
	return db.Model(&notifications.Record{}).
		Where("scope <> ? AND target_user_id <> ''", "user").
		Update("target_user_id", "").Error
}
