package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/spark/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for the profile directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service keeps user profiles in step with the credentials users connect with.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Touch upserts the profile described by the claims and returns the stored row.
// Empty claim fields never overwrite stored values, so a credential without an
// avatar keeps the avatar recorded earlier.
func (s *Service) Touch(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	now := s.now().UTC()
	candidate := Profile{
		UserID:      userID,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
		LastSeenAt:  now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_seen_at":      now,
			"updated_at":        now,
			"user_email":        keepStoredWhenEmpty("user_email"),
			"user_display_name": keepStoredWhenEmpty("user_display_name"),
			"user_avatar_url":   keepStoredWhenEmpty("user_avatar_url"),
		}),
	}).Create(&candidate).Error
	if err != nil {
		return Profile{}, err
	}

	var profile Profile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error; err != nil {
		return Profile{}, err
	}

	s.cache.Store(userID, profile)
	return profile, nil
}

func keepStoredWhenEmpty(column string) clause.Expr {
	return gorm.Expr(fmt.Sprintf("COALESCE(NULLIF(excluded.%[1]s, ''), %[2]s.%[1]s)", column, Profile{}.TableName()))
}

// Lookup returns the profile for userID, reporting false when none is stored.
func (s *Service) Lookup(ctx context.Context, userID string) (Profile, bool, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, false, ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, true, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	s.cache.Store(userID, profile)
	return profile, true, nil
}
