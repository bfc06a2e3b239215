// Package user keeps the local copy of chatters seen on the platform.
package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"github.com/smallbiznis/chatpoints/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound = errors.New("user_not_found")
	ErrInvalidUser  = errors.New("invalid_user")
)

// User ids are the platform's numeric user ids.
type User struct {
	ID                int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Username          string     `gorm:"type:text;not null" json:"username"`
	ProfilePictureURL string     `gorm:"type:text;not null" json:"profile_picture_url"`
	ColorTag          string     `gorm:"type:text;not null" json:"color_tag"`
	IsVerified        bool       `gorm:"not null" json:"is_verified"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
	CreatedAt         time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"not null" json:"updated_at"`
}

func (User) TableName() string { return "users" }

// IsDisconnected reports an explicit disconnect. A user who never linked an
// account is not disconnected.
func (u User) IsDisconnected() bool {
	return u.DisconnectedAt != nil
}

// FindByID loads a user on the given handle; nil means not found.
func FindByID(ctx context.Context, db *gorm.DB, id int64) (*User, error) {
	var u User
	err := db.WithContext(ctx).Where("id = ?", id).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("user.service"),
		clock: p.Clock,
	}
}

// EnsureFromSender creates the chatter or refreshes their profile fields.
// It never clears or sets disconnected_at.
func (s *Service) EnsureFromSender(ctx context.Context, sender chatevent.Sender) (*User, error) {
	if sender.ExternalUserID <= 0 || strings.TrimSpace(sender.Username) == "" {
		return nil, ErrInvalidUser
	}

	now := s.clock.Now()
	u := User{
		ID:                sender.ExternalUserID,
		Username:          strings.TrimSpace(sender.Username),
		ProfilePictureURL: sender.ProfilePictureURL,
		ColorTag:          sender.ColorTag,
		IsVerified:        sender.IsVerified,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"username", "profile_picture_url", "color_tag", "is_verified", "updated_at",
			}),
		}).
		Create(&u).Error
	if err != nil {
		return nil, fmt.Errorf("ensure user %d: %w", sender.ExternalUserID, err)
	}

	stored, err := FindByID(ctx, s.db, sender.ExternalUserID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrUserNotFound
	}
	return stored, nil
}

func (s *Service) GetByID(ctx context.Context, id int64) (*User, error) {
	u, err := FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// SetDisconnected marks or clears an explicit disconnect.
func (s *Service) SetDisconnected(ctx context.Context, id int64, disconnected bool) error {
	now := s.clock.Now()
	var value any
	if disconnected {
		value = now
	}
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", id).
		Updates(map[string]any{"disconnected_at": value, "updated_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	if disconnected {
		s.log.Info("user.disconnected", zap.Int64("user_id", id))
	}
	return nil
}

var Module = fx.Module("user.service",
	fx.Provide(NewService),
)
