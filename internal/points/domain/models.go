// Package domain contains the authoritative point ledger models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UserPoints is the per-user aggregate. Its row is the unit of mutual
// exclusion for concurrent awards to the same user.
type UserPoints struct {
	UserID            int64      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	TotalPoints       int64      `gorm:"not null" json:"total_points"`
	TotalEmotes       int64      `gorm:"not null" json:"total_emotes"`
	LastPointEarnedAt *time.Time `json:"last_point_earned_at,omitempty"`
	CreatedAt         time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"not null" json:"updated_at"`
}

func (UserPoints) TableName() string { return "user_points" }

// PointHistory records one award. message_id is unique: a message earns at
// most once.
type PointHistory struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID          int64        `gorm:"not null" json:"user_id"`
	StreamSessionID snowflake.ID `gorm:"not null" json:"stream_session_id"`
	PointsEarned    int64        `gorm:"not null" json:"points_earned"`
	MessageID       string       `gorm:"type:text;not null" json:"message_id"`
	EarnedAt        time.Time    `gorm:"not null" json:"earned_at"`
}

func (PointHistory) TableName() string { return "point_history" }
