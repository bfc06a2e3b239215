// Package streamsession tracks broadcast sessions and maps chat messages to
// the session they belong to.
package streamsession

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound    = errors.New("session_not_found")
	ErrInvalidBroadcaster = errors.New("invalid_broadcaster")
)

// StreamSession is one live broadcast. A nil EndedAt means the session is live.
type StreamSession struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	BroadcasterID   int64        `gorm:"not null" json:"broadcaster_id"`
	ChannelSlug     string       `gorm:"type:text;not null" json:"channel_slug"`
	SessionTitle    string       `gorm:"type:text;not null" json:"session_title"`
	StartedAt       time.Time    `gorm:"not null" json:"started_at"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
	PeakViewerCount int          `gorm:"not null" json:"peak_viewer_count"`
	TotalMessages   int64        `gorm:"not null" json:"total_messages"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null" json:"updated_at"`
}

func (StreamSession) TableName() string { return "stream_sessions" }

func (s StreamSession) IsActive() bool {
	return s.EndedAt == nil
}

// LiveFor is how long the session has been running at now.
func (s StreamSession) LiveFor(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

// Resolution is the session a chat message was attributed to.
type Resolution struct {
	SessionID snowflake.ID
	IsActive  bool
}

// FindByID loads a session on the given handle; nil means not found.
func FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*StreamSession, error) {
	var s StreamSession
	err := db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func findActive(ctx context.Context, db *gorm.DB, broadcasterID int64) (*StreamSession, error) {
	var s StreamSession
	err := db.WithContext(ctx).
		Where("broadcaster_id = ? AND ended_at IS NULL", broadcasterID).
		Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// findEndedSince returns the most recently ended session whose end is at or
// after cutoff.
func findEndedSince(ctx context.Context, db *gorm.DB, broadcasterID int64, cutoff time.Time) (*StreamSession, error) {
	var s StreamSession
	err := db.WithContext(ctx).
		Where("broadcaster_id = ? AND ended_at IS NOT NULL AND ended_at >= ?", broadcasterID, cutoff).
		Order("ended_at DESC").
		Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
