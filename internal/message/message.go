// Package message persists chat messages once the worker has processed them.
package message

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"github.com/smallbiznis/chatpoints/internal/clock"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Message is a chat message linked to a stream session.
type Message struct {
	ID                snowflake.ID                         `gorm:"primaryKey" json:"id"`
	MessageID         string                               `gorm:"type:text;not null" json:"message_id"`
	StreamSessionID   snowflake.ID                         `gorm:"not null" json:"stream_session_id"`
	SenderUserID      int64                                `gorm:"not null" json:"sender_user_id"`
	BroadcasterUserID int64                                `gorm:"not null" json:"broadcaster_user_id"`
	Content           string                               `gorm:"type:text;not null" json:"content"`
	Badges            datatypes.JSONSlice[chatevent.Badge] `gorm:"type:jsonb;not null" json:"badges"`
	Emotes            datatypes.JSONSlice[chatevent.Emote] `gorm:"type:jsonb;not null" json:"emotes"`
	SentAt            time.Time                            `gorm:"not null" json:"sent_at"`
	CreatedAt         time.Time                            `gorm:"not null" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// OfflineMessage is a chat message that arrived with no live or recent session.
type OfflineMessage struct {
	ID                snowflake.ID                         `gorm:"primaryKey" json:"id"`
	MessageID         string                               `gorm:"type:text;not null" json:"message_id"`
	SenderUserID      int64                                `gorm:"not null" json:"sender_user_id"`
	BroadcasterUserID int64                                `gorm:"not null" json:"broadcaster_user_id"`
	Content           string                               `gorm:"type:text;not null" json:"content"`
	Badges            datatypes.JSONSlice[chatevent.Badge] `gorm:"type:jsonb;not null" json:"badges"`
	Emotes            datatypes.JSONSlice[chatevent.Emote] `gorm:"type:jsonb;not null" json:"emotes"`
	SentAt            time.Time                            `gorm:"not null" json:"sent_at"`
	CreatedAt         time.Time                            `gorm:"not null" json:"created_at"`
}

func (OfflineMessage) TableName() string { return "offline_chat_messages" }

type Params struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) *Service {
	return &Service{db: p.DB, genID: p.GenID, clock: p.Clock}
}

// Save stores a session-linked message. inserted is false when the message
// id was already stored, which makes worker retries safe.
func (s *Service) Save(ctx context.Context, event chatevent.ChatEvent, sessionID snowflake.ID) (bool, error) {
	record := Message{
		ID:                s.genID.Generate(),
		MessageID:         event.MessageID,
		StreamSessionID:   sessionID,
		SenderUserID:      event.Sender.ExternalUserID,
		BroadcasterUserID: event.Broadcaster.ExternalUserID,
		Content:           event.Content,
		Badges:            badgesOf(event),
		Emotes:            emotesOf(event),
		SentAt:            event.Timestamp(),
		CreatedAt:         s.clock.Now(),
	}
	inserted, err := s.insert(ctx, &record)
	if err != nil {
		return false, fmt.Errorf("save message %s: %w", event.MessageID, err)
	}
	return inserted, nil
}

func (s *Service) SaveOffline(ctx context.Context, event chatevent.ChatEvent) (bool, error) {
	record := OfflineMessage{
		ID:                s.genID.Generate(),
		MessageID:         event.MessageID,
		SenderUserID:      event.Sender.ExternalUserID,
		BroadcasterUserID: event.Broadcaster.ExternalUserID,
		Content:           event.Content,
		Badges:            badgesOf(event),
		Emotes:            emotesOf(event),
		SentAt:            event.Timestamp(),
		CreatedAt:         s.clock.Now(),
	}
	inserted, err := s.insert(ctx, &record)
	if err != nil {
		return false, fmt.Errorf("save offline message %s: %w", event.MessageID, err)
	}
	return inserted, nil
}

func (s *Service) insert(ctx context.Context, record any) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func badgesOf(event chatevent.ChatEvent) datatypes.JSONSlice[chatevent.Badge] {
	if len(event.Sender.Badges) == 0 {
		return datatypes.JSONSlice[chatevent.Badge]{}
	}
	return datatypes.JSONSlice[chatevent.Badge](event.Sender.Badges)
}

func emotesOf(event chatevent.ChatEvent) datatypes.JSONSlice[chatevent.Emote] {
	if len(event.Emotes) == 0 {
		return datatypes.JSONSlice[chatevent.Emote]{}
	}
	return datatypes.JSONSlice[chatevent.Emote](event.Emotes)
}

var Module = fx.Module("message.service",
	fx.Provide(NewService),
)
