// Package domain contains the durable chat job model.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ChatJob is one buffered chat message waiting for authoritative processing.
// message_id is unique, so re-enqueueing a flushed batch is a no-op.
type ChatJob struct {
	ID                snowflake.ID   `gorm:"primaryKey" json:"id"`
	MessageID         string         `gorm:"type:text;not null;uniqueIndex:ux_chat_jobs_message_id" json:"message_id"`
	Payload           datatypes.JSON `gorm:"type:jsonb;not null" json:"-"`
	SenderUserID      int64          `gorm:"not null" json:"sender_user_id"`
	BroadcasterUserID int64          `gorm:"not null" json:"broadcaster_user_id"`
	StreamSessionID   *int64         `json:"stream_session_id,omitempty"`
	Status            JobStatus      `gorm:"type:text;not null" json:"status"`
	Attempts          int            `gorm:"not null" json:"attempts"`
	AvailableAt       time.Time      `gorm:"not null" json:"available_at"`
	LockedAt          *time.Time     `json:"locked_at,omitempty"`
	ProcessedAt       *time.Time     `json:"processed_at,omitempty"`
	LastError         *string        `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`
}

func (ChatJob) TableName() string { return "chat_jobs" }

// NewChatJob builds a pending job from a buffered envelope.
func NewChatJob(id snowflake.ID, env chatevent.Envelope, now time.Time) (ChatJob, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return ChatJob{}, fmt.Errorf("encode job payload: %w", err)
	}
	return ChatJob{
		ID:                id,
		MessageID:         env.Event.MessageID,
		Payload:           datatypes.JSON(payload),
		SenderUserID:      env.Event.Sender.ExternalUserID,
		BroadcasterUserID: env.Event.Broadcaster.ExternalUserID,
		StreamSessionID:   env.Event.StreamSessionID,
		Status:            StatusPending,
		AvailableAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Envelope decodes the stored payload.
func (j ChatJob) Envelope() (chatevent.Envelope, error) {
	var env chatevent.Envelope
	if err := json.Unmarshal(j.Payload, &env); err != nil {
		return chatevent.Envelope{}, fmt.Errorf("decode job %s payload: %w", j.ID, err)
	}
	return env, nil
}

type EnqueueResult struct {
	Inserted   int
	Duplicates int
	// Skipped counts envelopes without a message id.
	Skipped int
}

type FailResult struct {
	Attempts int
	Terminal bool
	RetryAt  time.Time
}

type QueueStats struct {
	Pending          int64         `json:"pending"`
	Processing       int64         `json:"processing"`
	Completed        int64         `json:"completed"`
	Failed           int64         `json:"failed"`
	OldestPendingAge time.Duration `json:"oldest_pending_age_ns"`
}

func (s QueueStats) Total() int64 {
	return s.Pending + s.Processing + s.Completed + s.Failed
}
