package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
)

// Reason explains why an award was not made. Rejections are results, not
// errors; only ReasonError comes with a non-nil error.
type Reason string

const (
	ReasonOffline          Reason = "offline"
	ReasonUserNotFound     Reason = "user_not_found"
	ReasonUserDisconnected Reason = "user_disconnected"
	ReasonSessionNotFound  Reason = "session_not_found"
	ReasonSessionEnded     Reason = "session_ended"
	ReasonWarmingUp        Reason = "session_warming_up"
	ReasonAlreadyProcessed Reason = "already_processed"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonError            Reason = "error"
)

type AwardRequest struct {
	UserID          int64
	StreamSessionID *snowflake.ID
	MessageID       string
	Badges          []string
}

type AwardResult struct {
	Awarded      bool
	PointsEarned int64
	Reason       Reason
	// Cooldown is the time left in the rate limit window when Reason is
	// ReasonRateLimited.
	Cooldown time.Duration
}

type Service interface {
	AwardPoint(ctx context.Context, req AwardRequest) (AwardResult, error)
	AwardEmotes(ctx context.Context, userID int64, emotes []chatevent.Emote) (int64, error)
	GetAggregate(ctx context.Context, userID int64) (UserPoints, error)
}

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidMessageID = errors.New("invalid_message_id")
)
