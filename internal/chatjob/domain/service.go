package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
)

// Queue is the durable job queue between the buffer and the worker.
type Queue interface {
	Enqueue(ctx context.Context, envelopes []chatevent.Envelope) (EnqueueResult, error)
	Claim(ctx context.Context, limit int) ([]ChatJob, error)
	Complete(ctx context.Context, id snowflake.ID) error
	Fail(ctx context.Context, id snowflake.ID, cause error) (FailResult, error)
	Stats(ctx context.Context) (QueueStats, error)
	RetryFailed(ctx context.Context, limit int) (int64, error)
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

var (
	ErrJobNotFound      = errors.New("job_not_found")
	ErrJobNotProcessing = errors.New("job_not_processing")
	ErrInvalidLimit     = errors.New("invalid_limit")
)
