package service

import (
	"context"
	"math"
	"time"

	"github.com/smallbiznis/chatpoints/pkg/db"
)

// RetryPolicy retries transient storage failures with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     400 * time.Millisecond,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaults.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	return p
}

// NextDelay returns the wait after the given 1-indexed attempt.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn until it succeeds, fails permanently, or the attempt budget
// is spent. onRetry is called before each backoff sleep.
func (p RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !db.IsTransientErr(err) || attempt == p.MaxAttempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
