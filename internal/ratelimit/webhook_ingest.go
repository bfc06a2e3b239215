package ratelimit

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/chatpoints/internal/config"
)

const keyWebhookBroadcaster = "webhook:ingest:broadcaster:%d"

// WebhookLimiter caps webhook deliveries per broadcaster across all API
// replicas. A nil or disabled limiter allows everything.
type WebhookLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewWebhookLimiter(cfg config.Config, client *redis.Client) (*WebhookLimiter, error) {
	wh := cfg.Webhook
	if !wh.RateLimit {
		return &WebhookLimiter{}, nil
	}
	if wh.BroadcasterRate <= 0 || wh.BroadcasterBurst <= 0 {
		return nil, fmt.Errorf("webhook broadcaster rate limit must be positive")
	}
	return &WebhookLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    wh.BroadcasterRate,
		burst:   wh.BroadcasterBurst,
	}, nil
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *WebhookLimiter) AllowBroadcaster(ctx context.Context, broadcasterID int64) (RateLimitResult, error) {
	if !l.Enabled() {
		return RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookBroadcaster, broadcasterID), l.rate, l.burst)
}
