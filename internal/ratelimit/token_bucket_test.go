package ratelimit

import (
	"context"
	"testing"

	"github.com/smallbiznis/chatpoints/internal/config"
	"github.com/smallbiznis/chatpoints/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketExhaustsBurst(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "bucket:a", 0.001, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
	}

	res, err := bucket.Allow(ctx, "bucket:a", 0.001, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Limit)
	assert.Greater(t, res.RetryAfter.Seconds(), float64(0))

	other, err := bucket.Allow(ctx, "bucket:b", 0.001, 3)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestTokenBucketRejectsBadParams(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	bucket := NewTokenBucket(client)

	_, err := bucket.Allow(context.Background(), "", 1, 1)
	assert.Error(t, err)
	_, err = bucket.Allow(context.Background(), "k", 0, 1)
	assert.Error(t, err)
	_, err = bucket.Allow(context.Background(), "k", 1, 0)
	assert.Error(t, err)
}

func TestWebhookLimiterDisabledAllowsAll(t *testing.T) {
	limiter, err := NewWebhookLimiter(config.Config{}, nil)
	require.NoError(t, err)
	assert.False(t, limiter.Enabled())

	res, err := limiter.AllowBroadcaster(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestWebhookLimiterPerBroadcaster(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	cfg := config.Config{Webhook: config.WebhookConfig{RateLimit: true, BroadcasterRate: 0.001, BroadcasterBurst: 1}}
	limiter, err := NewWebhookLimiter(cfg, client)
	require.NoError(t, err)

	res, err := limiter.AllowBroadcaster(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.AllowBroadcaster(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.AllowBroadcaster(context.Background(), 8)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
