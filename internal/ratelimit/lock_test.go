package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/chatpoints/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerExclusiveUntilReleased(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "chat:worker:lock", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "chat:worker:lock", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "chat:worker:lock", "someone-else"))
	_, ok, _ = locker.TryLock(ctx, "chat:worker:lock", time.Minute)
	assert.False(t, ok, "foreign token must not release the lock")

	require.NoError(t, locker.Release(ctx, "chat:worker:lock", token))
	_, ok, err = locker.TryLock(ctx, "chat:worker:lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerRefreshDetectsLoss(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "lease", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := locker.Refresh(ctx, "lease", token, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, 30*time.Second, srv.TTL("lease"))

	srv.FastForward(31 * time.Second)
	held, err = locker.Refresh(ctx, "lease", token, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLockerValidatesInput(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	locker := NewLocker(client)

	_, _, err := locker.TryLock(context.Background(), "", time.Second)
	assert.Error(t, err)
	_, _, err = locker.TryLock(context.Background(), "k", 0)
	assert.Error(t, err)
	assert.Nil(t, NewLocker(nil))
}
