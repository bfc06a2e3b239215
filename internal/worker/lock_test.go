package worker

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/chatpoints/internal/config"
	"github.com/smallbiznis/chatpoints/internal/ratelimit"
	"github.com/smallbiznis/chatpoints/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisLockIsExclusive(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	locker := ratelimit.NewLocker(client)
	ctx := context.Background()

	a := NewRedisLock(locker, "worker:lock:test", 10*time.Second)
	b := NewRedisLock(locker, "worker:lock:test", 10*time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, a.IsHeld())

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, b.IsHeld())

	require.NoError(t, a.Heartbeat(ctx))
	require.NoError(t, a.Release(ctx))
	assert.False(t, a.IsHeld())

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockHeartbeatDetectsExpiredLease(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	locker := ratelimit.NewLocker(client)
	ctx := context.Background()

	a := NewRedisLock(locker, "worker:lock:test", 5*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(6 * time.Second)

	b := NewRedisLock(locker, "worker:lock:test", 5*time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, a.Heartbeat(ctx), ErrLockLost)
	assert.False(t, a.IsHeld())

	// The stale holder must not release the new lease.
	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Heartbeat(ctx))
	assert.True(t, b.IsHeld())
}

func TestRedisLockHeartbeatExtendsLease(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	locker := ratelimit.NewLocker(client)
	ctx := context.Background()

	a := NewRedisLock(locker, "worker:lock:test", 5*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		srv.FastForward(3 * time.Second)
		require.NoError(t, a.Heartbeat(ctx))
	}
	assert.True(t, srv.Exists("worker:lock:test"))
}

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLock()

	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, l.Heartbeat(ctx))

	require.NoError(t, l.Release(ctx))
	assert.ErrorIs(t, l.Heartbeat(ctx), ErrLockLost)
}

func TestProvideLock(t *testing.T) {
	db := testutil.NewDB(t)
	client, _ := testutil.NewRedis(t)

	cases := []struct {
		name    string
		backend string
		locker  *ratelimit.Locker
		want    string
		wantErr bool
	}{
		{name: "postgres on sqlite falls back", backend: "postgres", want: LockBackendLocal},
		{name: "empty defaults to postgres", backend: "", want: LockBackendLocal},
		{name: "redis", backend: "redis", locker: ratelimit.NewLocker(client), want: LockBackendRedis},
		{name: "redis without client", backend: "redis", wantErr: true},
		{name: "local", backend: "LOCAL", want: LockBackendLocal},
		{name: "unknown", backend: "zookeeper", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Config{Worker: config.WorkerConfig{LockBackend: tc.backend, LockKey: 1}}
			lock, err := ProvideLock(LockParams{DB: db, Config: cfg, Log: zap.NewNop(), Locker: tc.locker})
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, lock.Name())
		})
	}
}

func TestProvideLockRedisKey(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	cfg := config.Config{Worker: config.WorkerConfig{LockBackend: LockBackendRedis, LockKey: 7305001}}
	lock, err := ProvideLock(LockParams{DB: testutil.NewDB(t), Config: cfg, Log: zap.NewNop(), Locker: ratelimit.NewLocker(client)})
	require.NoError(t, err)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, srv.Exists("chat:worker:lock:7305001"))
}
