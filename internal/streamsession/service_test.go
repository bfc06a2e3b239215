package streamsession

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/chatpoints/internal/clock"
	"github.com/smallbiznis/chatpoints/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, cfg Config) (*Service, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(baseTime)
	return NewService(Params{
		DB:     testutil.NewDB(t),
		Log:    zap.NewNop(),
		GenID:  testutil.NewNode(t),
		Clock:  clk,
		Config: cfg,
	}), clk
}

func TestResolveActiveSession(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	session, created, err := svc.StartSession(ctx, StartRequest{BroadcasterID: 7, ChannelSlug: "My Channel", Title: "hello"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "my-channel", session.ChannelSlug)

	res, err := svc.ResolveSessionForChat(ctx, 7, baseTime.UnixMilli())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, session.ID, res.SessionID)
	assert.True(t, res.IsActive)
}

func TestResolveWithinGraceWindow(t *testing.T) {
	svc, clk := newTestService(t, DefaultConfig())
	ctx := context.Background()

	session, _, err := svc.StartSession(ctx, StartRequest{BroadcasterID: 7})
	require.NoError(t, err)
	clk.Advance(time.Hour)
	endedAt := clk.Now()
	_, err = svc.EndSession(ctx, 7, endedAt)
	require.NoError(t, err)

	cases := []struct {
		name    string
		message time.Time
		want    bool
	}{
		{name: "before end", message: endedAt.Add(-time.Minute), want: true},
		{name: "just after end", message: endedAt.Add(90 * time.Second), want: true},
		{name: "at grace edge", message: endedAt.Add(2 * time.Minute), want: true},
		{name: "past grace", message: endedAt.Add(2*time.Minute + time.Second), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := svc.ResolveSessionForChat(ctx, 7, tc.message.UnixMilli())
			require.NoError(t, err)
			if !tc.want {
				assert.Nil(t, res)
				return
			}
			require.NotNil(t, res)
			assert.Equal(t, session.ID, res.SessionID)
			assert.False(t, res.IsActive)
		})
	}
}

func TestResolveOfflineBroadcaster(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	res, err := svc.ResolveSessionForChat(context.Background(), 7, baseTime.UnixMilli())
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = svc.ResolveSessionForChat(context.Background(), 0, baseTime.UnixMilli())
	assert.ErrorIs(t, err, ErrInvalidBroadcaster)
}

func TestStartSessionIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	first, created, err := svc.StartSession(ctx, StartRequest{BroadcasterID: 7})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.StartSession(ctx, StartRequest{BroadcasterID: 7})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestStartInvalidatesCachedOffline(t *testing.T) {
	svc, _ := newTestService(t, Config{ActiveCacheTTL: time.Minute})
	ctx := context.Background()

	res, err := svc.ResolveSessionForChat(ctx, 7, baseTime.UnixMilli())
	require.NoError(t, err)
	require.Nil(t, res)

	session, _, err := svc.StartSession(ctx, StartRequest{BroadcasterID: 7})
	require.NoError(t, err)

	res, err = svc.ResolveSessionForChat(ctx, 7, baseTime.UnixMilli())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, session.ID, res.SessionID)
}

func TestEndSessionWithoutActive(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	_, err := svc.EndSession(context.Background(), 7, baseTime)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateMetadataAndCounters(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	session, _, err := svc.StartSession(ctx, StartRequest{BroadcasterID: 7, Title: "old"})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateMetadata(ctx, 7, "  new title "))
	require.NoError(t, svc.IncrementMessageCount(ctx, session.ID))
	require.NoError(t, svc.IncrementMessageCount(ctx, session.ID))

	got, err := svc.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "new title", got.SessionTitle)
	assert.Equal(t, int64(2), got.TotalMessages)

	assert.ErrorIs(t, svc.UpdateMetadata(ctx, 8, "x"), ErrSessionNotFound)
	assert.ErrorIs(t, svc.IncrementMessageCount(ctx, 12345), ErrSessionNotFound)
}
