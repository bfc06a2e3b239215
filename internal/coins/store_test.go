package coins

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatpoints/internal/clock"
	"github.com/smallbiznis/chatpoints/internal/config"
	"github.com/smallbiznis/chatpoints/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *Hub) {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	hub := NewHub()
	store := NewStore(Params{
		Client: client,
		Log:    zap.NewNop(),
		Clock:  clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Policy: config.StaticPointsPolicy(config.DefaultPointsPolicy()),
		Hub:    hub,
	})
	return store, hub
}

func TestAwardCoinsFastUpdatesAllViews(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	res, err := store.AwardCoinsFast(ctx, FastAwardRequest{UserID: 42, Amount: 3, SessionID: 7, MessageID: "m1"})
	require.NoError(t, err)
	assert.True(t, res.Awarded)
	assert.Equal(t, int64(3), res.NewBalance)

	balance, err := store.GetBalance(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)

	earned, err := store.GetSessionEarnings(ctx, 7, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(3), earned)

	board, err := store.GetSessionLeaderboard(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, LeaderboardEntry{Rank: 1, UserID: 42, Score: 3}, board[0])

	amount, ok, err := store.GetMessageAward(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), amount)
}

func TestAwardCoinsFastRateLimited(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.AwardCoinsFast(ctx, FastAwardRequest{UserID: 42, Amount: 1, SessionID: 7})
	require.NoError(t, err)

	res, err := store.AwardCoinsFast(ctx, FastAwardRequest{UserID: 42, Amount: 1, SessionID: 7})
	require.NoError(t, err)
	assert.False(t, res.Awarded)
	assert.Equal(t, ReasonRateLimited, res.Reason)

	balance, err := store.GetBalance(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
}

func TestAwardCoinsFastRateLimitExpires(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	store := NewStore(Params{
		Client: client,
		Log:    zap.NewNop(),
		Policy: config.StaticPointsPolicy(config.DefaultPointsPolicy()),
	})
	ctx := context.Background()

	_, err := store.AwardCoinsFast(ctx, FastAwardRequest{UserID: 42, Amount: 1, SessionID: 7})
	require.NoError(t, err)

	srv.FastForward(5*time.Minute + time.Second)
	res, err := store.AwardCoinsFast(ctx, FastAwardRequest{UserID: 42, Amount: 1, SessionID: 7})
	require.NoError(t, err)
	assert.True(t, res.Awarded)
	assert.Equal(t, int64(2), res.NewBalance)
}

func TestAwardCoinsFastFailureLeavesNoPartialWrites(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	store := NewStore(Params{
		Client: client,
		Log:    zap.NewNop(),
		Policy: config.StaticPointsPolicy(config.DefaultPointsPolicy()),
	})
	ctx := context.Background()
	require.NoError(t, srv.Set(balanceKey(42), "abc"))

	_, err := store.AwardCoinsFast(ctx, FastAwardRequest{UserID: 42, Amount: 3, SessionID: 7, MessageID: "m1"})
	require.Error(t, err)

	earned, err := store.GetSessionEarnings(ctx, 7, 42)
	require.NoError(t, err)
	assert.Zero(t, earned)
	board, err := store.GetSessionLeaderboard(ctx, 7, 10)
	require.NoError(t, err)
	assert.Empty(t, board)
	_, ok, err := store.GetMessageAward(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, srv.Exists(rateLimitKey(42)), "failed award must not hold the rate limit gate")

	// Once the key is repaired the next award goes through.
	require.NoError(t, srv.Set(balanceKey(42), "10"))
	res, err := store.AwardCoinsFast(ctx, FastAwardRequest{UserID: 42, Amount: 3, SessionID: 7, MessageID: "m2"})
	require.NoError(t, err)
	assert.True(t, res.Awarded)
	assert.Equal(t, int64(13), res.NewBalance)

	board, err = store.GetSessionLeaderboard(ctx, 7, 10)
	require.NoError(t, err)
	assert.Equal(t, []LeaderboardEntry{{Rank: 1, UserID: 42, Score: 3}}, board)
}

func TestAwardCoinsFastRejectsWrongTypeLeaderboard(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	store := NewStore(Params{
		Client: client,
		Log:    zap.NewNop(),
		Policy: config.StaticPointsPolicy(config.DefaultPointsPolicy()),
	})
	ctx := context.Background()
	require.NoError(t, srv.Set(leaderboardKey(7), "not a zset"))

	_, err := store.AwardCoinsFast(ctx, FastAwardRequest{UserID: 42, Amount: 3, SessionID: 7})
	require.Error(t, err)

	balance, err := store.GetBalance(ctx, 42)
	require.NoError(t, err)
	assert.Zero(t, balance)
	assert.False(t, srv.Exists(rateLimitKey(42)))
}

func TestAwardCoinsFastRejectsInvalidAmount(t *testing.T) {
	store, _ := newTestStore(t)
	res, err := store.AwardCoinsFast(context.Background(), FastAwardRequest{UserID: 42, Amount: 0, SessionID: 7})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidAmount, res.Reason)

	balance, err := store.GetBalance(context.Background(), 42)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestLeaderboardOrdersByScore(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	awards := []struct {
		user   int64
		amount int64
	}{{1, 5}, {2, 9}, {3, 1}}
	for _, a := range awards {
		_, err := store.AwardCoinsFast(ctx, FastAwardRequest{UserID: a.user, Amount: a.amount, SessionID: snowflake.ID(7)})
		require.NoError(t, err)
	}

	board, err := store.GetSessionLeaderboard(ctx, 7, 2)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, int64(2), board[0].UserID)
	assert.Equal(t, int64(1), board[1].UserID)

	_, err = store.GetSessionLeaderboard(ctx, 7, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestAwardPublishesToSubscribers(t *testing.T) {
	store, hub := newTestStore(t)
	sub, backlog, err := hub.Subscribe(7)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, backlog)

	_, err = store.AwardCoinsFast(context.Background(), FastAwardRequest{UserID: 42, Amount: 3, SessionID: 7})
	require.NoError(t, err)

	select {
	case award := <-sub.Events():
		assert.Equal(t, int64(42), award.UserID)
		assert.Equal(t, int64(3), award.SessionScore)
	case <-time.After(time.Second):
		t.Fatal("expected live award")
	}
}

func TestGetMessageAwardMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, ok, err := store.GetMessageAward(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}
