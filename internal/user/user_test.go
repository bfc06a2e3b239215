package user

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"github.com/smallbiznis/chatpoints/internal/clock"
	"github.com/smallbiznis/chatpoints/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewService(Params{DB: testutil.NewDB(t), Log: zap.NewNop(), Clock: clk}), clk
}

func TestEnsureFromSenderCreatesThenRefreshes(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	created, err := svc.EnsureFromSender(ctx, chatevent.Sender{ExternalUserID: 42, Username: "alice", ColorTag: "#fff"})
	require.NoError(t, err)
	assert.Equal(t, "alice", created.Username)
	assert.False(t, created.IsDisconnected())

	clk.Advance(time.Minute)
	updated, err := svc.EnsureFromSender(ctx, chatevent.Sender{ExternalUserID: 42, Username: "alice2", IsVerified: true})
	require.NoError(t, err)
	assert.Equal(t, "alice2", updated.Username)
	assert.True(t, updated.IsVerified)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
}

func TestEnsureFromSenderKeepsDisconnect(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.EnsureFromSender(ctx, chatevent.Sender{ExternalUserID: 42, Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, svc.SetDisconnected(ctx, 42, true))

	again, err := svc.EnsureFromSender(ctx, chatevent.Sender{ExternalUserID: 42, Username: "alice"})
	require.NoError(t, err)
	assert.True(t, again.IsDisconnected())

	require.NoError(t, svc.SetDisconnected(ctx, 42, false))
	got, err := svc.GetByID(ctx, 42)
	require.NoError(t, err)
	assert.False(t, got.IsDisconnected())
}

func TestEnsureFromSenderRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.EnsureFromSender(context.Background(), chatevent.Sender{ExternalUserID: 0, Username: "x"})
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestGetByIDMissing(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetByID(context.Background(), 5)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, svc.SetDisconnected(context.Background(), 5, true), ErrUserNotFound)
}
