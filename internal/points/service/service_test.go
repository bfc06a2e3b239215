package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"github.com/smallbiznis/chatpoints/internal/clock"
	"github.com/smallbiznis/chatpoints/internal/config"
	obsmetrics "github.com/smallbiznis/chatpoints/internal/observability/metrics"
	pointsdomain "github.com/smallbiznis/chatpoints/internal/points/domain"
	"github.com/smallbiznis/chatpoints/internal/streamsession"
	"github.com/smallbiznis/chatpoints/internal/testutil"
	"github.com/smallbiznis/chatpoints/internal/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	testUserID    = int64(42)
	testSessionID = snowflake.ID(1001)
)

type fixture struct {
	svc   *Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func newFixture(t *testing.T, policy config.PointsPolicy) *fixture {
	t.Helper()
	conn := testutil.NewDB(t)
	clk := clock.NewFakeClock(baseTime)
	svc := newService(ServiceParam{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   testutil.NewNode(t),
		Clock:   clk,
		Policy:  config.StaticPointsPolicy(policy),
		Metrics: obsmetrics.NewWorkerMetricsForTest(prometheus.NewRegistry()),
	})
	return &fixture{svc: svc, db: conn, clock: clk}
}

// seed creates the chatter and a session that has been live for liveFor.
func (f *fixture) seed(t *testing.T, liveFor time.Duration) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.db.Create(&user.User{
		ID: testUserID, Username: "alice", CreatedAt: now, UpdatedAt: now,
	}).Error)
	require.NoError(t, f.db.Create(&streamsession.StreamSession{
		ID: testSessionID, BroadcasterID: 7, StartedAt: now.Add(-liveFor), CreatedAt: now, UpdatedAt: now,
	}).Error)
}

func (f *fixture) award(t *testing.T, messageID string, badges ...string) pointsdomain.AwardResult {
	t.Helper()
	sessionID := testSessionID
	res, err := f.svc.AwardPoint(context.Background(), pointsdomain.AwardRequest{
		UserID:          testUserID,
		StreamSessionID: &sessionID,
		MessageID:       messageID,
		Badges:          badges,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) totals(t *testing.T) (points int64, history int64) {
	t.Helper()
	agg, err := f.svc.GetAggregate(context.Background(), testUserID)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&pointsdomain.PointHistory{}).Count(&history).Error)
	return agg.TotalPoints, history
}

func TestAwardPointOfflineWritesNothing(t *testing.T) {
	f := newFixture(t, config.DefaultPointsPolicy())
	f.seed(t, time.Hour)

	res, err := f.svc.AwardPoint(context.Background(), pointsdomain.AwardRequest{
		UserID:    testUserID,
		MessageID: "m1",
	})
	require.NoError(t, err)
	assert.False(t, res.Awarded)
	assert.Equal(t, pointsdomain.ReasonOffline, res.Reason)

	var aggregates int64
	require.NoError(t, f.db.Model(&pointsdomain.UserPoints{}).Count(&aggregates).Error)
	assert.Zero(t, aggregates)
	_, history := f.totals(t)
	assert.Zero(t, history)
}

func TestAwardPointIsIdempotentSequential(t *testing.T) {
	f := newFixture(t, config.DefaultPointsPolicy())
	f.seed(t, time.Hour)

	first := f.award(t, "m1")
	assert.True(t, first.Awarded)
	assert.Equal(t, int64(1), first.PointsEarned)

	f.clock.Advance(10 * time.Minute)
	second := f.award(t, "m1")
	assert.False(t, second.Awarded)
	assert.Equal(t, pointsdomain.ReasonAlreadyProcessed, second.Reason)

	points, history := f.totals(t)
	assert.Equal(t, int64(1), points)
	assert.Equal(t, int64(1), history)
}

func TestAwardPointIsIdempotentConcurrent(t *testing.T) {
	f := newFixture(t, config.DefaultPointsPolicy())
	f.seed(t, time.Hour)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		awarded int
		reasons = map[pointsdomain.Reason]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessionID := testSessionID
			res, err := f.svc.AwardPoint(context.Background(), pointsdomain.AwardRequest{
				UserID:          testUserID,
				StreamSessionID: &sessionID,
				MessageID:       "m1",
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				reasons[pointsdomain.ReasonError]++
				return
			}
			if res.Awarded {
				awarded++
				return
			}
			reasons[res.Reason]++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, awarded)
	assert.Zero(t, reasons[pointsdomain.ReasonError])
	points, history := f.totals(t)
	assert.Equal(t, int64(1), points)
	assert.Equal(t, int64(1), history)
}

func TestAwardPointRateLimitWindow(t *testing.T) {
	f := newFixture(t, config.DefaultPointsPolicy())
	f.seed(t, time.Hour)

	require.True(t, f.award(t, "m1").Awarded)

	f.clock.Advance(4*time.Minute + 59*time.Second)
	limited := f.award(t, "m2")
	assert.False(t, limited.Awarded)
	assert.Equal(t, pointsdomain.ReasonRateLimited, limited.Reason)
	assert.Equal(t, time.Second, limited.Cooldown)

	f.clock.Advance(2 * time.Second)
	assert.True(t, f.award(t, "m3").Awarded)

	points, history := f.totals(t)
	assert.Equal(t, int64(2), points)
	assert.Equal(t, int64(2), history)
}

func TestAwardPointWarmUp(t *testing.T) {
	cases := []struct {
		name    string
		liveFor time.Duration
		awarded bool
	}{
		{name: "nine minutes", liveFor: 9 * time.Minute, awarded: false},
		{name: "eleven minutes", liveFor: 11 * time.Minute, awarded: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, config.DefaultPointsPolicy())
			f.seed(t, tc.liveFor)

			res := f.award(t, "m1")
			assert.Equal(t, tc.awarded, res.Awarded)
			if !tc.awarded {
				assert.Equal(t, pointsdomain.ReasonWarmingUp, res.Reason)
			}
		})
	}
}

func TestAwardPointRejections(t *testing.T) {
	t.Run("user not found", func(t *testing.T) {
		f := newFixture(t, config.DefaultPointsPolicy())
		res := f.award(t, "m1")
		assert.Equal(t, pointsdomain.ReasonUserNotFound, res.Reason)
	})

	t.Run("user disconnected", func(t *testing.T) {
		f := newFixture(t, config.DefaultPointsPolicy())
		f.seed(t, time.Hour)
		require.NoError(t, f.db.Model(&user.User{}).Where("id = ?", testUserID).
			Update("disconnected_at", f.clock.Now()).Error)
		assert.Equal(t, pointsdomain.ReasonUserDisconnected, f.award(t, "m1").Reason)
	})

	t.Run("session not found", func(t *testing.T) {
		f := newFixture(t, config.DefaultPointsPolicy())
		now := f.clock.Now()
		require.NoError(t, f.db.Create(&user.User{ID: testUserID, Username: "alice", CreatedAt: now, UpdatedAt: now}).Error)
		assert.Equal(t, pointsdomain.ReasonSessionNotFound, f.award(t, "m1").Reason)
	})

	t.Run("session ended", func(t *testing.T) {
		f := newFixture(t, config.DefaultPointsPolicy())
		f.seed(t, time.Hour)
		require.NoError(t, f.db.Model(&streamsession.StreamSession{}).Where("id = ?", testSessionID).
			Update("ended_at", f.clock.Now()).Error)
		assert.Equal(t, pointsdomain.ReasonSessionEnded, f.award(t, "m1").Reason)
	})

	t.Run("missing message id", func(t *testing.T) {
		f := newFixture(t, config.DefaultPointsPolicy())
		sessionID := testSessionID
		res, err := f.svc.AwardPoint(context.Background(), pointsdomain.AwardRequest{
			UserID: testUserID, StreamSessionID: &sessionID,
		})
		assert.ErrorIs(t, err, pointsdomain.ErrInvalidMessageID)
		assert.Equal(t, pointsdomain.ReasonError, res.Reason)
	})
}

func TestAwardPointSubscriberRate(t *testing.T) {
	policy := config.DefaultPointsPolicy()
	policy.SubscriberPointsPerMessage = 2
	f := newFixture(t, policy)
	f.seed(t, time.Hour)

	res := f.award(t, "m1", "Subscriber")
	require.True(t, res.Awarded)
	assert.Equal(t, int64(2), res.PointsEarned)

	points, _ := f.totals(t)
	assert.Equal(t, int64(2), points)
}

func TestAwardEmotesAccumulates(t *testing.T) {
	f := newFixture(t, config.DefaultPointsPolicy())
	ctx := context.Background()

	emotes := []chatevent.Emote{
		{EmoteID: "1", Positions: []chatevent.Position{{Start: 0, End: 4}, {Start: 6, End: 10}}},
		{EmoteID: "2", Positions: []chatevent.Position{{Start: 12, End: 15}}},
	}
	n, err := f.svc.AwardEmotes(ctx, testUserID, emotes)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = f.svc.AwardEmotes(ctx, testUserID, emotes[:1])
	require.NoError(t, err)

	agg, err := f.svc.GetAggregate(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), agg.TotalEmotes)
	assert.Zero(t, agg.TotalPoints)

	n, err = f.svc.AwardEmotes(ctx, testUserID, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetAggregateDefaultsToZero(t *testing.T) {
	f := newFixture(t, config.DefaultPointsPolicy())
	agg, err := f.svc.GetAggregate(context.Background(), 777)
	require.NoError(t, err)
	assert.Equal(t, int64(777), agg.UserID)
	assert.Zero(t, agg.TotalPoints)
}

func TestManyMessagesOnlyFirstInWindowEarns(t *testing.T) {
	f := newFixture(t, config.DefaultPointsPolicy())
	f.seed(t, time.Hour)

	awarded := 0
	for i := 0; i < 5; i++ {
		if f.award(t, fmt.Sprintf("burst-%d", i)).Awarded {
			awarded++
		}
		f.clock.Advance(30 * time.Second)
	}
	assert.Equal(t, 1, awarded)
}
