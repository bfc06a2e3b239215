// Package coins is the optimistic fast counter store: balances and session
// leaderboards in redis, awarded at webhook time ahead of the authoritative
// point engine.
package coins

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/chatpoints/internal/clock"
	"github.com/smallbiznis/chatpoints/internal/config"
	obsmetrics "github.com/smallbiznis/chatpoints/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ReasonRateLimited   = "rate_limited"
	ReasonInvalidAmount = "invalid_amount"
)

var ErrInvalidLimit = errors.New("invalid_limit")

type FastAwardRequest struct {
	UserID    int64
	Amount    int64
	SessionID snowflake.ID
	// MessageID, when set, records the award per message for reconciliation.
	MessageID string
}

type FastAwardResult struct {
	Awarded    bool   `json:"awarded"`
	NewBalance int64  `json:"new_balance"`
	Reason     string `json:"reason,omitempty"`
}

type LeaderboardEntry struct {
	Rank   int   `json:"rank"`
	UserID int64 `json:"user_id"`
	Score  int64 `json:"score"`
}

type Config struct {
	SessionKeyTTL time.Duration
	MessageTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		SessionKeyTTL: 72 * time.Hour,
		MessageTTL:    24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.SessionKeyTTL <= 0 {
		c.SessionKeyTTL = defaults.SessionKeyTTL
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = defaults.MessageTTL
	}
	return c
}

type Params struct {
	fx.In

	Client  *redis.Client
	Log     *zap.Logger
	Clock   clock.Clock
	Policy  *config.PointsPolicyHolder
	Config  Config              `optional:"true"`
	Hub     *Hub                `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Store struct {
	client  *redis.Client
	log     *zap.Logger
	clock   clock.Clock
	policy  *config.PointsPolicyHolder
	cfg     Config
	hub     *Hub
	metrics *obsmetrics.Metrics
}

func NewStore(p Params) *Store {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Store{
		client:  p.Client,
		log:     p.Log.Named("coins.store"),
		clock:   clk,
		policy:  p.Policy,
		cfg:     p.Config.withDefaults(),
		hub:     p.Hub,
		metrics: p.Metrics,
	}
}

func balanceKey(userID int64) string {
	return "coins:balance:" + strconv.FormatInt(userID, 10)
}

func sessionUserKey(sessionID snowflake.ID, userID int64) string {
	return fmt.Sprintf("coins:session:%d:user:%d", sessionID, userID)
}

func leaderboardKey(sessionID snowflake.ID) string {
	return fmt.Sprintf("coins:session:%d:leaderboard", sessionID)
}

func messageKey(messageID string) string {
	return "coins:message:" + messageID
}

func rateLimitKey(userID int64) string {
	return "coins:ratelimit:" + strconv.FormatInt(userID, 10)
}

// awardScript gates on the per-user rate limit and applies the award to the
// balance, the session earnings and the session leaderboard. Every key is
// validated before the first write, so a failed award leaves nothing behind,
// not even the gate.
//
// KEYS: gate, balance, session user, leaderboard, [message]
// ARGV: amount, gate value, window ms, member, session ttl ms, message ttl ms
const awardScript = `
local window = tonumber(ARGV[3])

if window > 0 and redis.call("EXISTS", KEYS[1]) == 1 then
  return {0, 0, 0}
end

for i = 2, 3 do
  local v = redis.call("GET", KEYS[i])
  if v and not string.match(v, "^-?%d+$") then
    return redis.error_reply("ERR coin counter " .. KEYS[i] .. " is not an integer")
  end
end
redis.call("ZSCORE", KEYS[4], ARGV[4])

if window > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
local balance = redis.call("INCRBY", KEYS[2], ARGV[1])
redis.call("INCRBY", KEYS[3], ARGV[1])
local score = redis.call("ZINCRBY", KEYS[4], ARGV[1], ARGV[4])
redis.call("PEXPIRE", KEYS[3], ARGV[5])
redis.call("PEXPIRE", KEYS[4], ARGV[5])
if #KEYS >= 5 then
  redis.call("SET", KEYS[5], ARGV[1], "PX", ARGV[6])
end

return {1, balance, tonumber(score)}
`

var awardCoins = redis.NewScript(awardScript)

// AwardCoinsFast gates on a short per-user rate limit, then increments the
// balance, the session earnings and the session leaderboard in one script
// so the three views never diverge.
func (s *Store) AwardCoinsFast(ctx context.Context, req FastAwardRequest) (FastAwardResult, error) {
	if req.Amount <= 0 {
		s.record(ctx, false, ReasonInvalidAmount, 0)
		return FastAwardResult{Reason: ReasonInvalidAmount}, nil
	}

	window := s.policy.Get().CoinRateLimit
	now := s.clock.Now()
	keys := []string{
		rateLimitKey(req.UserID),
		balanceKey(req.UserID),
		sessionUserKey(req.SessionID, req.UserID),
		leaderboardKey(req.SessionID),
	}
	if messageID := strings.TrimSpace(req.MessageID); messageID != "" {
		keys = append(keys, messageKey(messageID))
	}

	values, err := awardCoins.Run(ctx, s.client, keys,
		req.Amount,
		now.UnixMilli(),
		window.Milliseconds(),
		strconv.FormatInt(req.UserID, 10),
		s.cfg.SessionKeyTTL.Milliseconds(),
		s.cfg.MessageTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return FastAwardResult{}, fmt.Errorf("coin award: %w", err)
	}
	if len(values) != 3 {
		return FastAwardResult{}, fmt.Errorf("coin award: unexpected reply %v", values)
	}
	if values[0] == 0 {
		s.record(ctx, false, ReasonRateLimited, 0)
		return FastAwardResult{Reason: ReasonRateLimited}, nil
	}

	s.record(ctx, true, "", req.Amount)
	s.hub.Publish(req.SessionID, LiveAward{
		SessionID:    req.SessionID.String(),
		UserID:       req.UserID,
		Amount:       req.Amount,
		SessionScore: values[2],
		AwardedAt:    now.Format(time.RFC3339Nano),
	})
	return FastAwardResult{Awarded: true, NewBalance: values[1]}, nil
}

// GetSessionLeaderboard returns the top limit users by session score.
func (s *Store) GetSessionLeaderboard(ctx context.Context, sessionID snowflake.ID, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := s.client.ZRevRangeWithScores(ctx, leaderboardKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}

	entries := make([]LeaderboardEntry, 0, len(rows))
	for i, row := range rows {
		member, ok := row.Member.(string)
		if !ok {
			continue
		}
		userID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			s.log.Warn("coins.leaderboard.bad_member", zap.String("member", member))
			continue
		}
		entries = append(entries, LeaderboardEntry{
			Rank:   i + 1,
			UserID: userID,
			Score:  int64(row.Score),
		})
	}
	return entries, nil
}

func (s *Store) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return s.getInt(ctx, balanceKey(userID))
}

func (s *Store) GetSessionEarnings(ctx context.Context, sessionID snowflake.ID, userID int64) (int64, error) {
	return s.getInt(ctx, sessionUserKey(sessionID, userID))
}

// GetMessageAward reports the coins a message earned, if it is still within
// the retention TTL.
func (s *Store) GetMessageAward(ctx context.Context, messageID string) (int64, bool, error) {
	amount, err := s.client.Get(ctx, messageKey(messageID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return amount, true, nil
}

func (s *Store) getInt(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return value, err
}

func (s *Store) record(ctx context.Context, awarded bool, reason string, amount int64) {
	s.metrics.RecordCoinAward(ctx, awarded, reason, amount)
}
