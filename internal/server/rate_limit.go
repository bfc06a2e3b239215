package server

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/chatpoints/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chatpoints/internal/observability/metrics"
	"github.com/smallbiznis/chatpoints/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	rateLimitReasonClientRate      = "client-rate"
	rateLimitReasonBroadcasterRate = "broadcaster-rate"

	ipLimiterMaxEntries = 1024
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter is a per-process limiter for the public read API. Webhook
// ingest uses the shared redis bucket instead.
type ipRateLimiter struct {
	mu       sync.Mutex
	entries  map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	lifetime time.Duration
	now      func() time.Time
}

func newIPRateLimiter(rps int, burst int) *ipRateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ipRateLimiter{
		entries:  make(map[string]*clientLimiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		lifetime: 5 * time.Minute,
		now:      time.Now,
	}
}

func (l *ipRateLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[ip]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)

	if len(l.entries) > ipLimiterMaxEntries {
		l.cleanup(now)
	}
	return allowed
}

func (l *ipRateLimiter) cleanup(now time.Time) {
	expireBefore := now.Add(-l.lifetime)
	for ip, entry := range l.entries {
		if entry.lastSeen.Before(expireBefore) {
			delete(l.entries, ip)
		}
	}
}

func (s *Server) PublicRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.publicLimiter == nil {
			c.Next()
			return
		}
		endpoint := normalizeRateLimitEndpoint(c)
		if !s.publicLimiter.Allow(c.ClientIP()) {
			denyRateLimit(c, endpoint, rateLimitReasonClientRate, time.Second, s.obsMetrics)
			return
		}
		s.obsMetrics.RecordRateLimitAllowed(c.Request.Context(), endpoint)
		c.Next()
	}
}

// broadcasterCoinsAllowed applies the shared ingest bucket to the optimistic
// coin award. A denied broadcaster still has its chat buffered; only the
// coins are skipped, so the request is never aborted here.
func (s *Server) broadcasterCoinsAllowed(c *gin.Context, broadcasterID int64) bool {
	if !s.webhookLimiter.Enabled() {
		return true
	}
	ctx := c.Request.Context()
	endpoint := normalizeRateLimitEndpoint(c)

	result, err := s.webhookLimiter.AllowBroadcaster(ctx, broadcasterID)
	if err != nil {
		logger.FromContext(ctx).Warn("webhook.rate_limit.check_failed",
			zap.Int64("broadcaster_id", broadcasterID),
			zap.Error(err),
		)
		return true
	}
	setRateLimitHeaders(c, result)
	if !result.Allowed {
		logger.FromContext(ctx).Warn("webhook.rate_limit.coins_skipped",
			zap.Int64("broadcaster_id", broadcasterID),
			zap.Duration("retry_after", result.RetryAfter),
		)
		recordRateLimitDenied(ctx, endpoint, rateLimitReasonBroadcasterRate, s.obsMetrics)
		c.Header("X-Rate-Limited-Reason", rateLimitReasonBroadcasterRate)
		return false
	}
	s.obsMetrics.RecordRateLimitAllowed(ctx, endpoint)
	return true
}

func setRateLimitHeaders(c *gin.Context, result ratelimit.RateLimitResult) {
	if result.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
}

func denyRateLimit(c *gin.Context, endpoint, reason string, retryAfter time.Duration, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("http.rate_limit.exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, reason, metrics)

	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
