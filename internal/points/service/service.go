package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"github.com/smallbiznis/chatpoints/internal/clock"
	"github.com/smallbiznis/chatpoints/internal/config"
	obslogger "github.com/smallbiznis/chatpoints/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chatpoints/internal/observability/metrics"
	pointsdomain "github.com/smallbiznis/chatpoints/internal/points/domain"
	"github.com/smallbiznis/chatpoints/internal/streamsession"
	"github.com/smallbiznis/chatpoints/internal/user"
	"github.com/smallbiznis/chatpoints/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errAlreadyProcessed and rateLimitedError abort the award transaction
// without writes; AwardPoint turns them into results.
var errAlreadyProcessed = errors.New("already_processed")

type rateLimitedError struct {
	cooldown time.Duration
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for %s", e.cooldown)
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.PointsPolicyHolder
	Config     Config                    `optional:"true"`
	Metrics    *obsmetrics.WorkerMetrics `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

// Service is the authoritative point award engine.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.PointsPolicyHolder
	cfg        Config
	metrics    *obsmetrics.WorkerMetrics
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) pointsdomain.Service {
	return newService(p)
}

func newService(p ServiceParam) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("points.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		cfg:        p.Config.withDefaults(),
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,
	}
}

// AwardPoint awards the points for one chat message. Business rejections are
// returned as results with a nil error. A non-nil error always comes with
// Reason "error" and means the caller should retry the message later.
func (s *Service) AwardPoint(ctx context.Context, req pointsdomain.AwardRequest) (result pointsdomain.AwardResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = pointsdomain.AwardResult{Reason: pointsdomain.ReasonError}
			err = fmt.Errorf("award point panic: %v", r)
		}
		s.metrics.IncAwardOutcome(string(result.Reason))
		s.obsMetrics.RecordPointAward(ctx, string(result.Reason))
		s.logOutcome(ctx, req, result, err)
	}()

	if req.UserID <= 0 {
		return errorResult(pointsdomain.ErrInvalidUser)
	}
	req.MessageID = strings.TrimSpace(req.MessageID)
	if req.MessageID == "" {
		return errorResult(pointsdomain.ErrInvalidMessageID)
	}
	if req.StreamSessionID == nil {
		return rejected(pointsdomain.ReasonOffline), nil
	}
	sessionID := *req.StreamSessionID

	reason, err := s.precheck(ctx, req.UserID, sessionID, req.MessageID)
	if err != nil {
		return errorResult(err)
	}
	if reason != "" {
		return rejected(reason), nil
	}

	policy := s.policy.Get()
	points := policy.PointsFor(req.Badges)

	if err := s.ensureAggregate(ctx, req.UserID); err != nil {
		return errorResult(err)
	}

	err = s.cfg.Retry.Execute(ctx,
		func(ctx context.Context) error {
			return s.awardTx(ctx, req.UserID, sessionID, req.MessageID, points, policy.RateLimitWindow)
		},
		func(attempt int, err error) {
			s.metrics.IncAwardRetry()
			obslogger.WithContext(ctx, s.log).Warn("points.award.retry",
				zap.Int("attempt", attempt),
				zap.String("message_id", req.MessageID),
				zap.Error(err),
			)
		},
	)

	var limited *rateLimitedError
	switch {
	case err == nil:
		return pointsdomain.AwardResult{Awarded: true, PointsEarned: points}, nil
	case errors.As(err, &limited):
		return pointsdomain.AwardResult{Reason: pointsdomain.ReasonRateLimited, Cooldown: limited.cooldown}, nil
	case errors.Is(err, errAlreadyProcessed), db.IsDuplicateKeyErr(err):
		return rejected(pointsdomain.ReasonAlreadyProcessed), nil
	default:
		return errorResult(fmt.Errorf("award point: %w", err))
	}
}

// precheck runs the cheap short-circuits outside the transaction. The session
// is always read fresh from the database.
func (s *Service) precheck(ctx context.Context, userID int64, sessionID snowflake.ID, messageID string) (pointsdomain.Reason, error) {
	u, err := user.FindByID(ctx, s.db, userID)
	if err != nil {
		return "", err
	}
	if u == nil {
		return pointsdomain.ReasonUserNotFound, nil
	}
	if u.IsDisconnected() {
		return pointsdomain.ReasonUserDisconnected, nil
	}

	session, err := streamsession.FindByID(ctx, s.db, sessionID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return pointsdomain.ReasonSessionNotFound, nil
	}
	if !session.IsActive() {
		return pointsdomain.ReasonSessionEnded, nil
	}
	if session.LiveFor(s.clock.Now()) < s.policy.Get().WarmUp {
		return pointsdomain.ReasonWarmingUp, nil
	}

	exists, err := historyExists(ctx, s.db, messageID)
	if err != nil {
		return "", err
	}
	if exists {
		return pointsdomain.ReasonAlreadyProcessed, nil
	}
	return "", nil
}

// ensureAggregate creates the zero aggregate row so the award transaction
// always has a row to lock.
func (s *Service) ensureAggregate(ctx context.Context, userID int64) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&pointsdomain.UserPoints{UserID: userID, CreatedAt: now, UpdatedAt: now}).Error
}

func (s *Service) awardTx(ctx context.Context, userID int64, sessionID snowflake.ID, messageID string, points int64, window time.Duration) error {
	var opts *sql.TxOptions
	if db.IsPostgres(s.db) {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if db.IsPostgres(tx) {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.cfg.LockTimeout.Milliseconds())).Error; err != nil {
				return err
			}
			if err := tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", s.cfg.StatementTimeout.Milliseconds())).Error; err != nil {
				return err
			}
		}

		lockStart := time.Now()
		var agg pointsdomain.UserPoints
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&agg).Error
		s.metrics.ObserveDBLockWait(obsmetrics.LockResourceUserPoints, time.Since(lockStart))
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if agg.LastPointEarnedAt != nil {
			if elapsed := now.Sub(*agg.LastPointEarnedAt); elapsed < window {
				return &rateLimitedError{cooldown: window - elapsed}
			}
		}

		exists, err := historyExists(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if exists {
			return errAlreadyProcessed
		}

		record := pointsdomain.PointHistory{
			ID:              s.genID.Generate(),
			UserID:          userID,
			StreamSessionID: sessionID,
			PointsEarned:    points,
			MessageID:       messageID,
			EarnedAt:        now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		return tx.Model(&pointsdomain.UserPoints{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"total_points":         gorm.Expr("total_points + ?", points),
				"last_point_earned_at": now,
				"updated_at":           now,
			}).Error
	}, opts)
}

// AwardEmotes adds the number of emote occurrences to the user's aggregate.
// It is statistics only: no rate limit and no idempotence key.
func (s *Service) AwardEmotes(ctx context.Context, userID int64, emotes []chatevent.Emote) (int64, error) {
	if userID <= 0 {
		return 0, pointsdomain.ErrInvalidUser
	}
	var count int64
	for _, emote := range emotes {
		count += int64(len(emote.Positions))
	}
	if count == 0 {
		return 0, nil
	}

	now := s.clock.Now()
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"total_emotes": gorm.Expr("user_points.total_emotes + ?", count),
				"updated_at":   now,
			}),
		}).
		Create(&pointsdomain.UserPoints{
			UserID:      userID,
			TotalEmotes: count,
			CreatedAt:   now,
			UpdatedAt:   now,
		}).Error
	if err != nil {
		return 0, fmt.Errorf("award emotes: %w", err)
	}
	return count, nil
}

// GetAggregate returns the user's totals; a user with no awards yet gets a
// zero aggregate.
func (s *Service) GetAggregate(ctx context.Context, userID int64) (pointsdomain.UserPoints, error) {
	var agg pointsdomain.UserPoints
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&agg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pointsdomain.UserPoints{UserID: userID}, nil
	}
	if err != nil {
		return pointsdomain.UserPoints{}, err
	}
	return agg, nil
}

func historyExists(ctx context.Context, conn *gorm.DB, messageID string) (bool, error) {
	var count int64
	err := conn.WithContext(ctx).
		Model(&pointsdomain.PointHistory{}).
		Where("message_id = ?", messageID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func rejected(reason pointsdomain.Reason) pointsdomain.AwardResult {
	return pointsdomain.AwardResult{Reason: reason}
}

func errorResult(err error) (pointsdomain.AwardResult, error) {
	return pointsdomain.AwardResult{Reason: pointsdomain.ReasonError}, err
}

func (s *Service) logOutcome(ctx context.Context, req pointsdomain.AwardRequest, result pointsdomain.AwardResult, err error) {
	log := obslogger.WithContext(ctx, s.log)
	fields := []zap.Field{
		zap.Int64("user_id", req.UserID),
		zap.String("message_id", req.MessageID),
	}
	switch {
	case err != nil:
		log.Warn("points.award.failed", append(fields, zap.Error(err))...)
	case result.Awarded:
		log.Debug("points.award.granted", append(fields, zap.Int64("points", result.PointsEarned))...)
	default:
		log.Debug("points.award.rejected", append(fields, zap.String("reason", string(result.Reason)))...)
	}
}
