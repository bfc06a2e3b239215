package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"github.com/smallbiznis/chatpoints/internal/chatjob/domain"
	"github.com/smallbiznis/chatpoints/internal/chatjob/repository"
	"github.com/smallbiznis/chatpoints/internal/clock"
	obslogger "github.com/smallbiznis/chatpoints/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chatpoints/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  Config                    `optional:"true"`
	Metrics *obsmetrics.WorkerMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     Config
	repo    *repository.Repository
	metrics *obsmetrics.WorkerMetrics
}

func New(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("chatjob.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Config.withDefaults(),
		repo:    repository.New(),
		metrics: p.Metrics,
	}
}

var _ domain.Queue = (*Service)(nil)

const staleExhaustedError = "abandoned while processing"

// Persist enqueues a flushed buffer batch. It is the buffer's sink.
func (s *Service) Persist(ctx context.Context, envelopes []chatevent.Envelope) error {
	res, err := s.Enqueue(ctx, envelopes)
	if err != nil {
		return err
	}
	s.metrics.AddBufferEnqueued("inserted", res.Inserted)
	s.metrics.AddBufferEnqueued("duplicate", res.Duplicates)
	s.metrics.AddBufferEnqueued("skipped", res.Skipped)
	return nil
}

// Enqueue inserts one job per distinct message id. Message ids already in the
// queue are reported as duplicates, never as errors. Envelopes without a
// message id are counted as skipped.
func (s *Service) Enqueue(ctx context.Context, envelopes []chatevent.Envelope) (domain.EnqueueResult, error) {
	if len(envelopes) == 0 {
		return domain.EnqueueResult{}, nil
	}

	now := s.clock.Now()
	seen := make(map[string]struct{}, len(envelopes))
	jobs := make([]domain.ChatJob, 0, len(envelopes))
	skipped := 0
	for _, env := range envelopes {
		messageID := strings.TrimSpace(env.Event.MessageID)
		if messageID == "" {
			skipped++
			continue
		}
		if _, dup := seen[messageID]; dup {
			continue
		}
		seen[messageID] = struct{}{}

		job, err := domain.NewChatJob(s.genID.Generate(), env, now)
		if err != nil {
			return domain.EnqueueResult{}, err
		}
		jobs = append(jobs, job)
	}

	var inserted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(jobs); start += s.cfg.InsertBatch {
			end := min(start+s.cfg.InsertBatch, len(jobs))
			n, err := s.repo.InsertIgnoreDuplicates(ctx, tx, jobs[start:end])
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return domain.EnqueueResult{}, fmt.Errorf("enqueue chat jobs: %w", err)
	}

	res := domain.EnqueueResult{
		Inserted:   int(inserted),
		Duplicates: len(envelopes) - skipped - int(inserted),
		Skipped:    skipped,
	}
	obslogger.WithContext(ctx, s.log).Debug("chatjob.enqueue",
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// Claim marks up to limit jobs as processing and returns them oldest first.
func (s *Service) Claim(ctx context.Context, limit int) ([]domain.ChatJob, error) {
	if limit <= 0 {
		return nil, domain.ErrInvalidLimit
	}
	claimCtx, cancel := context.WithTimeout(ctx, s.cfg.ClaimTimeout)
	defer cancel()

	now := s.clock.Now()
	lockStart := time.Now()
	var jobs []domain.ChatJob
	staleBefore := now.Add(-s.cfg.StaleAfter)
	var exhausted int64
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		exhausted, err = s.repo.FailExhaustedStale(claimCtx, tx, now, staleBefore, s.cfg.MaxAttempts, staleExhaustedError)
		if err != nil {
			return err
		}
		jobs, err = s.repo.ClaimAvailable(claimCtx, tx, now, staleBefore, limit)
		return err
	})
	s.metrics.ObserveDBLockWait(obsmetrics.LockResourceChatJobsClaim, time.Since(lockStart))
	if err != nil {
		return nil, fmt.Errorf("claim chat jobs: %w", err)
	}
	if exhausted > 0 {
		obslogger.WithContext(ctx, s.log).Warn("chatjob.claim.stale_exhausted",
			zap.Int64("failed", exhausted),
			zap.Int("max_attempts", s.cfg.MaxAttempts),
		)
	}
	s.metrics.AddJobsClaimed(len(jobs))
	return jobs, nil
}

func (s *Service) Complete(ctx context.Context, id snowflake.ID) error {
	n, err := s.repo.MarkCompleted(ctx, s.db, id, s.clock.Now())
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrJobNotProcessing
	}
	return nil
}

// Fail records a failed attempt. The job goes back to pending behind an
// exponential backoff until MaxAttempts, then becomes terminally failed.
func (s *Service) Fail(ctx context.Context, id snowflake.ID, cause error) (domain.FailResult, error) {
	now := s.clock.Now()
	message := "unknown error"
	if cause != nil {
		message = truncate(cause.Error(), s.cfg.MaxErrorLen)
	}

	var res domain.FailResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := s.repo.LockProcessing(ctx, tx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return domain.ErrJobNotProcessing
		}

		update := repository.FailureUpdate{
			ID:        id,
			Status:    domain.StatusPending,
			Attempts:  job.Attempts + 1,
			LastError: message,
			UpdatedAt: now,
		}
		if update.Attempts >= s.cfg.MaxAttempts {
			update.Status = domain.StatusFailed
			update.AvailableAt = job.AvailableAt
		} else {
			update.AvailableAt = now.Add(s.cfg.Backoff(update.Attempts))
		}
		if err := s.repo.UpdateAfterFailure(ctx, tx, update); err != nil {
			return err
		}

		res = domain.FailResult{
			Attempts: update.Attempts,
			Terminal: update.Status == domain.StatusFailed,
			RetryAt:  update.AvailableAt,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrJobNotProcessing) {
			return domain.FailResult{}, err
		}
		return domain.FailResult{}, fmt.Errorf("fail job %s: %w", id, err)
	}
	return res, nil
}

func (s *Service) Stats(ctx context.Context) (domain.QueueStats, error) {
	counts, err := s.repo.CountByStatus(ctx, s.db)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	stats := domain.QueueStats{
		Pending:    counts[domain.StatusPending],
		Processing: counts[domain.StatusProcessing],
		Completed:  counts[domain.StatusCompleted],
		Failed:     counts[domain.StatusFailed],
	}
	if stats.Pending == 0 {
		return stats, nil
	}

	oldest, err := s.repo.OldestPending(ctx, s.db)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	if oldest != nil {
		if age := s.clock.Now().Sub(*oldest); age > 0 {
			stats.OldestPendingAge = age
		}
	}
	return stats, nil
}

// RetryFailed moves up to limit terminally failed jobs back to pending with
// a fresh attempt budget.
func (s *Service) RetryFailed(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		return 0, domain.ErrInvalidLimit
	}
	n, err := s.repo.ResetFailed(ctx, s.db, s.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	if n > 0 {
		obslogger.WithContext(ctx, s.log).Info("chatjob.retry_failed", zap.Int64("count", n))
	}
	return n, nil
}

func (s *Service) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		olderThan = 0
	}
	n, err := s.repo.DeleteCompletedBefore(ctx, s.db, s.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge completed jobs: %w", err)
	}
	return n, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return strings.ToValidUTF8(value[:limit], "")
}
