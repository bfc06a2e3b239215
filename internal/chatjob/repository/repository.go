package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatpoints/internal/chatjob/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const jobColumns = `id, message_id, payload, sender_user_id, broadcaster_user_id,
	stream_session_id, status, attempts, available_at, locked_at, processed_at,
	last_error, created_at, updated_at`

// Repository holds the chat_jobs statements. Every method runs on the handle
// it is given so callers control transaction boundaries.
type Repository struct{}

func New() *Repository {
	return &Repository{}
}

// InsertIgnoreDuplicates inserts jobs and skips message ids already queued.
// It returns the number of rows actually inserted.
func (r *Repository) InsertIgnoreDuplicates(ctx context.Context, db *gorm.DB, jobs []domain.ChatJob) (int64, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).
		Create(&jobs)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// FailExhaustedStale terminally fails processing jobs whose lock is older
// than staleBefore and whose reclaim would reach maxAttempts. The lost run
// counts as an attempt.
func (r *Repository) FailExhaustedStale(ctx context.Context, db *gorm.DB, now, staleBefore time.Time, maxAttempts int, lastError string) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE chat_jobs
		 SET status = ?, attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ?
		 WHERE status = ? AND locked_at < ? AND attempts + 1 >= ?`,
		domain.StatusFailed, lastError, now,
		domain.StatusProcessing, staleBefore, maxAttempts,
	)
	return result.RowsAffected, result.Error
}

// ClaimAvailable flips up to limit claimable jobs to processing in one
// statement. Claimable means pending and past its backoff gate, or
// processing with a lock older than staleBefore. Reclaiming a stale job
// counts as an attempt.
func (r *Repository) ClaimAvailable(ctx context.Context, db *gorm.DB, now, staleBefore time.Time, limit int) ([]domain.ChatJob, error) {
	var jobs []domain.ChatJob
	err := db.WithContext(ctx).Raw(
		`UPDATE chat_jobs
		 SET status = ?,
		     attempts = CASE WHEN status = ? THEN attempts + 1 ELSE attempts END,
		     locked_at = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM chat_jobs
		   WHERE (status = ? AND available_at <= ?)
		      OR (status = ? AND locked_at < ?)
		   ORDER BY created_at, id
		   LIMIT ?
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		domain.StatusProcessing, domain.StatusProcessing, now, now,
		domain.StatusPending, now,
		domain.StatusProcessing, staleBefore,
		limit,
	).Scan(&jobs).Error
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (r *Repository) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE chat_jobs
		 SET status = ?, processed_at = ?, locked_at = NULL, last_error = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusCompleted, now, now,
		id, domain.StatusProcessing,
	)
	return result.RowsAffected, result.Error
}

// LockProcessing loads a processing job with a row lock. A nil job means it
// does not exist or is no longer processing.
func (r *Repository) LockProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ChatJob, error) {
	var job domain.ChatJob
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

type FailureUpdate struct {
	ID          snowflake.ID
	Status      domain.JobStatus
	Attempts    int
	AvailableAt time.Time
	LastError   string
	UpdatedAt   time.Time
}

func (r *Repository) UpdateAfterFailure(ctx context.Context, db *gorm.DB, update FailureUpdate) error {
	return db.WithContext(ctx).Exec(
		`UPDATE chat_jobs
		 SET status = ?, attempts = ?, available_at = ?, last_error = ?,
		     locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		update.Status, update.Attempts, update.AvailableAt, update.LastError,
		update.UpdatedAt, update.ID,
	).Error
}

type statusCount struct {
	Status domain.JobStatus
	Count  int64
}

func (r *Repository) CountByStatus(ctx context.Context, db *gorm.DB) (map[domain.JobStatus]int64, error) {
	var rows []statusCount
	err := db.WithContext(ctx).
		Model(&domain.ChatJob{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// OldestPending returns the creation time of the oldest pending job, or nil.
func (r *Repository) OldestPending(ctx context.Context, db *gorm.DB) (*time.Time, error) {
	var job domain.ChatJob
	err := db.WithContext(ctx).
		Select("id", "created_at").
		Where("status = ?", domain.StatusPending).
		Order("created_at ASC").
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job.CreatedAt, nil
}

func (r *Repository) ResetFailed(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE chat_jobs
		 SET status = ?, attempts = 0, available_at = ?, last_error = NULL,
		     locked_at = NULL, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM chat_jobs WHERE status = ? ORDER BY id LIMIT ?
		 )`,
		domain.StatusPending, now, now,
		domain.StatusFailed, limit,
	)
	return result.RowsAffected, result.Error
}

func (r *Repository) DeleteCompletedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM chat_jobs WHERE status = ? AND processed_at < ?`,
		domain.StatusCompleted, cutoff,
	)
	return result.RowsAffected, result.Error
}
