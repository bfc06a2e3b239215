package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// startMaintenance schedules the completed-job purge. The returned func
// stops the schedule and waits for a running purge.
func (w *Worker) startMaintenance(ctx context.Context) func() {
	if !w.cfg.purgeEnabled() {
		return func() {}
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(w.cfg.PurgeSchedule, func() {
		_, _ = w.PurgeCompleted(ctx)
	}); err != nil {
		w.logger(ctx).Error("worker.purge.schedule_invalid",
			zap.String("schedule", w.cfg.PurgeSchedule),
			zap.Error(err),
		)
		return func() {}
	}
	c.Start()
	return func() { <-c.Stop().Done() }
}

// PurgeCompleted deletes completed jobs older than CompletedRetention.
func (w *Worker) PurgeCompleted(ctx context.Context) (int64, error) {
	ctx = w.withLogContext(ctx)
	start := time.Now()
	w.metrics.IncJobRun("purge_completed")

	deleted, err := w.queue.PurgeCompleted(ctx, w.cfg.CompletedRetention)
	w.metrics.ObserveJobDuration("purge_completed", time.Since(start))
	if err != nil {
		w.metrics.IncJobError("purge_completed", err)
		w.logger(ctx).Error("worker.purge.failed", zap.Error(err))
		return 0, err
	}
	w.logger(ctx).Info("worker.purge.finish",
		zap.Int64("deleted_count", deleted),
		zap.Duration("retention", w.cfg.CompletedRetention),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return deleted, nil
}
