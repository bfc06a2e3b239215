package worker

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	chatjobdomain "github.com/smallbiznis/chatpoints/internal/chatjob/domain"
	obscontext "github.com/smallbiznis/chatpoints/internal/observability/context"
	obslogger "github.com/smallbiznis/chatpoints/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chatpoints/internal/observability/metrics"
	"go.uber.org/zap"
)

// batchRun tracks one synchronous claim-and-process pass.
type batchRun struct {
	runID     string
	batchSize int
	startedAt time.Time
	claimed   int
	completed int
	retried   int
	failed    int
	abandoned int
}

func (r *batchRun) record(outcome string) {
	if r == nil {
		return
	}
	switch outcome {
	case obsmetrics.JobOutcomeCompleted:
		r.completed++
	case obsmetrics.JobOutcomeRetried:
		r.retried++
	case obsmetrics.JobOutcomeFailed:
		r.failed++
	default:
		r.abandoned++
	}
}

// totals are cumulative since Run started; worker.stats reports them.
type totals struct {
	claimed   atomic.Int64
	completed atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
}

func (t *totals) record(outcome string) {
	switch outcome {
	case obsmetrics.JobOutcomeCompleted:
		t.completed.Add(1)
	case obsmetrics.JobOutcomeRetried:
		t.retried.Add(1)
	case obsmetrics.JobOutcomeFailed:
		t.failed.Add(1)
	default:
		t.abandoned.Add(1)
	}
}

func (w *Worker) newBatchRun(batchSize int) *batchRun {
	return &batchRun{
		runID:     w.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
}

func (w *Worker) withLogContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return obscontext.WithActor(ctx, "system", "worker")
}

func (w *Worker) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, w.log)
}

func (w *Worker) logBatchStart(ctx context.Context, run *batchRun) {
	if run == nil {
		return
	}
	w.logger(ctx).Debug("worker.batch.start",
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (w *Worker) logBatchFinish(ctx context.Context, run *batchRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("claimed_count", run.claimed),
		zap.Int("completed_count", run.completed),
		zap.Int("retried_count", run.retried),
		zap.Int("failed_count", run.failed),
	}
	log := w.logger(ctx)
	switch {
	case run.failed > 0 || run.abandoned > 0:
		log.Warn("worker.batch.finish", fields...)
	case run.claimed == 0:
		log.Debug("worker.batch.finish", fields...)
	default:
		log.Info("worker.batch.finish", fields...)
	}
}

func (w *Worker) logJobError(ctx context.Context, msg string, job chatjobdomain.ChatJob, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	base := []zap.Field{
		zap.String("job_id", job.ID.String()),
		zap.String("message_id", job.MessageID),
		zap.String("user_id", strconv.FormatInt(job.SenderUserID, 10)),
		zap.Int("job_attempts", job.Attempts),
		zap.String("error_type", obsmetrics.ClassifyJobReason(err)),
		zap.String("error", err.Error()),
	}
	w.logger(ctx).Error(msg, append(base, fields...)...)
}

func (w *Worker) logStats(ctx context.Context, startedAt time.Time) {
	fields := []zap.Field{
		zap.Int64("claimed_count", w.totals.claimed.Load()),
		zap.Int64("completed_count", w.totals.completed.Load()),
		zap.Int64("retried_count", w.totals.retried.Load()),
		zap.Int64("failed_count", w.totals.failed.Load()),
		zap.Int64("abandoned_count", w.totals.abandoned.Load()),
		zap.Int64("inflight", w.inflight.Load()),
		zap.Int64("uptime_s", int64(time.Since(startedAt).Seconds())),
	}
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		w.logger(ctx).Warn("worker.stats", append(fields, zap.Error(err))...)
		return
	}
	fields = append(fields,
		zap.Int64("queue_pending", stats.Pending),
		zap.Int64("queue_processing", stats.Processing),
		zap.Int64("queue_failed", stats.Failed),
		zap.Int64("oldest_pending_ms", stats.OldestPendingAge.Milliseconds()),
	)
	w.logger(ctx).Info("worker.stats", fields...)
}
