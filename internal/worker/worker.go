package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
	chatjobdomain "github.com/smallbiznis/chatpoints/internal/chatjob/domain"
	"github.com/smallbiznis/chatpoints/internal/message"
	obscontext "github.com/smallbiznis/chatpoints/internal/observability/context"
	obsmetrics "github.com/smallbiznis/chatpoints/internal/observability/metrics"
	"github.com/smallbiznis/chatpoints/internal/observability/tracing"
	pointsdomain "github.com/smallbiznis/chatpoints/internal/points/domain"
	"github.com/smallbiznis/chatpoints/internal/streamsession"
	"github.com/smallbiznis/chatpoints/internal/user"
	"github.com/smallbiznis/chatpoints/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrInvalidConfig = errors.New("invalid_worker_config")

// errDrainAbandoned is the cancel cause for jobs still running when the
// drain deadline passes. Those jobs leave their rows untouched.
var errDrainAbandoned = errors.New("worker drain abandoned")

// abandonWait bounds how long drain waits for cancelled jobs to return.
const abandonWait = 5 * time.Second

type Params struct {
	fx.In

	Queue    chatjobdomain.Queue
	Users    *user.Service
	Messages *message.Service
	Sessions *streamsession.Service
	Points   pointsdomain.Service
	Lock     Lock
	Log      *zap.Logger
	GenID    *snowflake.Node
	Config   Config                    `optional:"true"`
	Metrics  *obsmetrics.WorkerMetrics `optional:"true"`
}

// Worker drains the chat job queue into the durable tables.
type Worker struct {
	queue    chatjobdomain.Queue
	users    *user.Service
	messages *message.Service
	sessions *streamsession.Service
	points   pointsdomain.Service
	lock     Lock
	log      *zap.Logger
	genID    *snowflake.Node
	cfg      Config
	metrics  *obsmetrics.WorkerMetrics
	tracer   trace.Tracer

	sem      *semaphore.Weighted
	inflight atomic.Int64
	totals   totals
}

// BatchResult summarises one RunOnce pass.
type BatchResult struct {
	Claimed   int
	Completed int
	Retried   int
	Failed    int
}

func New(p Params) (*Worker, error) {
	if p.Queue == nil || p.Users == nil || p.Messages == nil || p.Sessions == nil || p.Points == nil || p.Lock == nil || p.Log == nil || p.GenID == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	if cfg.purgeEnabled() {
		if _, err := cronParser.Parse(cfg.PurgeSchedule); err != nil {
			return nil, fmt.Errorf("invalid purge schedule %q: %w", cfg.PurgeSchedule, err)
		}
	}
	return &Worker{
		queue:    p.Queue,
		users:    p.Users,
		messages: p.Messages,
		sessions: p.Sessions,
		points:   p.Points,
		lock:     p.Lock,
		log:      p.Log.Named("worker").With(zap.String("component", "worker")),
		genID:    p.GenID,
		cfg:      cfg,
		metrics:  p.Metrics,
		tracer:   otel.Tracer("chatpoints/worker"),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

// Run holds the worker lock and processes jobs until ctx is cancelled or
// the lock is lost. It returns ErrLockNotAcquired when another instance
// is active.
func (w *Worker) Run(ctx context.Context) error {
	ctx = w.withLogContext(ctx)
	ok, err := w.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire worker lock: %w", err)
	}
	if !ok {
		w.logger(ctx).Warn("worker.lock.busy", zap.String("backend", w.lock.Name()))
		return ErrLockNotAcquired
	}
	w.metrics.SetLockHeld(true)
	w.logger(ctx).Info("worker.lock.acquired",
		zap.String("backend", w.lock.Name()),
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)
	defer w.releaseLock(ctx)

	// In-flight jobs outlive ctx until the drain deadline.
	jobCtx, cancelJobs := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelJobs(nil)

	stopMaintenance := w.startMaintenance(jobCtx)
	defer stopMaintenance()

	startedAt := time.Now()
	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	stats := time.NewTicker(w.cfg.StatsInterval)
	defer stats.Stop()
	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case tick := <-poll.C:
			w.metrics.ObserveRunLoopLag(time.Since(tick))
			w.dispatch(ctx, jobCtx)
		case <-stats.C:
			w.logStats(ctx, startedAt)
		case <-heartbeat.C:
			if err := w.lock.Heartbeat(ctx); err != nil {
				if errors.Is(err, ErrLockLost) {
					w.logger(ctx).Error("worker.lock.lost", zap.String("backend", w.lock.Name()), zap.Error(err))
					runErr = err
					break loop
				}
				w.logger(ctx).Warn("worker.lock.heartbeat_failed", zap.Error(err))
			}
		}
	}

	w.drain(ctx, cancelJobs)
	w.logStats(jobCtx, startedAt)
	return runErr
}

// dispatch claims up to the free concurrency and starts each job.
func (w *Worker) dispatch(ctx, jobCtx context.Context) {
	if !w.lock.IsHeld() {
		return
	}
	free := w.cfg.Concurrency - int(w.inflight.Load())
	if free <= 0 {
		w.metrics.IncBatchDeferred(obsmetrics.WorkerBatchDeferredReasonNoCapacity)
		return
	}

	jobs, err := w.queue.Claim(ctx, free)
	if err != nil {
		if ctx.Err() == nil {
			w.metrics.IncJobError("claim", err)
			w.logger(ctx).Error("worker.claim.failed", zap.Int("limit", free), zap.Error(err))
		}
		return
	}
	if len(jobs) == 0 {
		w.metrics.IncBatchDeferred(obsmetrics.WorkerBatchDeferredReasonSkipLockedEmpty)
		return
	}
	w.totals.claimed.Add(int64(len(jobs)))

	for _, job := range jobs {
		// Jobs not started here stay processing and are reclaimed once stale.
		if err := w.sem.Acquire(jobCtx, 1); err != nil {
			return
		}
		w.inflight.Add(1)
		w.metrics.IncInflight()
		go func(job chatjobdomain.ChatJob) {
			defer func() {
				w.inflight.Add(-1)
				w.metrics.DecInflight()
				w.sem.Release(1)
			}()
			w.totals.record(w.processJob(jobCtx, job))
		}(job)
	}
}

// drain waits for in-flight jobs up to DrainTimeout, then abandons them.
// Abandoned rows stay processing and are reclaimed once stale. The cancelled
// jobs get up to abandonWait to return before the lock is released.
func (w *Worker) drain(ctx context.Context, cancelJobs context.CancelCauseFunc) {
	pending := w.inflight.Load()
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DrainTimeout)
	defer cancel()

	full := int64(w.cfg.Concurrency)
	if err := w.sem.Acquire(drainCtx, full); err != nil {
		w.logger(ctx).Warn("worker.drain.abandoned",
			zap.Int64("inflight", w.inflight.Load()),
			zap.Duration("drain_timeout", w.cfg.DrainTimeout),
		)
		cancelJobs(errDrainAbandoned)

		waitCtx, waitCancel := context.WithTimeout(context.WithoutCancel(ctx), abandonWait)
		defer waitCancel()
		if err := w.sem.Acquire(waitCtx, full); err != nil {
			w.logger(ctx).Error("worker.drain.stuck", zap.Int64("inflight", w.inflight.Load()))
			return
		}
		w.sem.Release(full)
		return
	}
	w.sem.Release(full)
	w.logger(ctx).Info("worker.drain.finish", zap.Int64("drained", pending))
}

func (w *Worker) releaseLock(ctx context.Context) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.lock.Release(releaseCtx); err != nil {
		w.logger(ctx).Warn("worker.lock.release_failed", zap.Error(err))
	}
	w.metrics.SetLockHeld(false)
	w.logger(ctx).Info("worker.lock.released", zap.String("backend", w.lock.Name()))
}

// RunOnce claims a single batch and processes it in order. It does not
// take the worker lock.
func (w *Worker) RunOnce(ctx context.Context) (BatchResult, error) {
	ctx = w.withLogContext(ctx)
	run := w.newBatchRun(w.cfg.Concurrency)
	w.logBatchStart(ctx, run)
	w.metrics.IncJobRun("run_once")
	defer func() {
		w.metrics.ObserveJobDuration("run_once", time.Since(run.startedAt))
		w.logBatchFinish(ctx, run)
	}()

	jobs, err := w.queue.Claim(ctx, w.cfg.Concurrency)
	if err != nil {
		w.metrics.IncJobError("claim", err)
		return BatchResult{}, fmt.Errorf("claim jobs: %w", err)
	}
	run.claimed = len(jobs)
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		run.record(w.processJob(ctx, job))
	}
	return BatchResult{
		Claimed:   run.claimed,
		Completed: run.completed,
		Retried:   run.retried,
		Failed:    run.failed,
	}, nil
}

// processJob runs one job and records the outcome in the queue. The
// returned outcome is empty when the queue could not be updated.
func (w *Worker) processJob(ctx context.Context, job chatjobdomain.ChatJob) string {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	ctx, span := w.tracer.Start(ctx, "worker.process_job", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("job_id", job.ID.String()),
		attribute.String("message_id", job.MessageID),
		attribute.Int("job_attempts", job.Attempts),
	)...))
	defer span.End()

	err := w.handle(ctx, job)
	w.metrics.ObserveJobDuration("process", time.Since(start))
	if err == nil {
		if cerr := w.queue.Complete(ctx, job.ID); cerr != nil {
			w.metrics.IncJobError("complete", cerr)
			w.logJobError(ctx, "worker.job.complete_failed", job, cerr)
			return ""
		}
		w.metrics.IncJobProcessed(obsmetrics.JobOutcomeCompleted)
		return obsmetrics.JobOutcomeCompleted
	}

	if errors.Is(context.Cause(ctx), errDrainAbandoned) {
		w.logger(ctx).Warn("worker.job.abandoned",
			zap.String("job_id", job.ID.String()),
			zap.String("message_id", job.MessageID),
			zap.Int("attempts", job.Attempts),
		)
		return ""
	}

	w.metrics.IncJobError("process", err)
	if safeErr := tracing.SafeError(err); safeErr != nil {
		span.RecordError(safeErr)
	}
	span.SetStatus(codes.Error, "job failed")

	// The queue update must land even when the job ran out of time.
	failCtx, failCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer failCancel()
	res, ferr := w.queue.Fail(failCtx, job.ID, err)
	if ferr != nil {
		w.logJobError(ctx, "worker.job.fail_failed", job, ferr, zap.NamedError("cause", err))
		return ""
	}
	if res.Terminal {
		w.logJobError(ctx, "worker.job.failed", job, err, zap.Int("attempts", res.Attempts))
		w.metrics.IncJobProcessed(obsmetrics.JobOutcomeFailed)
		return obsmetrics.JobOutcomeFailed
	}
	w.logger(ctx).Warn("worker.job.retry",
		zap.String("job_id", job.ID.String()),
		zap.String("message_id", job.MessageID),
		zap.Int("attempts", res.Attempts),
		zap.Time("retry_at", res.RetryAt),
		zap.String("error_type", obsmetrics.ClassifyJobReason(err)),
		zap.Error(err),
	)
	w.metrics.IncJobProcessed(obsmetrics.JobOutcomeRetried)
	return obsmetrics.JobOutcomeRetried
}

// handle persists the message and awards for one job. Every step is safe
// to repeat: users upsert, messages and point history dedupe on message id.
func (w *Worker) handle(ctx context.Context, job chatjobdomain.ChatJob) error {
	env, err := job.Envelope()
	if err != nil {
		return fmt.Errorf("%w: %v", obsmetrics.ErrDecode, err)
	}
	event := env.Event
	ctx = correlation.Extract(ctx, env.Trace)
	ctx = obscontext.WithBroadcasterID(ctx, strconv.FormatInt(event.Broadcaster.ExternalUserID, 10))

	if _, err := w.users.EnsureFromSender(ctx, event.Sender); err != nil {
		return fmt.Errorf("ensure sender: %w", err)
	}

	if event.StreamSessionID == nil {
		if _, err := w.messages.SaveOffline(ctx, event); err != nil {
			return fmt.Errorf("save offline message: %w", err)
		}
		return nil
	}

	sessionID := snowflake.ID(*event.StreamSessionID)
	inserted, err := w.messages.Save(ctx, event, sessionID)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	if inserted {
		w.recordMessageStats(ctx, job, sessionID, event)
	}

	result, err := w.points.AwardPoint(ctx, pointsdomain.AwardRequest{
		UserID:          event.Sender.ExternalUserID,
		StreamSessionID: &sessionID,
		MessageID:       event.MessageID,
		Badges:          event.Sender.BadgeTypes(),
	})
	if err != nil {
		return fmt.Errorf("award point: %w", err)
	}
	w.logger(ctx).Debug("worker.job.processed",
		zap.String("job_id", job.ID.String()),
		zap.String("message_id", job.MessageID),
		zap.Bool("awarded", result.Awarded),
		zap.String("award_reason", string(result.Reason)),
	)
	return nil
}

// recordMessageStats bumps counters that only feed statistics. They run on
// the first insert of a message, so failures are logged rather than retried.
func (w *Worker) recordMessageStats(ctx context.Context, job chatjobdomain.ChatJob, sessionID snowflake.ID, event chatevent.ChatEvent) {
	if err := w.sessions.IncrementMessageCount(ctx, sessionID); err != nil {
		w.logger(ctx).Warn("worker.session.count_failed",
			zap.String("job_id", job.ID.String()),
			zap.String("stream_session_id", sessionID.String()),
			zap.Error(err),
		)
	}
	if event.EmoteCount() == 0 {
		return
	}
	userID := event.Sender.ExternalUserID
	if _, err := w.points.AwardEmotes(ctx, userID, event.Emotes); err != nil {
		w.logger(ctx).Warn("worker.emotes.award_failed",
			zap.String("job_id", job.ID.String()),
			zap.String("user_id", strconv.FormatInt(userID, 10)),
			zap.Error(err),
		)
	}
}
