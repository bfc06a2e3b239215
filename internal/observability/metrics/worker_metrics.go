package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	WorkerJobReasonDeadlineExceeded     = "deadline_exceeded"
	WorkerJobReasonDBLockTimeout        = "db_lock_timeout"
	WorkerJobReasonSerializationFailure = "serialization_failure"
	WorkerJobReasonDeadlock             = "deadlock"
	WorkerJobReasonStatementTimeout     = "statement_timeout"
	WorkerJobReasonUniqueViolation      = "unique_violation"
	WorkerJobReasonDecode               = "decode"
	WorkerJobReasonUnknown              = "unknown"

	WorkerBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	WorkerBatchDeferredReasonNoCapacity      = "no_capacity"
)

const (
	JobOutcomeCompleted = "completed"
	JobOutcomeRetried   = "retried"
	JobOutcomeFailed    = "failed"
)

const (
	LockResourceChatJobsClaim = "chat_jobs_claim"
	LockResourceUserPoints    = "user_points_row"
	LockResourceWorkerLeader  = "worker_leader"
)

// ErrDecode marks job payloads that cannot be decoded; set by the worker so
// the reason survives wrapping.
var ErrDecode = errors.New("job_payload_decode")

// WorkerMetrics captures queue and award pipeline health.
type WorkerMetrics struct {
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobErrors       *prometheus.CounterVec
	jobsClaimed     prometheus.Counter
	jobsProcessed   *prometheus.CounterVec
	batchDeferred   *prometheus.CounterVec
	runLoopLag      prometheus.Observer
	lockWait        *prometheus.HistogramVec
	lockHeld        prometheus.Gauge
	inflight        prometheus.Gauge
	awardOutcomes   *prometheus.CounterVec
	awardRetries    prometheus.Counter
	bufferFlushSize prometheus.Observer
	bufferDropped   prometheus.Counter
	bufferEnqueued  *prometheus.CounterVec
}

var (
	workerMetricsOnce sync.Once
	workerMetrics     *WorkerMetrics
)

// Worker returns the singleton worker metrics registry.
func Worker() *WorkerMetrics {
	return WorkerWithConfig(Config{})
}

// WorkerWithConfig returns the singleton worker metrics registry using config labels.
func WorkerWithConfig(cfg Config) *WorkerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetrics = newWorkerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return workerMetrics
}

// ResetWorkerMetricsForTest resets the worker metrics singleton for tests.
func ResetWorkerMetricsForTest() {
	workerMetricsOnce = sync.Once{}
	workerMetrics = nil
}

// NewWorkerMetricsForTest builds an unshared instance on the given registry.
func NewWorkerMetricsForTest(registerer prometheus.Registerer) *WorkerMetrics {
	return newWorkerMetrics(registerer, Config{ServiceName: "chatpoints", Environment: "test"})
}

func newWorkerMetrics(registerer prometheus.Registerer, cfg Config) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chatpoints_worker_job_runs_total",
		Help:        "Worker job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "chatpoints_worker_job_duration_seconds",
		Help:        "Worker job latency.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chatpoints_worker_job_errors_total",
		Help:        "Worker job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	jobsClaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "chatpoints_worker_jobs_claimed_total",
		Help:        "Chat jobs claimed from the durable queue.",
		ConstLabels: constLabels,
	})
	jobsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chatpoints_worker_jobs_processed_total",
		Help:        "Chat jobs finished by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chatpoints_worker_batch_deferred_total",
		Help:        "Poll ticks that claimed nothing, by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "chatpoints_worker_runloop_lag_seconds",
		Help:        "Worker poll loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "chatpoints_db_lock_wait_seconds",
		Help:        "Time spent in locking statements.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"resource"})
	lockHeld := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "chatpoints_worker_lock_held",
		Help:        "1 while this process holds the single-worker lock.",
		ConstLabels: constLabels,
	})
	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "chatpoints_worker_inflight_jobs",
		Help:        "Jobs currently being processed.",
		ConstLabels: constLabels,
	})
	awardOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chatpoints_point_award_outcomes_total",
		Help:        "Authoritative point award results by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	awardRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "chatpoints_point_award_retries_total",
		Help:        "Award transaction retries after transient storage errors.",
		ConstLabels: constLabels,
	})
	bufferFlushSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "chatpoints_buffer_flush_size",
		Help:        "Entries moved per buffer flush.",
		Buckets:     []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		ConstLabels: constLabels,
	})
	bufferDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "chatpoints_buffer_undecodable_total",
		Help:        "Buffer entries skipped because they could not be decoded.",
		ConstLabels: constLabels,
	})
	bufferEnqueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chatpoints_buffer_enqueued_total",
		Help:        "Flushed entries by enqueue result.",
		ConstLabels: constLabels,
	}, []string{"result"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobErrors,
		jobsClaimed,
		jobsProcessed,
		batchDeferred,
		runLoopLag,
		lockWait,
		lockHeld,
		inflight,
		awardOutcomes,
		awardRetries,
		bufferFlushSize,
		bufferDropped,
		bufferEnqueued,
	)

	return &WorkerMetrics{
		jobRuns:         jobRuns,
		jobDuration:     jobDuration,
		jobErrors:       jobErrors,
		jobsClaimed:     jobsClaimed,
		jobsProcessed:   jobsProcessed,
		batchDeferred:   batchDeferred,
		runLoopLag:      runLoopLag,
		lockWait:        lockWait,
		lockHeld:        lockHeld,
		inflight:        inflight,
		awardOutcomes:   awardOutcomes,
		awardRetries:    awardRetries,
		bufferFlushSize: bufferFlushSize,
		bufferDropped:   bufferDropped,
		bufferEnqueued:  bufferEnqueued,
	}
}

// IncJobRun increments the run counter for a worker job.
func (m *WorkerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records worker job latency in seconds.
func (m *WorkerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobError increments the job error counter with classification.
func (m *WorkerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *WorkerMetrics) AddJobsClaimed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.jobsClaimed.Add(float64(count))
}

func (m *WorkerMetrics) IncJobProcessed(outcome string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(outcome).Inc()
}

// IncBatchDeferred increments the deferred counter for a reason.
func (m *WorkerMetrics) IncBatchDeferred(reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *WorkerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ObserveDBLockWait records time spent in a locking statement.
func (m *WorkerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

func (m *WorkerMetrics) SetLockHeld(held bool) {
	if m == nil {
		return
	}
	if held {
		m.lockHeld.Set(1)
		return
	}
	m.lockHeld.Set(0)
}

func (m *WorkerMetrics) IncInflight() {
	if m != nil {
		m.inflight.Inc()
	}
}

func (m *WorkerMetrics) DecInflight() {
	if m != nil {
		m.inflight.Dec()
	}
}

// IncAwardOutcome counts an authoritative award result. Empty reason means awarded.
func (m *WorkerMetrics) IncAwardOutcome(reason string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(reason) == "" {
		reason = "awarded"
	}
	m.awardOutcomes.WithLabelValues(reason).Inc()
}

func (m *WorkerMetrics) IncAwardRetry() {
	if m != nil {
		m.awardRetries.Inc()
	}
}

func (m *WorkerMetrics) ObserveBufferFlush(size int) {
	if m == nil {
		return
	}
	m.bufferFlushSize.Observe(float64(size))
}

func (m *WorkerMetrics) AddBufferUndecodable(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.bufferDropped.Add(float64(count))
}

// AddBufferEnqueued counts flushed entries as "inserted" or "duplicate".
func (m *WorkerMetrics) AddBufferEnqueued(result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.bufferEnqueued.WithLabelValues(result).Add(float64(count))
}

// ClassifyJobReason maps worker errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return WorkerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WorkerJobReasonDeadlineExceeded
	}
	if errors.Is(err, ErrDecode) {
		return WorkerJobReasonDecode
	}
	switch pgCode(err) {
	case "55P03":
		return WorkerJobReasonDBLockTimeout
	case "40001":
		return WorkerJobReasonSerializationFailure
	case "40P01":
		return WorkerJobReasonDeadlock
	case "57014":
		return WorkerJobReasonStatementTimeout
	case "23505":
		return WorkerJobReasonUniqueViolation
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return WorkerJobReasonUniqueViolation
	}
	return WorkerJobReasonUnknown
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
