package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: WorkerJobReasonDeadlineExceeded},
		{name: "decode", err: fmt.Errorf("job 7: %w", ErrDecode), want: WorkerJobReasonDecode},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: WorkerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: WorkerJobReasonSerializationFailure},
		{name: "deadlock", err: fmt.Errorf("award: %w", &pgconn.PgError{Code: "40P01"}), want: WorkerJobReasonDeadlock},
		{name: "statement_timeout", err: &pgconn.PgError{Code: "57014"}, want: WorkerJobReasonStatementTimeout},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: WorkerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: WorkerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestWorkerMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWorkerMetricsForTest(registry)

	m.AddJobsClaimed(3)
	m.IncJobProcessed(JobOutcomeCompleted)
	m.IncJobProcessed(JobOutcomeCompleted)
	m.IncAwardOutcome("")
	m.IncAwardOutcome("rate_limited")
	m.SetLockHeld(true)

	if got := testutil.ToFloat64(m.jobsClaimed); got != 3 {
		t.Fatalf("expected claimed 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobsProcessed.WithLabelValues(JobOutcomeCompleted)); got != 2 {
		t.Fatalf("expected completed 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.awardOutcomes.WithLabelValues("awarded")); got != 1 {
		t.Fatalf("expected awarded 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.lockHeld); got != 1 {
		t.Fatalf("expected lock held gauge 1, got %v", got)
	}
}

func TestNilWorkerMetricsAreSafe(t *testing.T) {
	var m *WorkerMetrics
	m.IncJobRun("process")
	m.IncJobError("process", errors.New("boom"))
	m.ObserveBufferFlush(10)
	m.SetLockHeld(false)
}
