package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 4 * time.Millisecond}
}

func TestRetryPolicyNextDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 100*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(3))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(6))
}

func TestRetryPolicyRetriesTransientErrors(t *testing.T) {
	calls := 0
	retries := 0
	err := fastPolicy().Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	}, func(int, error) { retries++ })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := fastPolicy().Execute(context.Background(), func(context.Context) error {
		calls++
		return boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyGivesUpAfterBudget(t *testing.T) {
	calls := 0
	err := fastPolicy().Execute(context.Background(), func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: "55P03"}
	}, nil)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "55P03", pgErr.Code)
	assert.Equal(t, 3, calls)
}
