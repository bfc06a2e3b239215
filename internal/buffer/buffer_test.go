package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"github.com/smallbiznis/chatpoints/internal/clock"
	obsmetrics "github.com/smallbiznis/chatpoints/internal/observability/metrics"
	"github.com/smallbiznis/chatpoints/internal/ratelimit"
	"github.com/smallbiznis/chatpoints/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBuffer(t *testing.T, cfg Config) *Buffer {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	buf, err := New(Params{
		Client:  client,
		Log:     zap.NewNop(),
		Clock:   clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Config:  cfg,
		Locker:  ratelimit.NewLocker(client),
		Metrics: obsmetrics.NewWorkerMetricsForTest(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return buf
}

func chatEvent(i int) chatevent.ChatEvent {
	return chatevent.ChatEvent{
		MessageID:   fmt.Sprintf("m%d", i),
		Content:     "hello",
		TimestampMs: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Sender:      chatevent.Sender{ExternalUserID: 42, Username: "alice"},
		Broadcaster: chatevent.Broadcaster{ExternalUserID: 7, Username: "streamer"},
	}
}

func fill(t *testing.T, buf *Buffer, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		res, err := buf.BufferMessage(ctx, chatEvent(i))
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, int64(i), res.Length)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]chatevent.Envelope
	err     error
}

func (s *recordingSink) Persist(_ context.Context, envelopes []chatevent.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, envelopes)
	return nil
}

func TestFlushMessagesCapsBatch(t *testing.T) {
	buf := newTestBuffer(t, DefaultConfig())
	ctx := context.Background()
	fill(t, buf, 530)

	first, err := buf.FlushMessages(ctx)
	require.NoError(t, err)
	require.Len(t, first, 500)
	assert.Equal(t, "m1", first[0].Event.MessageID)
	assert.Equal(t, "m500", first[499].Event.MessageID)

	remaining, err := buf.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), remaining)

	second, err := buf.FlushMessages(ctx)
	require.NoError(t, err)
	require.Len(t, second, 30)
	assert.Equal(t, "m501", second[0].Event.MessageID)

	empty, err := buf.FlushMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFlushMessagesRejectsReentry(t *testing.T) {
	buf := newTestBuffer(t, DefaultConfig())
	ctx := context.Background()
	fill(t, buf, 3)

	buf.flushing.Store(true)
	got, err := buf.FlushMessages(ctx)
	assert.ErrorIs(t, err, ErrFlushInProgress)
	assert.Nil(t, got)

	length, err := buf.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)

	buf.flushing.Store(false)
	got, err = buf.FlushMessages(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestPeekThenRemoveKeepsLaterAppends(t *testing.T) {
	buf := newTestBuffer(t, DefaultConfig())
	ctx := context.Background()
	fill(t, buf, 4)

	batch, err := buf.PeekMessages(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 4, batch.Size)

	_, err = buf.BufferMessage(ctx, chatEvent(5))
	require.NoError(t, err)

	require.NoError(t, buf.RemoveMessages(ctx, batch.Size))
	left, err := buf.PeekMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left.Envelopes, 1)
	assert.Equal(t, "m5", left.Envelopes[0].Event.MessageID)
}

func TestBufferMessageSignalsAtCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchCap = 3
	buf := newTestBuffer(t, cfg)
	fill(t, buf, 2)

	select {
	case <-buf.Triggered():
		t.Fatal("flush triggered below batch cap")
	default:
	}

	_, err := buf.BufferMessage(context.Background(), chatEvent(3))
	require.NoError(t, err)

	select {
	case <-buf.Triggered():
	default:
		t.Fatal("expected flush trigger at batch cap")
	}
}

func TestFlusherPersistsThenRemoves(t *testing.T) {
	buf := newTestBuffer(t, DefaultConfig())
	ctx := context.Background()
	fill(t, buf, 530)

	sink := &recordingSink{}
	flusher := NewFlusher(buf, sink)

	n, err := flusher.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 530, n)
	require.Len(t, sink.batches, 2)
	assert.Len(t, sink.batches[0], 500)
	assert.Len(t, sink.batches[1], 30)

	length, err := buf.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestFlusherLeavesEntriesOnSinkFailure(t *testing.T) {
	buf := newTestBuffer(t, DefaultConfig())
	ctx := context.Background()
	fill(t, buf, 5)

	flusher := NewFlusher(buf, &recordingSink{err: errors.New("db down")})
	n, err := flusher.FlushOnce(ctx)
	require.Error(t, err)
	assert.Zero(t, n)

	length, err := buf.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), length)
}

func TestFlusherSkipsUndecodableEntries(t *testing.T) {
	buf := newTestBuffer(t, DefaultConfig())
	ctx := context.Background()
	fill(t, buf, 2)
	require.NoError(t, buf.client.RPush(ctx, buf.cfg.Key, "not-snappy").Err())

	sink := &recordingSink{}
	n, err := NewFlusher(buf, sink).FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 2)

	length, err := buf.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestFlusherYieldsToRemoteLockHolder(t *testing.T) {
	buf := newTestBuffer(t, DefaultConfig())
	ctx := context.Background()
	fill(t, buf, 2)

	_, ok, err := buf.locker.TryLock(ctx, buf.cfg.flushLockKey(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	sink := &recordingSink{}
	_, err = NewFlusher(buf, sink).FlushOnce(ctx)
	assert.ErrorIs(t, err, ErrFlushLocked)
	assert.Empty(t, sink.batches)
}
