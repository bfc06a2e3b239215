package buffer

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"go.uber.org/zap"
)

// Sink receives flushed envelopes. Persist must be idempotent per message id;
// a batch can be delivered more than once when a remove fails after persist.
type Sink interface {
	Persist(ctx context.Context, envelopes []chatevent.Envelope) error
}

type SinkFunc func(ctx context.Context, envelopes []chatevent.Envelope) error

func (f SinkFunc) Persist(ctx context.Context, envelopes []chatevent.Envelope) error {
	return f(ctx, envelopes)
}

// Flusher moves buffered entries into the sink with peek, persist, remove.
// A persist failure leaves the entries at the head for the next run.
type Flusher struct {
	buf  *Buffer
	sink Sink
	log  *zap.Logger
}

func NewFlusher(buf *Buffer, sink Sink) *Flusher {
	return &Flusher{
		buf:  buf,
		sink: sink,
		log:  buf.log.Named("flusher"),
	}
}

func (f *Flusher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(f.buf.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.finalDrain()
			return
		case <-ticker.C:
		case <-f.buf.Triggered():
		}

		if _, err := f.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			f.log.Warn("buffer.flush.failed", zap.Error(err))
		}
	}
}

// Drain flushes full batches until the buffer holds less than one batch.
func (f *Flusher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := f.FlushOnce(ctx)
		total += n
		if err != nil {
			if errors.Is(err, ErrFlushInProgress) || errors.Is(err, ErrFlushLocked) {
				return total, nil
			}
			return total, err
		}
		if n < f.buf.cfg.BatchCap {
			return total, nil
		}
	}
}

// FlushOnce runs one peek, persist, remove round and returns the number of
// entries removed from the buffer.
func (f *Flusher) FlushOnce(ctx context.Context) (int, error) {
	b := f.buf
	if !b.flushing.CompareAndSwap(false, true) {
		return 0, ErrFlushInProgress
	}
	defer b.flushing.Store(false)

	if b.locker != nil {
		token, ok, err := b.locker.TryLock(ctx, b.cfg.flushLockKey(), b.cfg.FlushLockTTL)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrFlushLocked
		}
		defer func() {
			_ = b.locker.Release(context.WithoutCancel(ctx), b.cfg.flushLockKey(), token)
		}()
	}

	start := time.Now()
	batch, err := b.PeekMessages(ctx, b.cfg.BatchCap)
	if err != nil {
		return 0, err
	}
	if batch.Size == 0 {
		return 0, nil
	}

	if len(batch.Envelopes) > 0 {
		if err := f.sink.Persist(ctx, batch.Envelopes); err != nil {
			return 0, err
		}
	}
	if err := b.RemoveMessages(ctx, batch.Size); err != nil {
		return 0, err
	}

	b.metrics.ObserveBufferFlush(batch.Size)
	f.log.Info("buffer.flush.finish",
		zap.Int("size", batch.Size),
		zap.Int("undecodable", batch.Undecodable),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return batch.Size, nil
}

func (f *Flusher) finalDrain() {
	ctx, cancel := context.WithTimeout(context.Background(), f.buf.cfg.DrainTimeout)
	defer cancel()

	n, err := f.Drain(ctx)
	if err != nil {
		f.log.Warn("buffer.drain.failed", zap.Int("flushed", n), zap.Error(err))
		return
	}
	if n > 0 {
		f.log.Info("buffer.drain.finish", zap.Int("flushed", n))
	}
}
