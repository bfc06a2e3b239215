package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"github.com/smallbiznis/chatpoints/internal/clock"
	obslogger "github.com/smallbiznis/chatpoints/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chatpoints/internal/observability/metrics"
	"github.com/smallbiznis/chatpoints/internal/ratelimit"
	"github.com/smallbiznis/chatpoints/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrFlushInProgress   = errors.New("flush_in_progress")
	ErrFlushLocked       = errors.New("flush_locked_elsewhere")
	ErrBufferUnavailable = errors.New("buffer_unavailable")
)

type BufferResult struct {
	Success bool
	Length  int64
}

// Batch is one non-destructive read of the buffer head. Size counts raw
// entries, including the ones that failed to decode, so RemoveMessages(Size)
// trims exactly what was read.
type Batch struct {
	Envelopes   []chatevent.Envelope
	Size        int
	Undecodable int
}

type Params struct {
	fx.In

	Client  *redis.Client
	Log     *zap.Logger
	Clock   clock.Clock
	Config  Config                    `optional:"true"`
	Locker  *ratelimit.Locker         `optional:"true"`
	Metrics *obsmetrics.WorkerMetrics `optional:"true"`
}

// Buffer is a redis list of encoded chat envelopes sitting in front of the
// durable job queue. Appends never touch the relational store.
type Buffer struct {
	client  *redis.Client
	locker  *ratelimit.Locker
	cfg     Config
	log     *zap.Logger
	clock   clock.Clock
	metrics *obsmetrics.WorkerMetrics

	flushing atomic.Bool
	trigger  chan struct{}
}

func New(p Params) (*Buffer, error) {
	if p.Client == nil {
		return nil, ErrBufferUnavailable
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Buffer{
		client:  p.Client,
		locker:  p.Locker,
		cfg:     p.Config.withDefaults(),
		log:     log.Named("buffer"),
		clock:   clk,
		metrics: p.Metrics,
		trigger: make(chan struct{}, 1),
	}, nil
}

// BufferMessage appends the event to the tail of the buffer. Crossing the
// batch cap wakes the flusher for an out-of-band flush.
func (b *Buffer) BufferMessage(ctx context.Context, event chatevent.ChatEvent) (BufferResult, error) {
	data, err := chatevent.Encode(chatevent.Envelope{
		Event:      event,
		Trace:      correlation.Inject(ctx),
		ReceivedAt: b.clock.Now(),
	})
	if err != nil {
		return BufferResult{}, err
	}

	length, err := b.client.RPush(ctx, b.cfg.Key, data).Result()
	if err != nil {
		return BufferResult{}, fmt.Errorf("buffer append: %w", err)
	}

	if length >= int64(b.cfg.BatchCap) {
		b.signal()
	}
	return BufferResult{Success: true, Length: length}, nil
}

// FlushMessages atomically pops up to BatchCap entries from the head.
// Undecodable entries are dropped and counted.
func (b *Buffer) FlushMessages(ctx context.Context) ([]chatevent.Envelope, error) {
	if !b.flushing.CompareAndSwap(false, true) {
		return nil, ErrFlushInProgress
	}
	defer b.flushing.Store(false)

	var lrange *redis.StringSliceCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, b.cfg.Key, 0, int64(b.cfg.BatchCap-1))
		pipe.LTrim(ctx, b.cfg.Key, int64(b.cfg.BatchCap), -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("buffer flush: %w", err)
	}

	batch := b.decode(ctx, lrange.Val())
	b.metrics.ObserveBufferFlush(batch.Size)
	return batch.Envelopes, nil
}

// PeekMessages reads up to n head entries without removing them.
func (b *Buffer) PeekMessages(ctx context.Context, n int) (Batch, error) {
	if n <= 0 {
		return Batch{}, nil
	}
	raw, err := b.client.LRange(ctx, b.cfg.Key, 0, int64(n-1)).Result()
	if err != nil {
		return Batch{}, fmt.Errorf("buffer peek: %w", err)
	}
	return b.decode(ctx, raw), nil
}

// RemoveMessages trims exactly n entries from the head.
func (b *Buffer) RemoveMessages(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := b.client.LTrim(ctx, b.cfg.Key, int64(n), -1).Err(); err != nil {
		return fmt.Errorf("buffer remove: %w", err)
	}
	return nil
}

func (b *Buffer) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.cfg.Key).Result()
}

// Triggered fires when an append pushed the buffer past the batch cap.
func (b *Buffer) Triggered() <-chan struct{} {
	return b.trigger
}

func (b *Buffer) signal() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

func (b *Buffer) decode(ctx context.Context, raw []string) Batch {
	batch := Batch{
		Envelopes: make([]chatevent.Envelope, 0, len(raw)),
		Size:      len(raw),
	}
	for i, entry := range raw {
		env, err := chatevent.Decode([]byte(entry))
		if err != nil {
			batch.Undecodable++
			obslogger.WithContext(ctx, b.log).Warn("buffer.entry.undecodable",
				zap.Int("position", i),
				zap.Int("bytes", len(entry)),
				zap.Error(err),
			)
			continue
		}
		batch.Envelopes = append(batch.Envelopes, env)
	}
	b.metrics.AddBufferUndecodable(batch.Undecodable)
	return batch
}
