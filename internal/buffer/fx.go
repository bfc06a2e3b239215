package buffer

import (
	"context"
	"sync"

	"go.uber.org/fx"
)

var Module = fx.Module("buffer",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

// FlusherModule runs the background flusher; only API processes include it.
var FlusherModule = fx.Module("buffer.flusher",
	fx.Provide(NewFlusher),
	fx.Invoke(StartFlusher),
)

func StartFlusher(lc fx.Lifecycle, flusher *Flusher) {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			wg.Add(1)
			go func() {
				defer wg.Done()
				flusher.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
