package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module builds the worker without starting it; RunModule adds the loop.
var Module = fx.Module("worker",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideLock),
	fx.Provide(New),
)

var RunModule = fx.Module("worker.run",
	fx.Invoke(StartWorker),
)

// StartWorker runs the loop for the app lifetime. Losing or never getting
// the lock shuts the process down so a supervisor can restart it.
func StartWorker(lc fx.Lifecycle, w *Worker, shutdowner fx.Shutdowner, log *zap.Logger) {
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
				err := w.Run(ctx)
				if err == nil || ctx.Err() != nil {
					return
				}
				code := 1
				if errors.Is(err, ErrLockNotAcquired) {
					code = 0
				}
				log.Error("worker.exit", zap.Error(err))
				_ = shutdowner.Shutdown(fx.ExitCode(code))
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
