package worker

import (
	"context"

	"github.com/smallbiznis/tally/internal/tally/roller"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tally.worker",
	fx.Provide(NewConfig),
	fx.Provide(func(s *roller.Service) Roller { return s }),
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, worker *Worker, cfg Config, log *zap.Logger) {
	if !cfg.Enabled {
		log.Info("tally worker disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				worker.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
