package usageexport

import (
	"context"
	"io"
	"time"

	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/tally/roller"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("usage.export",
	fx.Provide(NewRegistry),
	fx.Provide(NewRecorder),
	fx.Provide(
		fx.Annotate(
			func(r *Recorder) roller.Listener { return r },
			fx.ResultTags(`group:"tally_listeners"`),
		),
	),
	fx.Provide(NewPusher),
	fx.Invoke(startPushLoop),
)

func startPushLoop(lc fx.Lifecycle, cfg config.Config, registry *Registry, pusher Pusher, log *zap.Logger) {
	if pusher == nil {
		return
	}
	log = log.Named("usage.export")
	interval := cfg.UsageExport.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting usage export", zap.String("exporter", cfg.UsageExport.Exporter), zap.Duration("interval", interval))
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						pushOnce(ctx, pusher, registry, log)
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			// final flush of the last open bucket totals
			pushOnce(stopCtx, pusher, registry, log)
			if closer, ok := pusher.(io.Closer); ok {
				return closer.Close()
			}
			return nil
		},
	})
}

func pushOnce(ctx context.Context, pusher Pusher, registry *Registry, log *zap.Logger) {
	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	if err := pusher.Push(pushCtx, registry); err != nil {
		log.Warn("usage export push failed", zap.Error(err))
	}
}
