// Package worker periodically rolls the open and recently closed buckets of
// every scope and product with recent usage.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/config"
	obscontext "github.com/smallbiznis/tally/internal/observability/context"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/product"
	"github.com/smallbiznis/tally/internal/ratelimit"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/internal/tally/roller"
	"github.com/smallbiznis/tally/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Roller rolls a single bucket.
type Roller interface {
	Roll(ctx context.Context, req roller.RollRequest) (roller.Result, error)
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Source      domain.UsageSource
	Roller      Roller
	Allowlist   *product.Allowlist
	TallyConfig *config.TallyConfigHolder
	Limiter     *ratelimit.RollLimiter    `optional:"true"`
	Metrics     *obsmetrics.WorkerMetrics `optional:"true"`
	Config      Config                    `optional:"true"`
}

type Worker struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	source      domain.UsageSource
	roller      Roller
	allowlist   *product.Allowlist
	tallyConfig *config.TallyConfigHolder
	limiter     *ratelimit.RollLimiter
	metrics     *obsmetrics.WorkerMetrics
	cfg         Config

	cursor int
}

// RunStats summarizes one worker run.
type RunStats struct {
	Targets  int
	Rolled   int
	Changed  int
	Deferred int
	Failed   int
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:          p.DB,
		log:         p.Log.Named("tally.worker"),
		clock:       p.Clock,
		source:      p.Source,
		roller:      p.Roller,
		allowlist:   p.Allowlist,
		tallyConfig: p.TallyConfig,
		limiter:     p.Limiter,
		metrics:     p.Metrics,
		cfg:         p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	expected := w.clock.Now()
	for {
		w.metrics.ObserveRunLoopLag(w.clock.Now().Sub(expected))
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warn("tally run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expected = expected.Add(w.cfg.PollInterval)
			if now := w.clock.Now(); now.Sub(expected) > w.cfg.PollInterval {
				expected = now
			}
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) (RunStats, error) {
	runID := correlation.NewID()
	ctx := obscontext.WithRunID(parentCtx, runID)
	ctx = correlation.ContextWithCorrelationID(ctx, runID)
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancel()

	start := w.clock.Now()
	w.metrics.IncJobRun(obsmetrics.JobTally)

	stats, err := w.processBatch(ctx)
	w.metrics.ObserveJobDuration(obsmetrics.JobTally, w.clock.Now().Sub(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			w.metrics.IncJobTimeout(obsmetrics.JobTally)
		}
		w.metrics.IncJobError(obsmetrics.JobTally, err)
		return stats, err
	}
	if stats.Failed == 0 {
		w.metrics.SetLastSuccess(obsmetrics.JobTally, w.clock.Now())
	}

	w.log.Info("tally run finished",
		zap.String("run_id", runID),
		zap.Int("targets", stats.Targets),
		zap.Int("rolled", stats.Rolled),
		zap.Int("changed", stats.Changed),
		zap.Int("deferred", stats.Deferred),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

func (w *Worker) processBatch(ctx context.Context) (RunStats, error) {
	var stats RunStats
	tallyCfg := w.tallyConfig.Get()
	now := w.clock.Now()

	targets, err := w.source.ListTargets(ctx, w.db, now.Add(-tallyCfg.TargetLookback))
	if err != nil {
		return stats, err
	}
	targets = w.filterTargets(targets)
	targets = w.nextWindow(targets)
	stats.Targets = len(targets)

	for _, target := range targets {
		for _, g := range tallyCfg.EnabledGranularities() {
			b, err := g.Bucketing()
			if err != nil {
				continue
			}
			current := b.Start(now)
			for i := 0; i <= tallyCfg.PreviousBuckets; i++ {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				req := roller.RollRequest{
					Scope:       target.ScopeKey,
					ProductID:   target.ProductID,
					Granularity: g,
					BucketAt:    b.Shift(current, -i),
				}
				w.rollBucket(ctx, req, &stats)
			}
		}
	}
	return stats, nil
}

func (w *Worker) rollBucket(ctx context.Context, req roller.RollRequest, stats *RunStats) {
	key, err := domain.KeyFor(req.Scope, req.ProductID, req.Granularity, req.BucketAt)
	if err != nil {
		stats.Failed++
		w.log.Warn("invalid tally target", zap.String("scope", req.Scope), zap.String("product_id", req.ProductID), zap.Error(err))
		return
	}
	log := w.log.With(zap.String("bucket", key.String()))

	token, locked, err := w.lock(ctx, key)
	if err != nil {
		stats.Failed++
		w.metrics.IncJobError(obsmetrics.JobTally, err)
		log.Warn("bucket lock failed", zap.Error(err))
		return
	}
	if !locked {
		stats.Deferred++
		w.metrics.IncBatchDeferred(obsmetrics.JobTally, obsmetrics.BatchDeferredReasonLocked)
		log.Debug("bucket locked by another roller")
		return
	}
	defer w.unlock(key, token)

	rowCtx, cancel := context.WithTimeout(obscontext.WithScope(ctx, req.Scope), w.cfg.RowTimeout)
	defer cancel()

	result, err := w.roller.Roll(rowCtx, req)
	if err != nil {
		stats.Failed++
		w.metrics.IncJobError(obsmetrics.JobTally, err)
		log.Warn("bucket roll failed", zap.Error(err))
		return
	}
	stats.Rolled++
	w.metrics.AddBucketsRolled(string(req.Granularity), 1)
	if result.Outcome.Changed() {
		stats.Changed++
	}
}

func (w *Worker) lock(ctx context.Context, key domain.BucketKey) (string, bool, error) {
	if !w.cfg.LockBuckets || !w.limiter.LockingEnabled() {
		return "", true, nil
	}
	return w.limiter.TryLockBucket(ctx, key)
}

func (w *Worker) unlock(key domain.BucketKey, token string) {
	if token == "" {
		return
	}
	// release even when the run context has expired
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.limiter.ReleaseBucket(ctx, key, token); err != nil {
		w.log.Warn("bucket unlock failed", zap.String("bucket", key.String()), zap.Error(err))
	}
}

func (w *Worker) filterTargets(targets []domain.Target) []domain.Target {
	if w.allowlist == nil {
		return targets
	}
	out := targets[:0]
	for _, t := range targets {
		if w.allowlist.Allows(t.ProductID) {
			out = append(out, t)
		}
	}
	return out
}

// nextWindow returns at most BatchSize targets, resuming after the previous
// window so large target lists are covered over consecutive runs.
func (w *Worker) nextWindow(targets []domain.Target) []domain.Target {
	if len(targets) <= w.cfg.BatchSize {
		w.cursor = 0
		return targets
	}
	if w.cursor >= len(targets) {
		w.cursor = 0
	}
	end := w.cursor + w.cfg.BatchSize
	var window []domain.Target
	if end <= len(targets) {
		window = targets[w.cursor:end]
	} else {
		window = append(append([]domain.Target{}, targets[w.cursor:]...), targets[:end-len(targets)]...)
	}
	w.cursor = end % len(targets)
	return window
}
