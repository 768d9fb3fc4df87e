package roller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/observability/logger"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recorder receives roll outcomes for metrics.
type Recorder interface {
	RecordRoll(ctx context.Context, granularity, outcome string)
	RecordDuplicatesRemoved(ctx context.Context, granularity string, count int)
	RecordRollError(ctx context.Context, granularity string, err error)
}

type Options struct {
	Clock    clock.Clock
	Repo     domain.SnapshotRepository
	Source   domain.UsageSource
	GenID    *snowflake.Node
	Log      *zap.Logger
	Recorder Recorder
	// Policy is consulted on every roll of a closed bucket. Nil means replace.
	Policy func() domain.UpdatePolicy
}

// Roller recomputes and persists the snapshots of one granularity.
type Roller struct {
	granularity domain.Granularity
	bucketing   domain.Bucketing
	clock       clock.Clock
	repo        domain.SnapshotRepository
	source      domain.UsageSource
	genID       *snowflake.Node
	log         *zap.Logger
	recorder    Recorder
	policy      func() domain.UpdatePolicy
}

func NewRoller(g domain.Granularity, opts Options) (*Roller, error) {
	b, err := g.Bucketing()
	if err != nil {
		return nil, err
	}
	if opts.Repo == nil || opts.Source == nil || opts.GenID == nil {
		return nil, errors.New("roller requires a repository, usage source and id generator")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Policy == nil {
		opts.Policy = func() domain.UpdatePolicy { return domain.UpdatePolicyReplace }
	}
	return &Roller{
		granularity: g,
		bucketing:   b,
		clock:       opts.Clock,
		repo:        opts.Repo,
		source:      opts.Source,
		genID:       opts.GenID,
		log:         opts.Log.Named("tally.roller"),
		recorder:    opts.Recorder,
		policy:      opts.Policy,
	}, nil
}

func (r *Roller) Granularity() domain.Granularity {
	return r.granularity
}

// Roll reconciles one bucket against the usage source inside its own
// transaction. A failure is returned wrapped with the bucket key.
func (r *Roller) Roll(ctx context.Context, db *gorm.DB, key domain.BucketKey) (Result, error) {
	if key.Granularity != r.granularity {
		return Result{}, fmt.Errorf("roll %s: %w", key, domain.ErrUnsupportedGranularity)
	}
	if err := key.Validate(); err != nil {
		return Result{}, fmt.Errorf("roll %s: %w", key, err)
	}

	var result Result
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = r.roll(ctx, tx, key)
		return err
	})
	if err != nil {
		r.recordError(ctx, err)
		return Result{Key: key}, fmt.Errorf("roll %s: %w", key, err)
	}

	if r.recorder != nil {
		r.recorder.RecordRoll(ctx, string(r.granularity), string(result.Outcome))
		if result.DuplicatesRemoved > 0 {
			r.recorder.RecordDuplicatesRemoved(ctx, string(r.granularity), result.DuplicatesRemoved)
		}
	}
	return result, nil
}

// RollAll rolls every key independently and joins the failures.
func (r *Roller) RollAll(ctx context.Context, db *gorm.DB, keys []domain.BucketKey) ([]Result, error) {
	results := make([]Result, 0, len(keys))
	var errs []error
	for _, key := range keys {
		res, err := r.Roll(ctx, db, key)
		if err != nil {
			r.bucketLog(key).Warn("bucket roll failed", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (r *Roller) bucketLog(key domain.BucketKey) *zap.Logger {
	return logger.WithBucket(r.log, key.ScopeKey, key.ProductID, string(key.Granularity)).
		With(zap.Time("snapshot_date", key.SnapshotDate))
}

func (r *Roller) roll(ctx context.Context, tx *gorm.DB, key domain.BucketKey) (Result, error) {
	now := r.clock.Now()
	result := Result{
		Key:      key,
		Open:     r.isOpen(key, now),
		RolledAt: now,
	}

	rows, err := r.repo.FindByKey(ctx, tx, key)
	if err != nil {
		return result, fmt.Errorf("find snapshots: %w", err)
	}
	canonical, duplicates := pickCanonical(rows)
	for _, dup := range duplicates {
		if err := r.repo.Delete(ctx, tx, dup.ID); err != nil {
			return result, fmt.Errorf("delete duplicate snapshot %s: %w", dup.ID, err)
		}
		result.DuplicatesRemoved++
	}
	if result.DuplicatesRemoved > 0 {
		r.bucketLog(key).Warn("removed duplicate snapshots",
			zap.String("kept_id", canonical.ID.String()),
			zap.Int("removed", result.DuplicatesRemoved),
		)
	}

	start, end := r.bucketing.Range(key.SnapshotDate.In(now.Location()))
	batch, err := r.source.Collect(ctx, tx, key, start, end)
	if err != nil {
		return result, fmt.Errorf("collect usage: %w", err)
	}
	calc := r.calculate(key, batch)

	if calc.IsEmpty() {
		result.Outcome = OutcomeSkipped
		if canonical != nil && batch.Cleared {
			if err := r.repo.Delete(ctx, tx, canonical.ID); err != nil {
				return result, fmt.Errorf("delete cleared snapshot %s: %w", canonical.ID, err)
			}
			result.Outcome = OutcomeDeleted
		}
		return result, nil
	}

	fresh := calc.Measurements()
	if canonical == nil {
		snapshot := &domain.Snapshot{
			ID:           r.genID.Generate(),
			ScopeKey:     key.ScopeKey,
			ProductID:    key.ProductID,
			Granularity:  key.Granularity,
			SnapshotDate: key.SnapshotDate,
			Measurements: datatypes.NewJSONType(fresh),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := r.repo.Insert(ctx, tx, snapshot); err != nil {
			return result, fmt.Errorf("insert snapshot: %w", err)
		}
		result.Outcome = OutcomeCreated
		result.Measurements = fresh
		return result, nil
	}

	measurements := fresh
	if !result.Open {
		measurements = r.policy().Apply(canonical.Measurements.Data(), fresh)
	}
	if err := r.repo.UpdateMeasurements(ctx, tx, canonical.ID, measurements, now); err != nil {
		return result, fmt.Errorf("update snapshot %s: %w", canonical.ID, err)
	}
	result.Outcome = OutcomeUpdated
	result.Measurements = measurements
	return result, nil
}

func (r *Roller) calculate(key domain.BucketKey, batch domain.UsageBatch) *domain.UsageCalculation {
	calc := domain.NewUsageCalculation(key.ProductID)
	for _, obs := range batch.Observations {
		if obs.Cores < 0 || obs.Sockets < 0 || obs.Instances < 0 {
			r.bucketLog(key).Warn("skipping observation with negative totals",
				zap.String("host_id", obs.HostID),
			)
			continue
		}
		if err := calc.AddObservation(obs); err != nil {
			r.bucketLog(key).Warn("skipping observation",
				zap.String("host_id", obs.HostID),
				zap.String("category", string(obs.Category)),
				zap.Error(err),
			)
		}
	}
	return calc
}

// isOpen reports whether key is the current bucket (or later) at now.
func (r *Roller) isOpen(key domain.BucketKey, now time.Time) bool {
	return !key.SnapshotDate.Before(r.bucketing.Start(now))
}

func (r *Roller) recordError(ctx context.Context, err error) {
	if r.recorder != nil {
		r.recorder.RecordRollError(ctx, string(r.granularity), err)
	}
}

// pickCanonical keeps the oldest row by creation time, lowest id on ties.
func pickCanonical(rows []domain.Snapshot) (*domain.Snapshot, []domain.Snapshot) {
	if len(rows) == 0 {
		return nil, nil
	}
	sorted := append([]domain.Snapshot(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	canonical := sorted[0]
	return &canonical, sorted[1:]
}
