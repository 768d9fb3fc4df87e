package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/tally/internal/tally/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type usageSource struct {
	log *zap.Logger
}

func ProvideUsageSource(log *zap.Logger) domain.UsageSource {
	return &usageSource{log: log.Named("tally.source")}
}

type observationRow struct {
	HostID     string
	Category   string
	Cores      int
	Sockets    int
	Instances  int
	ObservedAt time.Time
}

// Collect returns the latest observation of every host reporting the product
// inside [start, end).
func (s *usageSource) Collect(
	ctx context.Context,
	db *gorm.DB,
	key domain.BucketKey,
	start, end time.Time,
) (domain.UsageBatch, error) {
	var rows []observationRow
	err := db.WithContext(ctx).Raw(
		`SELECT host_id, category, cores, sockets, instances, observed_at
		 FROM usage_observations
		 WHERE scope = ? AND product_id = ? AND observed_at >= ? AND observed_at < ?
		 ORDER BY host_id ASC, observed_at DESC, id DESC`,
		key.ScopeKey,
		key.ProductID,
		start.UTC(),
		end.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return domain.UsageBatch{}, err
	}

	batch := domain.UsageBatch{}
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.HostID]; ok {
			continue
		}

		// a rejected row leaves the host open for its next older reading
		category, err := domain.ParseMeasurementType(row.Category)
		if err != nil || category == domain.MeasurementTypeTotal {
			s.log.Warn("skipping observation with unknown category",
				zap.String("bucket", key.String()),
				zap.String("host_id", row.HostID),
				zap.String("category", row.Category),
			)
			continue
		}
		seen[row.HostID] = struct{}{}
		batch.Observations = append(batch.Observations, domain.Observation{
			HostID:     row.HostID,
			Category:   category,
			Cores:      row.Cores,
			Sockets:    row.Sockets,
			Instances:  row.Instances,
			ObservedAt: row.ObservedAt,
		})
	}
	if len(batch.Observations) > 0 {
		return batch, nil
	}

	cleared, err := s.inventoriedSince(ctx, db, key.ScopeKey, start)
	if err != nil {
		return domain.UsageBatch{}, err
	}
	batch.Cleared = cleared
	return batch, nil
}

func (s *usageSource) inventoriedSince(ctx context.Context, db *gorm.DB, scope string, start time.Time) (bool, error) {
	var checkpoint domain.InventoryCheckpoint
	err := db.WithContext(ctx).Raw(
		`SELECT scope, synced_at FROM usage_inventory_checkpoints WHERE scope = ?`,
		scope,
	).Scan(&checkpoint).Error
	if err != nil {
		return false, err
	}
	if checkpoint.Scope == "" {
		return false, nil
	}
	return !checkpoint.SyncedAt.Before(start), nil
}

func (s *usageSource) ListTargets(ctx context.Context, db *gorm.DB, since time.Time) ([]domain.Target, error) {
	var rows []domain.Target
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT scope AS scope_key, product_id
		 FROM usage_observations
		 WHERE observed_at >= ?
		 ORDER BY scope_key ASC, product_id ASC`,
		since.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
