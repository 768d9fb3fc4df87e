package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type snapshotRepo struct{}

func ProvideSnapshot() domain.SnapshotRepository {
	return &snapshotRepo{}
}

func (r *snapshotRepo) FindByKey(ctx context.Context, db *gorm.DB, key domain.BucketKey) ([]domain.Snapshot, error) {
	var rows []domain.Snapshot
	err := db.WithContext(ctx).Raw(
		`SELECT id, scope_key, product_id, granularity, snapshot_date, measurements, created_at, updated_at
		 FROM tally_snapshots
		 WHERE scope_key = ? AND product_id = ? AND granularity = ? AND snapshot_date = ?
		 ORDER BY created_at ASC, id ASC`,
		key.ScopeKey,
		key.ProductID,
		key.Granularity,
		key.SnapshotDate.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *snapshotRepo) FindRange(
	ctx context.Context,
	db *gorm.DB,
	scope, productID string,
	g domain.Granularity,
	start, end time.Time,
) ([]domain.Snapshot, error) {
	var rows []domain.Snapshot
	err := db.WithContext(ctx).Raw(
		`SELECT id, scope_key, product_id, granularity, snapshot_date, measurements, created_at, updated_at
		 FROM tally_snapshots
		 WHERE scope_key = ? AND product_id = ? AND granularity = ?
		   AND snapshot_date >= ? AND snapshot_date <= ?
		 ORDER BY snapshot_date ASC, created_at ASC, id ASC`,
		scope,
		productID,
		g,
		start.UTC(),
		end.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *snapshotRepo) Insert(ctx context.Context, db *gorm.DB, snapshot *domain.Snapshot) error {
	if snapshot == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO tally_snapshots (id, scope_key, product_id, granularity, snapshot_date, measurements, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID,
		snapshot.ScopeKey,
		snapshot.ProductID,
		snapshot.Granularity,
		snapshot.SnapshotDate.UTC(),
		snapshot.Measurements,
		snapshot.CreatedAt.UTC(),
		snapshot.UpdatedAt.UTC(),
	).Error
}

func (r *snapshotRepo) UpdateMeasurements(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	measurements domain.Measurements,
	updatedAt time.Time,
) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE tally_snapshots SET measurements = ?, updated_at = ? WHERE id = ?`,
		datatypes.NewJSONType(measurements),
		updatedAt.UTC(),
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *snapshotRepo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM tally_snapshots WHERE id = ?`, id).Error
}
