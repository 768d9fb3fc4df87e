package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Snapshot is the persisted measurement set of one bucket.
type Snapshot struct {
	ID           snowflake.ID                      `gorm:"primaryKey;autoIncrement:false"`
	ScopeKey     string                            `gorm:"type:text;not null;index:idx_tally_snapshots_key,priority:1"`
	ProductID    string                            `gorm:"type:text;not null;index:idx_tally_snapshots_key,priority:2"`
	Granularity  Granularity                       `gorm:"type:text;not null;index:idx_tally_snapshots_key,priority:3"`
	SnapshotDate time.Time                         `gorm:"not null;index:idx_tally_snapshots_key,priority:4"`
	Measurements datatypes.JSONType[Measurements] `gorm:"not null"`
	CreatedAt    time.Time                         `gorm:"not null"`
	UpdatedAt    time.Time                         `gorm:"not null"`
}

func (Snapshot) TableName() string { return "tally_snapshots" }

// Key returns the bucket key the snapshot is stored under.
func (s Snapshot) Key() BucketKey {
	return BucketKey{
		ScopeKey:     s.ScopeKey,
		ProductID:    s.ProductID,
		Granularity:  s.Granularity,
		SnapshotDate: s.SnapshotDate,
	}
}

// Totals returns the stored totals for t.
func (s Snapshot) Totals(t HardwareMeasurementType) (Totals, bool) {
	return s.Measurements.Data().Get(t)
}

// HasData reports whether the snapshot carries at least one category.
func (s Snapshot) HasData() bool {
	return len(s.Measurements.Data()) > 0
}

// BucketKey identifies a single snapshot row.
type BucketKey struct {
	ScopeKey     string
	ProductID    string
	Granularity  Granularity
	SnapshotDate time.Time
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.ScopeKey, k.ProductID, k.Granularity, k.SnapshotDate.UTC().Format(time.RFC3339))
}

// Validate checks the key fields and that SnapshotDate sits on a bucket boundary.
func (k BucketKey) Validate() error {
	if strings.TrimSpace(k.ScopeKey) == "" {
		return ErrInvalidScope
	}
	if strings.TrimSpace(k.ProductID) == "" {
		return ErrInvalidProduct
	}
	b, err := k.Granularity.Bucketing()
	if err != nil {
		return err
	}
	if k.SnapshotDate.IsZero() || !b.Start(k.SnapshotDate).Equal(k.SnapshotDate) {
		return ErrInvalidBucket
	}
	return nil
}

// KeyFor builds the key of the bucket containing at.
func KeyFor(scope, productID string, g Granularity, at time.Time) (BucketKey, error) {
	b, err := g.Bucketing()
	if err != nil {
		return BucketKey{}, err
	}
	key := BucketKey{
		ScopeKey:     scope,
		ProductID:    productID,
		Granularity:  g,
		SnapshotDate: b.Start(at),
	}
	if err := key.Validate(); err != nil {
		return BucketKey{}, err
	}
	return key, nil
}
