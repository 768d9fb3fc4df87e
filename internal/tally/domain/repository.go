package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SnapshotRepository persists snapshots. Every method takes the gorm handle
// so callers control the transaction.
type SnapshotRepository interface {
	FindByKey(ctx context.Context, db *gorm.DB, key BucketKey) ([]Snapshot, error)
	FindRange(ctx context.Context, db *gorm.DB, scope, productID string, g Granularity, start, end time.Time) ([]Snapshot, error)
	Insert(ctx context.Context, db *gorm.DB, snapshot *Snapshot) error
	UpdateMeasurements(ctx context.Context, db *gorm.DB, id snowflake.ID, measurements Measurements, updatedAt time.Time) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
}

// UsageSource yields the raw observations for one bucket.
type UsageSource interface {
	Collect(ctx context.Context, db *gorm.DB, key BucketKey, start, end time.Time) (UsageBatch, error)
	ListTargets(ctx context.Context, db *gorm.DB, since time.Time) ([]Target, error)
}

// Observation is one host's reported capacity.
type Observation struct {
	HostID     string
	Category   HardwareMeasurementType
	Cores      int
	Sockets    int
	Instances  int
	ObservedAt time.Time
}

// UsageBatch is the result of collecting a bucket. Cleared marks a bucket the
// source knows to be empty, as opposed to one it has no information about.
type UsageBatch struct {
	Observations []Observation
	Cleared      bool
}

// Target is a scope and product pair with recent usage.
type Target struct {
	ScopeKey  string
	ProductID string
}

// UsageObservation is the raw inventory row the gorm usage source reads.
type UsageObservation struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	Scope      string    `gorm:"type:text;not null;index:idx_usage_observations_lookup,priority:1"`
	ProductID  string    `gorm:"type:text;not null;index:idx_usage_observations_lookup,priority:2"`
	HostID     string    `gorm:"type:text;not null"`
	Category   string    `gorm:"type:text;not null"`
	Cores      int       `gorm:"not null;default:0"`
	Sockets    int       `gorm:"not null;default:0"`
	Instances  int       `gorm:"not null"`
	ObservedAt time.Time `gorm:"not null;index:idx_usage_observations_lookup,priority:3"`
}

func (UsageObservation) TableName() string { return "usage_observations" }

// InventoryCheckpoint records the last completed inventory sync of a scope.
type InventoryCheckpoint struct {
	Scope    string    `gorm:"primaryKey;type:text"`
	SyncedAt time.Time `gorm:"not null"`
}

func (InventoryCheckpoint) TableName() string { return "usage_inventory_checkpoints" }
