package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	bucketStart = time.Date(2019, 5, 24, 0, 0, 0, 0, time.UTC)
	bucketEnd   = bucketStart.AddDate(0, 0, 1)
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&domain.Snapshot{}, &domain.UsageObservation{}, &domain.InventoryCheckpoint{}))
	return conn
}

func dailyKey() domain.BucketKey {
	return domain.BucketKey{
		ScopeKey:     "acct-1",
		ProductID:    "RHEL",
		Granularity:  domain.GranularityDaily,
		SnapshotDate: bucketStart,
	}
}

func observe(t *testing.T, conn *gorm.DB, host, category string, cores int, at time.Time) {
	t.Helper()
	require.NoError(t, conn.Create(&domain.UsageObservation{
		Scope:      "acct-1",
		ProductID:  "RHEL",
		HostID:     host,
		Category:   category,
		Cores:      cores,
		Sockets:    1,
		Instances:  1,
		ObservedAt: at.UTC(),
	}).Error)
}

func TestSnapshotRepositoryLifecycle(t *testing.T) {
	conn := setupDB(t)
	repo := ProvideSnapshot()
	ctx := context.Background()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	snap := domain.Snapshot{
		ID:           node.Generate(),
		ScopeKey:     "acct-1",
		ProductID:    "RHEL",
		Granularity:  domain.GranularityDaily,
		SnapshotDate: bucketStart,
		Measurements: datatypes.NewJSONType(domain.Measurements{domain.MeasurementTypeTotal: {Cores: 2}}),
		CreatedAt:    bucketStart,
		UpdatedAt:    bucketStart,
	}
	require.NoError(t, repo.Insert(ctx, conn, &snap))

	rows, err := repo.FindByKey(ctx, conn, dailyKey())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, snap.ID, rows[0].ID)
	totals, ok := rows[0].Totals(domain.MeasurementTypeTotal)
	require.True(t, ok)
	assert.Equal(t, 2, totals.Cores)

	updated := domain.Measurements{domain.MeasurementTypeTotal: {Cores: 5}}
	require.NoError(t, repo.UpdateMeasurements(ctx, conn, snap.ID, updated, bucketEnd))
	rows, err = repo.FindByKey(ctx, conn, dailyKey())
	require.NoError(t, err)
	totals, _ = rows[0].Totals(domain.MeasurementTypeTotal)
	assert.Equal(t, 5, totals.Cores)
	assert.True(t, rows[0].UpdatedAt.Equal(bucketEnd))

	rangeRows, err := repo.FindRange(ctx, conn, "acct-1", "RHEL", domain.GranularityDaily, bucketStart.AddDate(0, 0, -3), bucketStart)
	require.NoError(t, err)
	assert.Len(t, rangeRows, 1)

	require.NoError(t, repo.Delete(ctx, conn, snap.ID))
	rows, err = repo.FindByKey(ctx, conn, dailyKey())
	require.NoError(t, err)
	assert.Empty(t, rows)

	err = repo.UpdateMeasurements(ctx, conn, snap.ID, updated, bucketEnd)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestFindRangeExcludesOtherKeys(t *testing.T) {
	conn := setupDB(t)
	repo := ProvideSnapshot()
	ctx := context.Background()
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	insert := func(scope string, g domain.Granularity, at time.Time) {
		require.NoError(t, repo.Insert(ctx, conn, &domain.Snapshot{
			ID:           node.Generate(),
			ScopeKey:     scope,
			ProductID:    "RHEL",
			Granularity:  g,
			SnapshotDate: at,
			Measurements: datatypes.NewJSONType(domain.Measurements{}),
			CreatedAt:    at,
			UpdatedAt:    at,
		}))
	}
	insert("acct-1", domain.GranularityDaily, bucketStart)
	insert("acct-1", domain.GranularityDaily, bucketStart.AddDate(0, 0, -10))
	insert("acct-2", domain.GranularityDaily, bucketStart)
	insert("acct-1", domain.GranularityWeekly, time.Date(2019, 5, 20, 0, 0, 0, 0, time.UTC))

	rows, err := repo.FindRange(ctx, conn, "acct-1", "RHEL", domain.GranularityDaily, bucketStart.AddDate(0, 0, -5), bucketEnd)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].SnapshotDate.Equal(bucketStart))
}

func TestCollectTakesLatestObservationPerHost(t *testing.T) {
	conn := setupDB(t)
	source := ProvideUsageSource(zap.NewNop())

	observe(t, conn, "host-a", "PHYSICAL", 2, bucketStart.Add(time.Hour))
	observe(t, conn, "host-a", "PHYSICAL", 4, bucketStart.Add(3*time.Hour))
	observe(t, conn, "host-b", "aws", 8, bucketStart.Add(2*time.Hour))
	observe(t, conn, "host-c", "PHYSICAL", 16, bucketEnd)
	observe(t, conn, "host-d", "PHYSICAL", 32, bucketStart.Add(-time.Second))

	batch, err := source.Collect(context.Background(), conn, dailyKey(), bucketStart, bucketEnd)
	require.NoError(t, err)
	require.Len(t, batch.Observations, 2)
	assert.False(t, batch.Cleared)

	byHost := map[string]domain.Observation{}
	for _, obs := range batch.Observations {
		byHost[obs.HostID] = obs
	}
	assert.Equal(t, 4, byHost["host-a"].Cores)
	assert.Equal(t, domain.MeasurementTypeAWS, byHost["host-b"].Category)
}

func TestCollectSkipsUnknownCategories(t *testing.T) {
	conn := setupDB(t)
	core, logs := observer.New(zapcore.WarnLevel)
	source := ProvideUsageSource(zap.New(core))

	observe(t, conn, "host-a", "MAINFRAME", 2, bucketStart.Add(time.Hour))
	observe(t, conn, "host-b", "TOTAL", 2, bucketStart.Add(time.Hour))
	observe(t, conn, "host-c", "HYPERVISOR", 2, bucketStart.Add(time.Hour))

	batch, err := source.Collect(context.Background(), conn, dailyKey(), bucketStart, bucketEnd)
	require.NoError(t, err)
	require.Len(t, batch.Observations, 1)
	assert.Equal(t, domain.MeasurementTypeHypervisor, batch.Observations[0].Category)
	assert.Equal(t, 2, logs.Len())
}

func TestCollectFallsBackToOlderReadingWhenNewestRejected(t *testing.T) {
	conn := setupDB(t)
	source := ProvideUsageSource(zap.NewNop())

	observe(t, conn, "host-a", "PHYSICAL", 4, bucketStart.Add(time.Hour))
	observe(t, conn, "host-a", "BOGUS", 9, bucketStart.Add(2*time.Hour))
	observe(t, conn, "host-a", "TOTAL", 9, bucketStart.Add(3*time.Hour))

	batch, err := source.Collect(context.Background(), conn, dailyKey(), bucketStart, bucketEnd)
	require.NoError(t, err)
	require.Len(t, batch.Observations, 1)
	assert.Equal(t, domain.MeasurementTypePhysical, batch.Observations[0].Category)
	assert.Equal(t, 4, batch.Observations[0].Cores)
	assert.False(t, batch.Cleared)
}

func TestObservationKeepsZeroInstances(t *testing.T) {
	conn := setupDB(t)
	require.NoError(t, conn.Create(&domain.UsageObservation{
		Scope:      "acct-1",
		ProductID:  "RHEL",
		HostID:     "host-a",
		Category:   "PHYSICAL",
		ObservedAt: bucketStart.Add(time.Hour),
	}).Error)

	batch, err := ProvideUsageSource(zap.NewNop()).Collect(context.Background(), conn, dailyKey(), bucketStart, bucketEnd)
	require.NoError(t, err)
	require.Len(t, batch.Observations, 1)
	assert.Zero(t, batch.Observations[0].Instances)
}

func TestCollectReportsClearedAfterInventorySync(t *testing.T) {
	conn := setupDB(t)
	source := ProvideUsageSource(zap.NewNop())
	ctx := context.Background()

	batch, err := source.Collect(ctx, conn, dailyKey(), bucketStart, bucketEnd)
	require.NoError(t, err)
	assert.False(t, batch.Cleared, "no checkpoint means the source knows nothing")

	require.NoError(t, conn.Create(&domain.InventoryCheckpoint{Scope: "acct-1", SyncedAt: bucketStart.Add(-time.Hour)}).Error)
	batch, err = source.Collect(ctx, conn, dailyKey(), bucketStart, bucketEnd)
	require.NoError(t, err)
	assert.False(t, batch.Cleared, "a sync before the bucket says nothing about it")

	require.NoError(t, conn.Model(&domain.InventoryCheckpoint{}).Where("scope = ?", "acct-1").Update("synced_at", bucketStart.Add(time.Hour)).Error)
	batch, err = source.Collect(ctx, conn, dailyKey(), bucketStart, bucketEnd)
	require.NoError(t, err)
	assert.True(t, batch.Cleared)
	assert.Empty(t, batch.Observations)
}

func TestListTargetsSince(t *testing.T) {
	conn := setupDB(t)
	source := ProvideUsageSource(zap.NewNop())

	observe(t, conn, "host-a", "PHYSICAL", 2, bucketStart.Add(time.Hour))
	observe(t, conn, "host-b", "PHYSICAL", 2, bucketStart.Add(2*time.Hour))
	require.NoError(t, conn.Create(&domain.UsageObservation{
		Scope: "acct-0", ProductID: "OpenShift", HostID: "old", Category: "PHYSICAL",
		ObservedAt: bucketStart.AddDate(0, 0, -30),
	}).Error)

	targets, err := source.ListTargets(context.Background(), conn, bucketStart)
	require.NoError(t, err)
	assert.Equal(t, []domain.Target{{ScopeKey: "acct-1", ProductID: "RHEL"}}, targets)
}
