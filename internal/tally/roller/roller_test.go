package roller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/internal/tally/repository"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var rollerNow = time.Date(2019, 5, 24, 12, 35, 0, 0, time.UTC)

type fakeRecorder struct {
	mu         sync.Mutex
	outcomes   map[string]int
	duplicates int
	errors     int
}

func (r *fakeRecorder) RecordRoll(_ context.Context, _ string, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func (r *fakeRecorder) RecordDuplicatesRemoved(_ context.Context, _ string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicates += count
}

func (r *fakeRecorder) RecordRollError(_ context.Context, _ string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

type rollerFixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	repo     domain.SnapshotRepository
	source   domain.UsageSource
	recorder *fakeRecorder
	policy   domain.UpdatePolicy
}

func setupRoller(t *testing.T) *rollerFixture {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("new test db: %v", err)
	}
	if err := dbConn.AutoMigrate(
		&domain.Snapshot{},
		&domain.UsageObservation{},
		&domain.InventoryCheckpoint{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new snowflake node: %v", err)
	}

	return &rollerFixture{
		db:       dbConn,
		node:     node,
		clock:    clock.NewFakeClock(rollerNow),
		repo:     repository.ProvideSnapshot(),
		source:   repository.ProvideUsageSource(zap.NewNop()),
		recorder: &fakeRecorder{},
		policy:   domain.UpdatePolicyReplace,
	}
}

func (f *rollerFixture) roller(t *testing.T, g domain.Granularity) *Roller {
	t.Helper()
	r, err := NewRoller(g, Options{
		Clock:    f.clock,
		Repo:     f.repo,
		Source:   f.source,
		GenID:    f.node,
		Log:      zap.NewNop(),
		Recorder: f.recorder,
		Policy:   func() domain.UpdatePolicy { return f.policy },
	})
	require.NoError(t, err)
	return r
}

func (f *rollerFixture) observe(t *testing.T, product, host, category string, cores, sockets, instances int, at time.Time) {
	t.Helper()
	obs := domain.UsageObservation{
		Scope:      "acct-1",
		ProductID:  product,
		HostID:     host,
		Category:   category,
		Cores:      cores,
		Sockets:    sockets,
		Instances:  instances,
		ObservedAt: at.UTC(),
	}
	if err := f.db.Create(&obs).Error; err != nil {
		t.Fatalf("insert observation: %v", err)
	}
}

func (f *rollerFixture) stored(t *testing.T, key domain.BucketKey) []domain.Snapshot {
	t.Helper()
	rows, err := f.repo.FindByKey(context.Background(), f.db, key)
	require.NoError(t, err)
	return rows
}

func hourlyKey(t *testing.T, product string, at time.Time) domain.BucketKey {
	t.Helper()
	key, err := domain.KeyFor("acct-1", product, domain.GranularityHourly, at)
	require.NoError(t, err)
	return key
}

func TestRoll_CreatesSnapshot(t *testing.T) {
	f := setupRoller(t)
	r := f.roller(t, domain.GranularityHourly)

	f.observe(t, "RHEL", "host-1", "PHYSICAL", 4, 2, 1, rollerNow.Add(-30*time.Minute))
	f.observe(t, "RHEL", "host-2", "HYPERVISOR", 8, 2, 1, rollerNow.Add(-20*time.Minute))
	f.observe(t, "RHEL", "host-3", "AWS", 2, 1, 1, rollerNow.Add(-10*time.Minute))
	f.observe(t, "OpenShift", "host-4", "PHYSICAL", 64, 4, 1, rollerNow.Add(-10*time.Minute))

	key := hourlyKey(t, "RHEL", rollerNow)
	res, err := r.Roll(context.Background(), f.db, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.True(t, res.Open)

	rows := f.stored(t, key)
	require.Len(t, rows, 1)
	snap := rows[0]
	assert.Equal(t, "acct-1", snap.ScopeKey)
	assert.Equal(t, "RHEL", snap.ProductID)
	assert.Equal(t, domain.GranularityHourly, snap.Granularity)
	assert.True(t, snap.SnapshotDate.Equal(time.Date(2019, 5, 24, 12, 0, 0, 0, time.UTC)))

	total, ok := snap.Totals(domain.MeasurementTypeTotal)
	require.True(t, ok)
	assert.Equal(t, domain.Totals{Cores: 14, Sockets: 5, Instances: 3}, total)
	physical, ok := snap.Totals(domain.MeasurementTypePhysical)
	require.True(t, ok)
	assert.Equal(t, domain.Totals{Cores: 4, Sockets: 2, Instances: 1}, physical)
	_, ok = snap.Totals(domain.MeasurementTypeAzure)
	assert.False(t, ok)

	assert.Equal(t, 1, f.recorder.outcomes[string(OutcomeCreated)])
}

func TestRoll_UpdatesExistingSnapshot(t *testing.T) {
	f := setupRoller(t)
	r := f.roller(t, domain.GranularityHourly)
	key := hourlyKey(t, "RHEL", rollerNow)

	f.observe(t, "RHEL", "host-1", "PHYSICAL", 4, 2, 1, rollerNow.Add(-30*time.Minute))
	_, err := r.Roll(context.Background(), f.db, key)
	require.NoError(t, err)
	created := f.stored(t, key)[0]

	f.clock.Advance(5 * time.Minute)
	f.observe(t, "RHEL", "host-2", "PHYSICAL", 4, 2, 1, rollerNow.Add(-5*time.Minute))
	res, err := r.Roll(context.Background(), f.db, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	rows := f.stored(t, key)
	require.Len(t, rows, 1)
	assert.Equal(t, created.ID, rows[0].ID)
	assert.True(t, rows[0].CreatedAt.Equal(created.CreatedAt))
	assert.True(t, rows[0].UpdatedAt.After(created.UpdatedAt))
	total, _ := rows[0].Totals(domain.MeasurementTypeTotal)
	assert.Equal(t, domain.Totals{Cores: 8, Sockets: 4, Instances: 2}, total)
}

func TestRoll_OpenBucketReplacesWithLesserValues(t *testing.T) {
	f := setupRoller(t)
	f.policy = domain.UpdatePolicyMax
	r := f.roller(t, domain.GranularityHourly)
	key := hourlyKey(t, "RHEL", rollerNow)

	f.observe(t, "RHEL", "host-1", "PHYSICAL", 16, 4, 1, rollerNow.Add(-30*time.Minute))
	_, err := r.Roll(context.Background(), f.db, key)
	require.NoError(t, err)

	// the host reports again with less capacity; only its latest report counts
	f.observe(t, "RHEL", "host-1", "PHYSICAL", 2, 1, 1, rollerNow.Add(-1*time.Minute))
	res, err := r.Roll(context.Background(), f.db, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	rows := f.stored(t, key)
	require.Len(t, rows, 1)
	total, _ := rows[0].Totals(domain.MeasurementTypeTotal)
	assert.Equal(t, domain.Totals{Cores: 2, Sockets: 1, Instances: 1}, total)
	physical, _ := rows[0].Totals(domain.MeasurementTypePhysical)
	assert.Equal(t, domain.Totals{Cores: 2, Sockets: 1, Instances: 1}, physical)
}

func TestRoll_ClosedBucketPolicy(t *testing.T) {
	previousHour := rollerNow.Add(-time.Hour)

	cases := []struct {
		name   string
		policy domain.UpdatePolicy
		want   domain.Totals
	}{
		{name: "replace", policy: domain.UpdatePolicyReplace, want: domain.Totals{Cores: 2, Sockets: 1, Instances: 1}},
		{name: "max", policy: domain.UpdatePolicyMax, want: domain.Totals{Cores: 16, Sockets: 4, Instances: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setupRoller(t)
			f.policy = tc.policy
			r := f.roller(t, domain.GranularityHourly)
			key := hourlyKey(t, "RHEL", previousHour)

			f.observe(t, "RHEL", "host-1", "PHYSICAL", 16, 4, 1, previousHour.Add(-20*time.Minute))
			_, err := r.Roll(context.Background(), f.db, key)
			require.NoError(t, err)

			f.observe(t, "RHEL", "host-1", "PHYSICAL", 2, 1, 1, previousHour.Add(-10*time.Minute))
			res, err := r.Roll(context.Background(), f.db, key)
			require.NoError(t, err)
			assert.False(t, res.Open)

			rows := f.stored(t, key)
			require.Len(t, rows, 1)
			total, _ := rows[0].Totals(domain.MeasurementTypeTotal)
			assert.Equal(t, tc.want, total)
		})
	}
}

func TestRoll_EmptyCalculationNotPersisted(t *testing.T) {
	f := setupRoller(t)
	r := f.roller(t, domain.GranularityHourly)
	key := hourlyKey(t, "RHEL", rollerNow)

	f.observe(t, "RHEL", "host-1", "PHYSICAL", 4, 2, 1, rollerNow.Add(-2*time.Hour))

	res, err := r.Roll(context.Background(), f.db, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Empty(t, f.stored(t, key))

	var count int64
	require.NoError(t, f.db.Model(&domain.Snapshot{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRoll_EmptyLeavesExistingUnlessCleared(t *testing.T) {
	f := setupRoller(t)
	r := f.roller(t, domain.GranularityHourly)
	key := hourlyKey(t, "RHEL", rollerNow)

	existing := &domain.Snapshot{
		ID:           f.node.Generate(),
		ScopeKey:     key.ScopeKey,
		ProductID:    key.ProductID,
		Granularity:  key.Granularity,
		SnapshotDate: key.SnapshotDate,
		Measurements: datatypes.NewJSONType(domain.Measurements{
			domain.MeasurementTypeTotal: {Cores: 4, Sockets: 2, Instances: 1},
		}),
		CreatedAt: rollerNow.Add(-time.Minute),
		UpdatedAt: rollerNow.Add(-time.Minute),
	}
	require.NoError(t, f.repo.Insert(context.Background(), f.db, existing))

	res, err := r.Roll(context.Background(), f.db, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	require.Len(t, f.stored(t, key), 1)

	checkpoint := domain.InventoryCheckpoint{Scope: "acct-1", SyncedAt: rollerNow.Add(-10 * time.Minute)}
	require.NoError(t, f.db.Create(&checkpoint).Error)

	res, err = r.Roll(context.Background(), f.db, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, res.Outcome)
	assert.Empty(t, f.stored(t, key))
}

func TestRoll_CollapsesDuplicates(t *testing.T) {
	f := setupRoller(t)
	r := f.roller(t, domain.GranularityHourly)
	key := hourlyKey(t, "RHEL", rollerNow)

	var ids []snowflake.ID
	for i, age := range []time.Duration{5 * time.Minute, 20 * time.Minute, 10 * time.Minute} {
		snap := &domain.Snapshot{
			ID:           f.node.Generate(),
			ScopeKey:     key.ScopeKey,
			ProductID:    key.ProductID,
			Granularity:  key.Granularity,
			SnapshotDate: key.SnapshotDate,
			Measurements: datatypes.NewJSONType(domain.Measurements{
				domain.MeasurementTypeTotal: {Cores: i + 1},
			}),
			CreatedAt: rollerNow.Add(-age),
			UpdatedAt: rollerNow.Add(-age),
		}
		require.NoError(t, f.repo.Insert(context.Background(), f.db, snap))
		ids = append(ids, snap.ID)
	}
	f.observe(t, "RHEL", "host-1", "PHYSICAL", 4, 2, 1, rollerNow.Add(-time.Minute))

	res, err := r.Roll(context.Background(), f.db, key)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DuplicatesRemoved)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	rows := f.stored(t, key)
	require.Len(t, rows, 1)
	assert.Equal(t, ids[1], rows[0].ID, "expected the oldest row to be kept")
	total, _ := rows[0].Totals(domain.MeasurementTypeTotal)
	assert.Equal(t, domain.Totals{Cores: 4, Sockets: 2, Instances: 1}, total)
	assert.Equal(t, 2, f.recorder.duplicates)
}

func TestPickCanonical_TieBreaksOnID(t *testing.T) {
	created := rollerNow
	rows := []domain.Snapshot{
		{ID: 30, CreatedAt: created},
		{ID: 10, CreatedAt: created},
		{ID: 20, CreatedAt: created},
	}
	canonical, dups := pickCanonical(rows)
	require.NotNil(t, canonical)
	assert.Equal(t, snowflake.ID(10), canonical.ID)
	assert.Len(t, dups, 2)

	canonical, dups = pickCanonical(nil)
	assert.Nil(t, canonical)
	assert.Empty(t, dups)
}

func TestRoll_SkipsInvalidObservations(t *testing.T) {
	f := setupRoller(t)
	r := f.roller(t, domain.GranularityHourly)
	key := hourlyKey(t, "RHEL", rollerNow)

	f.observe(t, "RHEL", "host-1", "MAINFRAME", 4, 2, 1, rollerNow.Add(-time.Minute))
	f.observe(t, "RHEL", "host-2", "PHYSICAL", -4, 2, 1, rollerNow.Add(-time.Minute))
	f.observe(t, "RHEL", "host-3", "azure", 2, 1, 1, rollerNow.Add(-time.Minute))

	res, err := r.Roll(context.Background(), f.db, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, domain.Measurements{
		domain.MeasurementTypeTotal: {Cores: 2, Sockets: 1, Instances: 1},
		domain.MeasurementTypeAzure: {Cores: 2, Sockets: 1, Instances: 1},
	}, res.Measurements)
}

func TestRoll_WarningsCarryBucketIdentity(t *testing.T) {
	f := setupRoller(t)
	core, logs := observer.New(zapcore.WarnLevel)
	r, err := NewRoller(domain.GranularityHourly, Options{
		Clock:  f.clock,
		Repo:   f.repo,
		Source: f.source,
		GenID:  f.node,
		Log:    zap.New(core),
	})
	require.NoError(t, err)
	key := hourlyKey(t, "RHEL", rollerNow)
	f.observe(t, "RHEL", "host-2", "PHYSICAL", -4, 2, 1, rollerNow.Add(-time.Minute))

	_, err = r.Roll(context.Background(), f.db, key)
	require.NoError(t, err)

	entries := logs.FilterMessage("skipping observation with negative totals").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "acct-1", fields["scope"])
	assert.Equal(t, "RHEL", fields["product_id"])
	assert.Equal(t, "HOURLY", fields["granularity"])
	assert.Equal(t, "host-2", fields["host_id"])
	assert.Contains(t, fields, "snapshot_date")
}

func TestRoll_RejectsInvalidKey(t *testing.T) {
	f := setupRoller(t)
	r := f.roller(t, domain.GranularityHourly)

	key := hourlyKey(t, "RHEL", rollerNow)
	key.SnapshotDate = key.SnapshotDate.Add(time.Minute)
	_, err := r.Roll(context.Background(), f.db, key)
	assert.ErrorIs(t, err, domain.ErrInvalidBucket)

	daily, err := domain.KeyFor("acct-1", "RHEL", domain.GranularityDaily, rollerNow)
	require.NoError(t, err)
	_, err = r.Roll(context.Background(), f.db, daily)
	assert.ErrorIs(t, err, domain.ErrUnsupportedGranularity)
}

type failingSource struct {
	domain.UsageSource
	product string
}

var errSourceDown = errors.New("source unavailable")

func (s failingSource) Collect(ctx context.Context, db *gorm.DB, key domain.BucketKey, start, end time.Time) (domain.UsageBatch, error) {
	if key.ProductID == s.product {
		return domain.UsageBatch{}, errSourceDown
	}
	return s.UsageSource.Collect(ctx, db, key, start, end)
}

func TestRollAll_FailureScopedToBucket(t *testing.T) {
	f := setupRoller(t)
	f.source = failingSource{UsageSource: f.source, product: "Satellite"}
	r := f.roller(t, domain.GranularityHourly)

	f.observe(t, "RHEL", "host-1", "PHYSICAL", 4, 2, 1, rollerNow.Add(-time.Minute))
	f.observe(t, "OpenShift", "host-2", "PHYSICAL", 8, 2, 1, rollerNow.Add(-time.Minute))

	keys := []domain.BucketKey{
		hourlyKey(t, "RHEL", rollerNow),
		hourlyKey(t, "Satellite", rollerNow),
		hourlyKey(t, "OpenShift", rollerNow),
	}
	results, err := r.RollAll(context.Background(), f.db, keys)
	require.Error(t, err)
	assert.ErrorIs(t, err, errSourceDown)
	assert.Contains(t, err.Error(), keys[1].String())
	require.Len(t, results, 2)
	assert.Equal(t, OutcomeCreated, results[0].Outcome)
	assert.Equal(t, OutcomeCreated, results[1].Outcome)

	assert.Len(t, f.stored(t, keys[0]), 1)
	assert.Empty(t, f.stored(t, keys[1]))
	assert.Len(t, f.stored(t, keys[2]), 1)
	assert.Equal(t, 1, f.recorder.errors)
}
