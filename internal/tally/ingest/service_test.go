package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ingestNow = time.Date(2019, 5, 24, 12, 35, 0, 0, time.UTC)

func setupService(t *testing.T) *Service {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&domain.UsageObservation{}, &domain.InventoryCheckpoint{}))
	return NewService(conn, zap.NewNop(), clock.NewFakeClock(ingestNow))
}

func TestRecordStoresObservations(t *testing.T) {
	svc := setupService(t)
	n, err := svc.Record(context.Background(), RecordRequest{
		Scope:     "acct-1",
		ProductID: "RHEL",
		Observations: []ObservationInput{
			{HostID: "host-a", Category: "physical", Cores: 4, Sockets: 2},
			{HostID: "host-b", Category: "AWS", Cores: 2, Sockets: 1, Instances: 1, ObservedAt: ingestNow.Add(-time.Hour)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var rows []domain.UsageObservation
	require.NoError(t, svc.db.Order("host_id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "PHYSICAL", rows[0].Category)
	assert.Equal(t, 1, rows[0].Instances)
	assert.True(t, rows[0].ObservedAt.Equal(ingestNow))
	assert.True(t, rows[1].ObservedAt.Equal(ingestNow.Add(-time.Hour)))
}

func TestRecordRejectsWholeBatchOnInvalidObservation(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		obs  ObservationInput
		want error
	}{
		{"unknown category", ObservationInput{HostID: "h", Category: "MAINFRAME"}, domain.ErrInvalidCategory},
		{"derived total", ObservationInput{HostID: "h", Category: "TOTAL"}, domain.ErrInvalidCategory},
		{"missing host", ObservationInput{Category: "PHYSICAL"}, domain.ErrInvalidObservation},
		{"negative cores", ObservationInput{HostID: "h", Category: "PHYSICAL", Cores: -1}, domain.ErrInvalidObservation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Record(ctx, RecordRequest{
				Scope:     "acct-1",
				ProductID: "RHEL",
				Observations: []ObservationInput{
					{HostID: "ok", Category: "PHYSICAL", Cores: 1},
					tc.obs,
				},
			})
			assert.ErrorIs(t, err, tc.want)
		})
	}

	var count int64
	require.NoError(t, svc.db.Model(&domain.UsageObservation{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRecordValidatesScopeAndProduct(t *testing.T) {
	svc := setupService(t)
	_, err := svc.Record(context.Background(), RecordRequest{ProductID: "RHEL"})
	assert.ErrorIs(t, err, domain.ErrInvalidScope)
	_, err = svc.Record(context.Background(), RecordRequest{Scope: "acct-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidProduct)
}

func TestCheckpointUpserts(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	first, err := svc.Checkpoint(ctx, "acct-1", time.Time{})
	require.NoError(t, err)
	assert.True(t, first.SyncedAt.Equal(ingestNow))

	later := ingestNow.Add(2 * time.Hour)
	_, err = svc.Checkpoint(ctx, "acct-1", later)
	require.NoError(t, err)

	var rows []domain.InventoryCheckpoint
	require.NoError(t, svc.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].SyncedAt.Equal(later))

	_, err = svc.Checkpoint(ctx, " ", later)
	assert.ErrorIs(t, err, domain.ErrInvalidScope)
}
