package repository

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/tally/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkpoint struct {
	Scope    string `gorm:"primaryKey"`
	SyncedAt time.Time
}

type ingestRow struct {
	ID    int64 `gorm:"primaryKey;autoIncrement"`
	Scope string
}

func TestStoreBatchCreateAndCount(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&ingestRow{}))
	store := ProvideStore[ingestRow](conn)
	ctx := context.Background()

	require.NoError(t, store.BatchCreate(ctx, nil))
	require.NoError(t, store.BatchCreate(ctx, []*ingestRow{{Scope: "a"}, {Scope: "a"}, {Scope: "b"}}))

	count, err := store.Count(ctx, &ingestRow{Scope: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestStoreUpsertUpdatesOnConflict(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&checkpoint{}))
	store := ProvideStore[checkpoint](conn)
	ctx := context.Background()

	first := time.Date(2019, 5, 24, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	require.NoError(t, store.Upsert(ctx, &checkpoint{Scope: "a", SyncedAt: first}, []string{"scope"}, []string{"synced_at"}))
	require.NoError(t, store.Upsert(ctx, &checkpoint{Scope: "a", SyncedAt: second}, []string{"scope"}, []string{"synced_at"}))

	var got []checkpoint
	require.NoError(t, conn.Find(&got).Error)
	require.Len(t, got, 1)
	assert.True(t, got[0].SyncedAt.Equal(second))
}
