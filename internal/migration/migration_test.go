package migration

import (
	"io/fs"
	"testing"

	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestApplyAutoMigratesSQLite(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)

	cfg := config.Config{DBType: "sqlite", DBAutoMigrate: true}
	require.NoError(t, Apply(conn, cfg, zap.NewNop()))

	for _, model := range Models() {
		assert.True(t, conn.Migrator().HasTable(model))
	}
	assert.True(t, conn.Migrator().HasIndex(&domain.Snapshot{}, "idx_tally_snapshots_key"))
}

func TestApplySkipsWhenAutoMigrateDisabled(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)

	cfg := config.Config{DBType: "sqlite", DBAutoMigrate: false}
	require.NoError(t, Apply(conn, cfg, zap.NewNop()))

	assert.False(t, conn.Migrator().HasTable(&domain.Snapshot{}))
}

func TestApplyRequiresConnection(t *testing.T) {
	require.Error(t, Apply(nil, config.Config{}, nil))
	require.Error(t, RunMigrations(nil))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	assert.True(t, names["000001_init.up.sql"])
	assert.True(t, names["000001_init.down.sql"])
}
