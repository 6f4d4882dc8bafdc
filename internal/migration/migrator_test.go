package migration

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Opens the store the way the binary does (pure-Go sqlite via gorm) and runs
// migrations over that same connection. Linking both the store driver and the
// migrate driver in one binary is part of what this exercises: the two must
// register distinct database/sql driver names.
func openStore(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestMigrateUpOnStoreConnection(t *testing.T) {
	db := openStore(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)

	mg, err := New(FlavorSQLite, sqlDB)
	require.NoError(t, err)
	defer mg.Close()

	require.NoError(t, mg.Up())

	version, dirty, err := mg.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	for _, table := range []string{
		"endpoints", "endpoint_models", "endpoint_health_checks",
		"audit_log_entries", "audit_batch_hashes",
		"users", "api_keys", "invitations", "request_history",
	} {
		var n int64
		err := db.Raw(
			"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&n).Error
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "table %s missing", table)
	}

	// Idempotent: a second Up is a no-op.
	require.NoError(t, mg.Up())
}

func TestMigrateDownRollsBack(t *testing.T) {
	db := openStore(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)

	mg, err := New(FlavorSQLite, sqlDB)
	require.NoError(t, err)
	defer mg.Close()

	require.NoError(t, mg.Up())
	require.NoError(t, mg.Down())

	version, dirty, err := mg.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(0), version)

	var n int64
	err = db.Raw(
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'endpoints'",
	).Scan(&n).Error
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMigrateUnknownFlavor(t *testing.T) {
	db := openStore(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)

	_, err = New(Flavor("oracle"), sqlDB)
	assert.Error(t, err)
}
