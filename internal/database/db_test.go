package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := New(Config{
		Path:    filepath.Join(dir, "sentinel.db"),
		Profile: ProfileStandard,
		Name:    "primary",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrate_AppliesFullChain(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate())

	version, err := db.CurrentSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 5, version)

	// Spot-check that the columns added by the server-config migration
	// exist and carry their defaults.
	var enabled int
	var hour int
	err = db.conn.QueryRow("SELECT auto_logout_enabled, auto_logout_hour FROM settings WHERE id = 1").
		Scan(&enabled, &hour)
	require.NoError(t, err)
	assert.Equal(t, 1, enabled)
	assert.Equal(t, 3, hour)
}

func TestMigrate_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())

	version, err := db.CurrentSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 5, version)
}

func TestMigrate_SeparateNonceColumnsExist(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate())

	rows, err := db.conn.Query("PRAGMA table_info(broker_sessions)")
	require.NoError(t, err)
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		require.NoError(t, rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk))
		cols[name] = true
	}

	assert.True(t, cols["auth_token"])
	assert.True(t, cols["auth_token_nonce"])
	assert.True(t, cols["feed_token"])
	assert.True(t, cols["feed_token_nonce"])
	assert.False(t, cols["session_token"], "pre-migration single-token column must be dropped")
	assert.False(t, cols["session_token_nonce"])
}

func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate())
	assert.NoError(t, db.HealthCheck(context.Background()))
}
