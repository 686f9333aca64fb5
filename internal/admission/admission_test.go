package admission

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/database"
)

func testGate(t *testing.T) *Gate {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: filepath.Join(dir, "sentinel.db"), Name: "primary"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return New(db)
}

func TestIsBanned_UnknownIPIsNotBanned(t *testing.T) {
	g := testGate(t)
	banned, err := g.IsBanned("10.0.0.1")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestStrike_BelowThresholdDoesNotBan(t *testing.T) {
	g := testGate(t)
	for i := 0; i < strikeThreshold-1; i++ {
		require.NoError(t, g.Strike("10.0.0.2", "bad api key"))
	}
	banned, err := g.IsBanned("10.0.0.2")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestStrike_ReachingThresholdAppliesPermanentBan(t *testing.T) {
	g := testGate(t)
	for i := 0; i < strikeThreshold; i++ {
		require.NoError(t, g.Strike("10.0.0.3", "bad api key"))
	}
	banned, err := g.IsBanned("10.0.0.3")
	require.NoError(t, err)
	assert.True(t, banned)

	var kind string
	require.NoError(t, g.db.Conn().QueryRow(`SELECT kind FROM ip_bans WHERE ip = ?`, "10.0.0.3").Scan(&kind))
	assert.Equal(t, "permanent", kind)
}

func TestBanTemporarily_ExpiresAfterTTL(t *testing.T) {
	g := testGate(t)
	require.NoError(t, g.BanTemporarily("10.0.0.4", "rate limit"))

	banned, err := g.IsBanned("10.0.0.4")
	require.NoError(t, err)
	assert.True(t, banned)

	_, err = g.db.Conn().Exec(`UPDATE ip_bans SET expires_at = ? WHERE ip = ?`, time.Now().Add(-time.Minute), "10.0.0.4")
	require.NoError(t, err)

	banned, err = g.IsBanned("10.0.0.4")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestLatencyStats_ComputesPercentilesAndTiers(t *testing.T) {
	g := testGate(t)
	samples := []float64{50, 75, 90, 100, 110, 140, 160, 190, 210, 300}
	for _, s := range samples {
		require.NoError(t, g.RecordLatency("placeorder", s, "refbroker", true))
	}

	stats, err := g.LatencyStats("placeorder", 0)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.SampleSize)
	assert.InDelta(t, 4, stats.Within100*10, 0.01)
	assert.Greater(t, stats.P99Ms, stats.P50Ms)
}

func TestLatencyStats_EmptyOperationReturnsZeroSampleSize(t *testing.T) {
	g := testGate(t)
	stats, err := g.LatencyStats("nonexistent", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.SampleSize)
}

func TestRecordTraffic_InsertsRow(t *testing.T) {
	g := testGate(t)
	require.NoError(t, g.RecordTraffic("10.0.0.5", "/api/v1/placeorder", "POST", 200, 42.5))

	var count int
	require.NoError(t, g.db.Conn().QueryRow(`SELECT COUNT(*) FROM traffic_records`).Scan(&count))
	assert.Equal(t, 1, count)
}
