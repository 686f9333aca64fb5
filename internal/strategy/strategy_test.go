package strategy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/database"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: filepath.Join(dir, "sentinel.db"), Name: "primary"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return NewRepository(db)
}

func TestCreate_GeneratesWebhookID(t *testing.T) {
	r := testRepo(t)
	s, err := r.Create(&Strategy{
		Name: "RELIANCE breakout", Exchange: "NSE", Symbol: "RELIANCE",
		Product: "MIS", Quantity: 1, Enabled: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, s.WebhookID)
	assert.NotZero(t, s.ID)
}

func TestByWebhookID_ResolvesCreatedStrategy(t *testing.T) {
	r := testRepo(t)
	created, err := r.Create(&Strategy{
		Name: "S", Exchange: "NSE", Symbol: "RELIANCE", Product: "MIS", Quantity: 1, Enabled: true,
	})
	require.NoError(t, err)

	found, err := r.ByWebhookID(created.WebhookID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "RELIANCE", found.Symbol)
}

func TestByWebhookID_UnknownReturnsNil(t *testing.T) {
	r := testRepo(t)
	found, err := r.ByWebhookID("00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSoftDelete_HidesStrategyFromLookup(t *testing.T) {
	r := testRepo(t)
	created, err := r.Create(&Strategy{
		Name: "S", Exchange: "NSE", Symbol: "TCS", Product: "CNC", Quantity: 1, Enabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, r.SoftDelete(created.ID))

	found, err := r.ByWebhookID(created.WebhookID)
	require.NoError(t, err)
	assert.Nil(t, found)
}
