package sandbox

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/domain"
)

func testAccount(t *testing.T) *Account {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: filepath.Join(dir, "sentinel.db"), Name: "primary"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return NewAccount(db)
}

func TestLoad_SeedsAtDefaultStartingCapital(t *testing.T) {
	a := testAccount(t)
	s, err := a.Load()
	require.NoError(t, err)
	assert.Equal(t, float64(defaultStartingCapital), s.Cash)
	assert.Empty(t, s.Positions)
}

func TestPlaceOrder_BuyOpensPositionAndDebitsCash(t *testing.T) {
	a := testAccount(t)
	order, err := a.PlaceOrder(domain.OrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Side: domain.SideBuy, Product: domain.ProductMIS,
		Quantity: 10, Price: 2500,
	})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", order.Status)

	s, err := a.Load()
	require.NoError(t, err)
	require.Len(t, s.Positions, 1)
	assert.Equal(t, float64(10), s.Positions[0].Quantity)
	assert.Equal(t, float64(defaultStartingCapital)-25000, s.Cash)
}

func TestPlaceOrder_SellClosingFullyRemovesPosition(t *testing.T) {
	a := testAccount(t)
	_, err := a.PlaceOrder(domain.OrderRequest{
		Symbol: "TCS", Exchange: "NSE", Side: domain.SideBuy, Product: domain.ProductMIS, Quantity: 5, Price: 3500,
	})
	require.NoError(t, err)

	_, err = a.PlaceOrder(domain.OrderRequest{
		Symbol: "TCS", Exchange: "NSE", Side: domain.SideSell, Product: domain.ProductMIS, Quantity: 5, Price: 3600,
	})
	require.NoError(t, err)

	s, err := a.Load()
	require.NoError(t, err)
	assert.Empty(t, s.Positions)
	assert.Len(t, s.Trades, 2)
}

func TestReset_RestoresStartingCapitalAndClearsPositions(t *testing.T) {
	a := testAccount(t)
	_, err := a.PlaceOrder(domain.OrderRequest{
		Symbol: "TCS", Exchange: "NSE", Side: domain.SideBuy, Product: domain.ProductMIS, Quantity: 5, Price: 3500,
	})
	require.NoError(t, err)

	require.NoError(t, a.Reset(500000))

	s, err := a.Load()
	require.NoError(t, err)
	assert.Equal(t, float64(500000), s.Cash)
	assert.Empty(t, s.Positions)
	assert.Empty(t, s.Trades)
}
