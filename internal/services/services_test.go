package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/custodian"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/sandbox"
	"github.com/aristath/sentinel/internal/vault"
)

type fakeAdapter struct {
	id        string
	positions []domain.Position
	placed    []domain.OrderRequest
	tick      *domain.Quote
}

func (f *fakeAdapter) ID() string { return f.id }
func (f *fakeAdapter) Authenticate(ctx context.Context, cred broker.Credential) (string, string, error) {
	return "at", "ft", nil
}
func (f *fakeAdapter) PlaceOrder(ctx context.Context, authToken string, req domain.OrderRequest) (domain.Order, error) {
	f.placed = append(f.placed, req)
	return domain.Order{OrderID: "o1", Symbol: req.Symbol, Quantity: req.Quantity, Side: req.Side, Status: "OPEN"}, nil
}
func (f *fakeAdapter) ModifyOrder(ctx context.Context, authToken string, req domain.ModifyOrderRequest) (domain.Order, error) {
	return domain.Order{OrderID: req.OrderID}, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, authToken string, orderID string) error {
	return nil
}
func (f *fakeAdapter) GetOrderBook(ctx context.Context, authToken string) ([]domain.Order, error) {
	return []domain.Order{{OrderID: "o1", Status: "OPEN"}}, nil
}
func (f *fakeAdapter) GetTradeBook(ctx context.Context, authToken string) ([]domain.Order, error) {
	return nil, nil
}
func (f *fakeAdapter) GetPositions(ctx context.Context, authToken string) ([]domain.Position, error) {
	return f.positions, nil
}
func (f *fakeAdapter) GetHoldings(ctx context.Context, authToken string) ([]domain.Holding, error) {
	return nil, nil
}
func (f *fakeAdapter) GetFunds(ctx context.Context, authToken string) (domain.Funds, error) {
	return domain.Funds{AvailableCash: 1000}, nil
}
func (f *fakeAdapter) GetQuote(ctx context.Context, authToken string, symbols []broker.SymbolRef) ([]domain.Quote, error) {
	return nil, nil
}
func (f *fakeAdapter) GetMarketDepth(ctx context.Context, authToken string, symbol broker.SymbolRef) (domain.Depth, error) {
	return domain.Depth{}, nil
}
func (f *fakeAdapter) DownloadMasterContract(ctx context.Context) ([]domain.Instrument, error) {
	return nil, nil
}
func (f *fakeAdapter) OpenMarketStream(ctx context.Context, feedToken string, symbols []broker.SymbolRef, onTick func(domain.Quote)) error {
	if f.tick != nil {
		onTick(*f.tick)
	}
	return nil
}
func (f *fakeAdapter) Logout(ctx context.Context, authToken string) error { return nil }

var _ broker.Adapter = (*fakeAdapter)(nil)

func testServices(t *testing.T) (*Services, *custodian.Custodian, *fakeAdapter) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: filepath.Join(dir, "sentinel.db"), Name: "primary"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	// broker_sessions.user_id references local_users, so the session the
	// tests save for user 1 needs that user to exist.
	_, err = db.Conn().Exec("INSERT INTO local_users (username, password_hash) VALUES (?, ?)", "alice", "hash")
	require.NoError(t, err)

	v, err := vault.Open(dir, zerolog.Nop())
	require.NoError(t, err)

	cust := custodian.New(db, v, zerolog.Nop())
	adapter := &fakeAdapter{id: "refbroker"}
	registry := broker.NewRegistry(adapter)
	sandboxAccount := sandbox.NewAccount(db)

	bus := events.NewBus(zerolog.Nop())
	return New(cust, registry, sandboxAccount, db, bus, zerolog.Nop()), cust, adapter
}

func TestPlaceOrder_NoActiveBrokerFails(t *testing.T) {
	svc, _, _ := testServices(t)
	_, err := svc.PlaceOrder(context.Background(), 0, domain.OrderRequest{Symbol: "TCS"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NoActiveBroker))
}

func TestPlaceOrder_RoutesToActiveBrokerAdapter(t *testing.T) {
	svc, cust, adapter := testServices(t)
	require.NoError(t, cust.SaveSession(1, "refbroker", "auth-tok", ""))

	order, err := svc.PlaceOrder(context.Background(), 0, domain.OrderRequest{Symbol: "TCS", Quantity: 5, Side: domain.SideBuy})
	require.NoError(t, err)
	assert.Equal(t, "o1", order.OrderID)
	assert.Len(t, adapter.placed, 1)
}

func TestPlaceSmartOrder_NoOpWhenAlreadyAtTarget(t *testing.T) {
	svc, cust, adapter := testServices(t)
	require.NoError(t, cust.SaveSession(1, "refbroker", "auth-tok", ""))
	adapter.positions = []domain.Position{{Symbol: "TCS", Exchange: "NSE", Product: domain.ProductMIS, Quantity: 10}}

	order, err := svc.PlaceSmartOrder(context.Background(), 0, domain.OrderRequest{
		Symbol: "TCS", Exchange: "NSE", Product: domain.ProductMIS, Side: domain.SideBuy, Quantity: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, order.OrderID)
	assert.Empty(t, adapter.placed)
}

func TestPlaceSmartOrder_IssuesCompensatingDelta(t *testing.T) {
	svc, cust, adapter := testServices(t)
	require.NoError(t, cust.SaveSession(1, "refbroker", "auth-tok", ""))
	adapter.positions = []domain.Position{{Symbol: "TCS", Exchange: "NSE", Product: domain.ProductMIS, Quantity: 10}}

	_, err := svc.PlaceSmartOrder(context.Background(), 0, domain.OrderRequest{
		Symbol: "TCS", Exchange: "NSE", Product: domain.ProductMIS, Side: domain.SideBuy, Quantity: 25,
	})
	require.NoError(t, err)
	require.Len(t, adapter.placed, 1)
	assert.Equal(t, float64(15), adapter.placed[0].Quantity)
	assert.Equal(t, domain.SideBuy, adapter.placed[0].Side)
}

func TestAnalyzerMode_InterceptsAndWritesAnalyzerLog(t *testing.T) {
	svc, _, adapter := testServices(t)
	svc.SetAnalyzerMode(true)

	order, err := svc.PlaceOrder(context.Background(), 7, domain.OrderRequest{
		Symbol: "TCS", Exchange: "NSE", Side: domain.SideBuy, Product: domain.ProductMIS, Quantity: 5, Price: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", order.Status)
	assert.Empty(t, adapter.placed)

	var count int
	require.NoError(t, svc.db.Conn().QueryRow("SELECT COUNT(*) FROM analyzer_logs").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestStreamMarketData_NoFeedTokenFails(t *testing.T) {
	svc, cust, _ := testServices(t)
	require.NoError(t, cust.SaveSession(1, "refbroker", "auth-tok", ""))

	err := svc.StreamMarketData(context.Background(), []broker.SymbolRef{{Exchange: "NSE", Symbol: "TCS"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NoActiveBroker))
}

func TestStreamMarketData_PublishesTicksOntoBus(t *testing.T) {
	svc, cust, adapter := testServices(t)
	require.NoError(t, cust.SaveSession(1, "refbroker", "auth-tok", "feed-tok"))
	adapter.tick = &domain.Quote{Symbol: "TCS", Exchange: "NSE", LastPrice: 101.5}

	sub := svc.bus.Subscribe(events.MarketTick)
	defer sub.Unsubscribe()

	require.NoError(t, svc.StreamMarketData(context.Background(), []broker.SymbolRef{{Exchange: "NSE", Symbol: "TCS"}}))

	select {
	case env := <-sub.Ch:
		tick := env.Data.(*events.MarketTickData)
		assert.Equal(t, "TCS", tick.Symbol)
		assert.Equal(t, 101.5, tick.LastPrice)
	case <-time.After(time.Second):
		t.Fatal("expected a market tick event")
	}
}
