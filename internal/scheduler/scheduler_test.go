package scheduler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/custodian"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/settings"
	"github.com/aristath/sentinel/internal/vault"
)

type stubAdapter struct {
	id          string
	logoutCalls int

	// custodianRef, if set, lets Logout observe whether the session was
	// already revoked by the time upstream logout ran.
	custodianRef           *custodian.Custodian
	sessionRevokedAtLogout bool
}

func (s *stubAdapter) ID() string { return s.id }
func (s *stubAdapter) Authenticate(ctx context.Context, cred broker.Credential) (string, string, error) {
	return "", "", nil
}
func (s *stubAdapter) PlaceOrder(ctx context.Context, authToken string, req domain.OrderRequest) (domain.Order, error) {
	return domain.Order{}, nil
}
func (s *stubAdapter) ModifyOrder(ctx context.Context, authToken string, req domain.ModifyOrderRequest) (domain.Order, error) {
	return domain.Order{}, nil
}
func (s *stubAdapter) CancelOrder(ctx context.Context, authToken string, orderID string) error {
	return nil
}
func (s *stubAdapter) GetOrderBook(ctx context.Context, authToken string) ([]domain.Order, error) {
	return nil, nil
}
func (s *stubAdapter) GetTradeBook(ctx context.Context, authToken string) ([]domain.Order, error) {
	return nil, nil
}
func (s *stubAdapter) GetPositions(ctx context.Context, authToken string) ([]domain.Position, error) {
	return nil, nil
}
func (s *stubAdapter) GetHoldings(ctx context.Context, authToken string) ([]domain.Holding, error) {
	return nil, nil
}
func (s *stubAdapter) GetFunds(ctx context.Context, authToken string) (domain.Funds, error) {
	return domain.Funds{}, nil
}
func (s *stubAdapter) GetQuote(ctx context.Context, authToken string, symbols []broker.SymbolRef) ([]domain.Quote, error) {
	return nil, nil
}
func (s *stubAdapter) GetMarketDepth(ctx context.Context, authToken string, symbol broker.SymbolRef) (domain.Depth, error) {
	return domain.Depth{}, nil
}
func (s *stubAdapter) DownloadMasterContract(ctx context.Context) ([]domain.Instrument, error) {
	return nil, nil
}
func (s *stubAdapter) OpenMarketStream(ctx context.Context, feedToken string, symbols []broker.SymbolRef, onTick func(domain.Quote)) error {
	return nil
}
func (s *stubAdapter) Logout(ctx context.Context, authToken string) error {
	s.logoutCalls++
	if s.custodianRef != nil {
		session, _ := s.custodianRef.LoadActiveSession()
		s.sessionRevokedAtLogout = session == nil
	}
	return nil
}

var _ broker.Adapter = (*stubAdapter)(nil)

func testScheduler(t *testing.T) (*Scheduler, *settings.Repository, *custodian.Custodian, *stubAdapter) {
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

	settingsRepo := settings.NewRepository(db, v)
	cust := custodian.New(db, v, zerolog.Nop())
	adapter := &stubAdapter{id: "refbroker"}
	registry := broker.NewRegistry(adapter)
	bus := events.NewBus(zerolog.Nop())

	return New(settingsRepo, cust, registry, bus, zerolog.Nop()), settingsRepo, cust, adapter
}

func TestReschedule_DisabledConfigRegistersNoEntries(t *testing.T) {
	s, settingsRepo, _, _ := testScheduler(t)
	require.NoError(t, settingsRepo.UpdateAutoLogout(settings.AutoLogoutConfig{Enabled: false}))

	require.NoError(t, s.Reschedule())
	assert.Empty(t, s.entryIDs)
}

func TestReschedule_EnabledConfigRegistersWarningsPlusLogout(t *testing.T) {
	s, settingsRepo, _, _ := testScheduler(t)
	require.NoError(t, settingsRepo.UpdateAutoLogout(settings.AutoLogoutConfig{
		Enabled: true, Hour: 15, Minute: 30, Warnings: []int{30, 15, 5, 1},
	}))

	require.NoError(t, s.Reschedule())
	assert.Len(t, s.entryIDs, 5)
}

func TestFireLogout_RevokesSessionAndCallsUpstreamLogout(t *testing.T) {
	s, _, cust, adapter := testScheduler(t)
	require.NoError(t, cust.SaveSession(1, "refbroker", "auth-tok", "feed-tok"))

	s.fireLogout()

	assert.Equal(t, 1, adapter.logoutCalls)
	session, err := cust.LoadActiveSession()
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestFireLogout_EmitsEventThenRevokesThenCallsUpstream(t *testing.T) {
	s, _, cust, adapter := testScheduler(t)
	adapter.custodianRef = cust
	require.NoError(t, cust.SaveSession(1, "refbroker", "auth-tok", "feed-tok"))

	sub := s.bus.Subscribe(events.AutoLogout)
	defer sub.Unsubscribe()

	s.fireLogout()

	select {
	case env := <-sub.Ch:
		data := env.Data.(*events.AutoLogoutData)
		assert.Equal(t, "refbroker", data.BrokerID)
	default:
		t.Fatal("expected auto_logout event to have been published")
	}

	assert.Equal(t, 1, adapter.logoutCalls)
	assert.True(t, adapter.sessionRevokedAtLogout, "upstream logout must run after the session is revoked")
}

func TestShiftEarlier_WrapsAcrossMidnight(t *testing.T) {
	h, m := shiftEarlier(0, 10, 30)
	assert.Equal(t, 23, h)
	assert.Equal(t, 40, m)
}

func TestShiftEarlier_WithinSameHour(t *testing.T) {
	h, m := shiftEarlier(15, 30, 15)
	assert.Equal(t, 15, h)
	assert.Equal(t, 15, m)
}
