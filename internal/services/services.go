// Package services implements the Services Layer: the single facade the
// Admission Gateway and the Local IPC Surface both call into. Every
// operation resolves the active broker via the Custodian, delegates to
// the broker adapter, and normalizes the result into the uniform model
// -- or, in analyzer mode, bypasses the adapter entirely and returns a
// simulated response while writing an AnalyzerLog.
package services

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/custodian"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/sandbox"
)

// Services is the facade C6 and C8 both call through.
type Services struct {
	custodian *custodian.Custodian
	registry  *broker.Registry
	sandbox   *sandbox.Account
	db        *database.DB
	bus       *events.Bus
	log       zerolog.Logger

	analyzerMode atomic.Bool
}

// New builds the Services facade.
func New(cust *custodian.Custodian, registry *broker.Registry, sandboxAccount *sandbox.Account, db *database.DB, bus *events.Bus, log zerolog.Logger) *Services {
	return &Services{
		custodian: cust,
		registry:  registry,
		sandbox:   sandboxAccount,
		db:        db,
		bus:       bus,
		log:       log.With().Str("component", "services").Logger(),
	}
}

// SetAnalyzerMode toggles whether order-placing operations are
// intercepted and simulated rather than routed to the live broker.
func (s *Services) SetAnalyzerMode(on bool) {
	s.analyzerMode.Store(on)
}

// AnalyzerMode reports the current interception state.
func (s *Services) AnalyzerMode() bool {
	return s.analyzerMode.Load()
}

// resolveBroker returns the active session and adapter, or NoActiveBroker
// if the custodian holds none.
func (s *Services) resolveBroker() (*custodian.Session, broker.Adapter, error) {
	session, err := s.custodian.LoadActiveSession()
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, apperr.New(apperr.NoActiveBroker, "no active broker session")
	}
	adapter, ok := s.registry.Get(session.BrokerID)
	if !ok {
		return nil, nil, apperr.New(apperr.NoActiveBroker, "broker "+session.BrokerID+" has no registered adapter")
	}
	return session, adapter, nil
}

// StreamMarketData opens the active broker's feed-token tick stream for
// symbols and forwards every tick onto the bus as a MarketTick event.
// It blocks until ctx is cancelled or the adapter's stream ends; callers
// that want a persistent feed reconnect from outside after a non-nil,
// non-context error.
func (s *Services) StreamMarketData(ctx context.Context, symbols []broker.SymbolRef) error {
	session, adapter, err := s.resolveBroker()
	if err != nil {
		return err
	}
	if session.FeedToken == "" {
		return apperr.New(apperr.NoActiveBroker, "active broker session carries no feed token")
	}

	s.log.Info().Str("broker_id", session.BrokerID).Int("symbols", len(symbols)).Msg("opening market data stream")
	return adapter.OpenMarketStream(ctx, session.FeedToken, symbols, func(q domain.Quote) {
		s.bus.Publish(&events.MarketTickData{Symbol: q.Symbol, Exchange: q.Exchange, LastPrice: q.LastPrice})
	})
}

// PlaceOrder places req against the active broker, or simulates it
// against the sandbox and writes an AnalyzerLog when analyzer mode is on.
func (s *Services) PlaceOrder(ctx context.Context, strategyID int64, req domain.OrderRequest) (domain.Order, error) {
	if s.AnalyzerMode() {
		return s.simulateOrder(strategyID, req, "place_order")
	}

	session, adapter, err := s.resolveBroker()
	if err != nil {
		return domain.Order{}, err
	}
	return adapter.PlaceOrder(ctx, session.AuthToken, req)
}

// PlaceSmartOrder treats req.Quantity as the target absolute signed
// position for (symbol, product): it reads the current position,
// computes the delta, and issues the compensating order. An already
// at-target position is a no-op that returns a zero Order.
func (s *Services) PlaceSmartOrder(ctx context.Context, strategyID int64, req domain.OrderRequest) (domain.Order, error) {
	current, err := s.positionQuantity(ctx, req.Symbol, req.Exchange, req.Product)
	if err != nil {
		return domain.Order{}, err
	}

	target := req.Quantity
	if req.Side == domain.SideSell {
		target = -target
	}

	delta := target - current
	if delta == 0 {
		return domain.Order{}, nil
	}

	compensating := req
	compensating.Quantity = delta
	compensating.Side = domain.SideBuy
	if delta < 0 {
		compensating.Side = domain.SideSell
		compensating.Quantity = -delta
	}

	return s.PlaceOrder(ctx, strategyID, compensating)
}

func (s *Services) positionQuantity(ctx context.Context, symbol, exchange string, product domain.Product) (float64, error) {
	positions, err := s.GetPositions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Exchange == exchange && p.Product == product {
			return p.Quantity, nil
		}
	}
	return 0, nil
}

func (s *Services) ModifyOrder(ctx context.Context, req domain.ModifyOrderRequest) (domain.Order, error) {
	session, adapter, err := s.resolveBroker()
	if err != nil {
		return domain.Order{}, err
	}
	return adapter.ModifyOrder(ctx, session.AuthToken, req)
}

func (s *Services) CancelOrder(ctx context.Context, orderID string) error {
	session, adapter, err := s.resolveBroker()
	if err != nil {
		return err
	}
	return adapter.CancelOrder(ctx, session.AuthToken, orderID)
}

// CancelAllOrders cancels every open order in the order book, returning
// the first error encountered but attempting every cancellation.
func (s *Services) CancelAllOrders(ctx context.Context) error {
	orders, err := s.GetOrderBook(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, o := range orders {
		if o.Status != "OPEN" && o.Status != "PENDING" {
			continue
		}
		if err := s.CancelOrder(ctx, o.OrderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Services) GetOrderBook(ctx context.Context) ([]domain.Order, error) {
	if s.AnalyzerMode() {
		state, err := s.sandbox.Load()
		if err != nil {
			return nil, err
		}
		return state.Orders, nil
	}
	session, adapter, err := s.resolveBroker()
	if err != nil {
		return nil, err
	}
	return adapter.GetOrderBook(ctx, session.AuthToken)
}

func (s *Services) GetTradeBook(ctx context.Context) ([]domain.Order, error) {
	if s.AnalyzerMode() {
		state, err := s.sandbox.Load()
		if err != nil {
			return nil, err
		}
		return state.Trades, nil
	}
	session, adapter, err := s.resolveBroker()
	if err != nil {
		return nil, err
	}
	return adapter.GetTradeBook(ctx, session.AuthToken)
}

func (s *Services) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if s.AnalyzerMode() {
		return s.sandbox.Positions()
	}
	session, adapter, err := s.resolveBroker()
	if err != nil {
		return nil, err
	}
	return adapter.GetPositions(ctx, session.AuthToken)
}

func (s *Services) GetHoldings(ctx context.Context) ([]domain.Holding, error) {
	session, adapter, err := s.resolveBroker()
	if err != nil {
		return nil, err
	}
	return adapter.GetHoldings(ctx, session.AuthToken)
}

func (s *Services) GetFunds(ctx context.Context) (domain.Funds, error) {
	if s.AnalyzerMode() {
		return s.sandbox.Funds()
	}
	session, adapter, err := s.resolveBroker()
	if err != nil {
		return domain.Funds{}, err
	}
	return adapter.GetFunds(ctx, session.AuthToken)
}

func (s *Services) GetQuote(ctx context.Context, symbols []broker.SymbolRef) ([]domain.Quote, error) {
	session, adapter, err := s.resolveBroker()
	if err != nil {
		return nil, err
	}
	return adapter.GetQuote(ctx, session.AuthToken, symbols)
}

func (s *Services) GetMarketDepth(ctx context.Context, symbol broker.SymbolRef) (domain.Depth, error) {
	session, adapter, err := s.resolveBroker()
	if err != nil {
		return domain.Depth{}, err
	}
	return adapter.GetMarketDepth(ctx, session.AuthToken, symbol)
}

// DownloadMasterContract does not require an active session in every
// broker's API, but this facade still resolves the broker, so like the
// authenticated calls it fails with NoActiveBroker when no session exists.
func (s *Services) DownloadMasterContract(ctx context.Context) ([]domain.Instrument, error) {
	_, adapter, err := s.resolveBroker()
	if err != nil {
		return nil, err
	}
	return adapter.DownloadMasterContract(ctx)
}

// simulateOrder writes an AnalyzerLog recording the intercepted order and
// fills it against the sandbox so downstream order/position reads stay
// consistent while analyzer mode is on.
func (s *Services) simulateOrder(strategyID int64, req domain.OrderRequest, op string) (domain.Order, error) {
	order, err := s.sandbox.PlaceOrder(req)
	if err != nil {
		return domain.Order{}, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return domain.Order{}, apperr.Wrap(apperr.Internal, "encode analyzer log payload", err)
	}

	var strategyIDValue interface{}
	if strategyID != 0 {
		strategyIDValue = strategyID
	}

	_, err = s.db.Conn().Exec(`
		INSERT INTO analyzer_logs (strategy_id, request_payload, decision) VALUES (?, ?, ?)
	`, strategyIDValue, string(payload), op+":simulated")
	if err != nil {
		return domain.Order{}, apperr.Wrap(apperr.Internal, "write analyzer log", err)
	}

	s.log.Debug().Str("op", op).Str("symbol", req.Symbol).Msg("analyzer mode intercepted order")
	return order, nil
}
