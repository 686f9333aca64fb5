// Package sandbox implements the SandboxState simulated broker account:
// a self-contained funds/positions/holdings/orders/trades ledger the
// Services Layer can trade against without ever reaching a real broker.
package sandbox

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/domain"
)

const defaultStartingCapital = 1_000_000

// State is the in-memory view of the single sandbox_state row.
type State struct {
	StartingCapital float64
	Cash            float64
	DailyPnL        float64
	Positions       []domain.Position
	Holdings        []domain.Holding
	Orders          []domain.Order
	Trades          []domain.Order
	LastResetAt     time.Time
}

// Account persists and mutates the simulated account. All mutations are
// serialized by mu: the sandbox is a single shared account, not one per
// strategy.
type Account struct {
	mu sync.Mutex
	db *database.DB
}

// NewAccount wraps db for sandbox persistence.
func NewAccount(db *database.DB) *Account {
	return &Account{db: db}
}

// Load reads the current sandbox state.
func (a *Account) Load() (*State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadLocked()
}

func (a *Account) loadLocked() (*State, error) {
	var s State
	var positionsJSON, holdingsJSON, ordersJSON, tradesJSON string

	err := a.db.Conn().QueryRow(`
		SELECT starting_capital, cash, daily_pnl, positions_json, holdings_json, orders_json, trades_json, last_reset_at
		FROM sandbox_state WHERE id = 1
	`).Scan(&s.StartingCapital, &s.Cash, &s.DailyPnL, &positionsJSON, &holdingsJSON, &ordersJSON, &tradesJSON, &s.LastResetAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load sandbox state", err)
	}

	if err := json.Unmarshal([]byte(positionsJSON), &s.Positions); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode sandbox positions", err)
	}
	if err := json.Unmarshal([]byte(holdingsJSON), &s.Holdings); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode sandbox holdings", err)
	}
	if err := json.Unmarshal([]byte(ordersJSON), &s.Orders); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode sandbox orders", err)
	}
	if err := json.Unmarshal([]byte(tradesJSON), &s.Trades); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode sandbox trades", err)
	}
	return &s, nil
}

func (a *Account) saveLocked(s *State) error {
	positionsJSON, err := json.Marshal(s.Positions)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode sandbox positions", err)
	}
	holdingsJSON, err := json.Marshal(s.Holdings)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode sandbox holdings", err)
	}
	ordersJSON, err := json.Marshal(s.Orders)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode sandbox orders", err)
	}
	tradesJSON, err := json.Marshal(s.Trades)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode sandbox trades", err)
	}

	_, err = a.db.Conn().Exec(`
		UPDATE sandbox_state SET cash = ?, daily_pnl = ?, positions_json = ?, holdings_json = ?, orders_json = ?, trades_json = ?
		WHERE id = 1
	`, s.Cash, s.DailyPnL, string(positionsJSON), string(holdingsJSON), string(ordersJSON), string(tradesJSON))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "save sandbox state", err)
	}
	return nil
}

// PlaceOrder fills an order immediately at req.Price (or 0 for a market
// order, which fills at the symbol's last known position price if one
// exists, else at zero) and folds it into positions/cash/trades. The
// sandbox never rejects an order for insufficient margin: it exists to
// exercise the order-flow, not to model broker risk checks.
func (a *Account) PlaceOrder(req domain.OrderRequest) (domain.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.loadLocked()
	if err != nil {
		return domain.Order{}, err
	}

	price := req.Price
	if price == 0 {
		for _, p := range s.Positions {
			if p.Symbol == req.Symbol && p.Exchange == req.Exchange {
				price = p.LastPrice
				break
			}
		}
	}

	order := domain.Order{
		OrderID:  uuid.NewString(),
		BrokerID: "sandbox",
		Symbol:   req.Symbol,
		Exchange: req.Exchange,
		Side:     req.Side,
		Product:  req.Product,
		Quantity: req.Quantity,
		Price:    price,
		Status:   "FILLED",
		PlacedAt: time.Now().UTC(),
	}

	signedQty := req.Quantity
	if req.Side == domain.SideSell {
		signedQty = -signedQty
	}

	s.Positions = applyFill(s.Positions, req.Symbol, req.Exchange, req.Product, signedQty, price)
	s.Cash -= signedQty * price
	s.Orders = append(s.Orders, order)
	s.Trades = append(s.Trades, order)

	if err := a.saveLocked(s); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// applyFill folds a signed quantity fill into the position list,
// removing the position entirely if it nets to zero.
func applyFill(positions []domain.Position, symbol, exchange string, product domain.Product, signedQty, price float64) []domain.Position {
	for i, p := range positions {
		if p.Symbol != symbol || p.Exchange != exchange || p.Product != product {
			continue
		}
		newQty := p.Quantity + signedQty
		if newQty == 0 {
			return append(positions[:i], positions[i+1:]...)
		}
		newAvg := ((p.AveragePrice * p.Quantity) + (price * signedQty)) / newQty
		positions[i] = domain.Position{
			Symbol: symbol, Exchange: exchange, Product: product,
			Quantity: newQty, AveragePrice: newAvg, LastPrice: price,
		}
		return positions
	}
	return append(positions, domain.Position{
		Symbol: symbol, Exchange: exchange, Product: product,
		Quantity: signedQty, AveragePrice: price, LastPrice: price,
	})
}

// Positions returns the current simulated positions.
func (a *Account) Positions() ([]domain.Position, error) {
	s, err := a.Load()
	if err != nil {
		return nil, err
	}
	return s.Positions, nil
}

// Funds returns the current simulated funds snapshot.
func (a *Account) Funds() (domain.Funds, error) {
	s, err := a.Load()
	if err != nil {
		return domain.Funds{}, err
	}
	return domain.Funds{AvailableCash: s.Cash, Currency: "INR"}, nil
}

// Reset restores the account to its starting capital, clearing all
// positions, holdings, orders, and trades. Invoked by the sandbox's
// periodic reset job; no IPC or REST command calls it.
func (a *Account) Reset(startingCapital float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if startingCapital <= 0 {
		startingCapital = defaultStartingCapital
	}

	_, err := a.db.Conn().Exec(`
		UPDATE sandbox_state SET starting_capital = ?, cash = ?, daily_pnl = 0,
			positions_json = '[]', holdings_json = '[]', orders_json = '[]', trades_json = '[]',
			last_reset_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, startingCapital, startingCapital)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "reset sandbox state", err)
	}
	return nil
}
