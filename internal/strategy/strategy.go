// Package strategy persists Strategy and StrategySymbolMapping rows and
// resolves an inbound webhook id to the Strategy it addresses.
package strategy

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/database"
)

// regulatoryZone is the fixed time zone trading windows are evaluated
// against, matching the Auto-Logout Scheduler's own fixed-zone daily
// trigger regardless of the host's local zone.
var regulatoryZone = mustLoadLocation("Asia/Kolkata")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, 5*3600+1800) // IST: UTC+5:30 fallback if tzdata is unavailable
	}
	return loc
}

// Strategy is a persistent alerting target referenced by inbound webhook
// payloads.
type Strategy struct {
	ID            int64
	Name          string
	WebhookID     string
	Exchange      string
	Symbol        string
	Product       string
	Quantity      float64
	Enabled       bool
	Platform      string
	TradingWindow string // optional, empty means "always"
}

// SymbolMapping is one leg of a multi-symbol strategy.
type SymbolMapping struct {
	ID          int64
	StrategyID  int64
	LegSymbol   string
	LegExchange string
	LegQuantity float64
}

// Repository is the Strategy/StrategySymbolMapping store.
type Repository struct {
	db *database.DB
}

// NewRepository wraps db.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new Strategy with a freshly generated webhook id.
func (r *Repository) Create(s *Strategy) (*Strategy, error) {
	s.WebhookID = uuid.NewString()
	if s.Platform == "" {
		s.Platform = "generic"
	}

	res, err := r.db.Conn().Exec(`
		INSERT INTO strategies (name, webhook_id, exchange, symbol, product, quantity, enabled, platform, trading_window)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Name, s.WebhookID, s.Exchange, s.Symbol, s.Product, s.Quantity, boolToInt(s.Enabled), s.Platform, nullableString(s.TradingWindow))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "create strategy", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read created strategy id", err)
	}
	s.ID = id
	return s, nil
}

// ByWebhookID resolves a webhook id to its Strategy. Returns nil, nil if
// no strategy (including soft-deleted ones) matches.
func (r *Repository) ByWebhookID(webhookID string) (*Strategy, error) {
	var s Strategy
	var enabled int
	var tradingWindow sql.NullString

	err := r.db.Conn().QueryRow(`
		SELECT id, name, webhook_id, exchange, symbol, product, quantity, enabled, platform, trading_window
		FROM strategies WHERE webhook_id = ? AND deleted_at IS NULL
	`, webhookID).Scan(&s.ID, &s.Name, &s.WebhookID, &s.Exchange, &s.Symbol, &s.Product, &s.Quantity, &enabled, &s.Platform, &tradingWindow)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load strategy by webhook id", err)
	}
	s.Enabled = enabled != 0
	if tradingWindow.Valid {
		s.TradingWindow = tradingWindow.String
	}
	return &s, nil
}

// SymbolMappings returns every leg mapping for a strategy.
func (r *Repository) SymbolMappings(strategyID int64) ([]SymbolMapping, error) {
	rows, err := r.db.Conn().Query(`
		SELECT id, strategy_id, leg_symbol, leg_exchange, leg_quantity
		FROM strategy_symbol_mappings WHERE strategy_id = ?
	`, strategyID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load strategy symbol mappings", err)
	}
	defer rows.Close()

	var mappings []SymbolMapping
	for rows.Next() {
		var m SymbolMapping
		if err := rows.Scan(&m.ID, &m.StrategyID, &m.LegSymbol, &m.LegExchange, &m.LegQuantity); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan strategy symbol mapping", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// WithinTradingWindow reports whether now, evaluated in the fixed
// regulatory zone, falls inside the strategy's "HH:MM-HH:MM" trading
// window. An empty window, or one that fails to parse, always matches
// -- the window narrows dispatch, it never blocks a strategy that
// didn't configure one.
func (s *Strategy) WithinTradingWindow(now time.Time) bool {
	if s.TradingWindow == "" {
		return true
	}
	bounds := strings.SplitN(s.TradingWindow, "-", 2)
	if len(bounds) != 2 {
		return true
	}
	start, errStart := time.Parse("15:04", strings.TrimSpace(bounds[0]))
	end, errEnd := time.Parse("15:04", strings.TrimSpace(bounds[1]))
	if errStart != nil || errEnd != nil {
		return true
	}

	local := now.In(regulatoryZone)
	nowMinutes := local.Hour()*60 + local.Minute()
	startMinutes := start.Hour()*60 + start.Minute()
	endMinutes := end.Hour()*60 + end.Minute()

	if startMinutes <= endMinutes {
		return nowMinutes >= startMinutes && nowMinutes <= endMinutes
	}
	return nowMinutes >= startMinutes || nowMinutes <= endMinutes // window wraps past midnight
}

// SoftDelete marks a strategy deleted without removing its audit trail.
func (r *Repository) SoftDelete(id int64) error {
	_, err := r.db.Conn().Exec("UPDATE strategies SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?", id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "soft delete strategy", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
