package ipc

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/custodian"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/identity"
	"github.com/aristath/sentinel/internal/scheduler"
	"github.com/aristath/sentinel/internal/services"
	"github.com/aristath/sentinel/internal/settings"
	"github.com/aristath/sentinel/internal/symbolmaster"
)

// Deps bundles every component a command handler may need to call into.
// RegisterCommands wires one Handler per capability named in the Local
// IPC Surface's contract onto these.
type Deps struct {
	Services    *services.Services
	Identity    *identity.Manager
	Custodian   *custodian.Custodian
	Registry    *broker.Registry
	Scheduler   *scheduler.Scheduler
	Settings    *settings.Repository
	SymbolIndex *symbolmaster.Index
	Log         zerolog.Logger
}

// RegisterCommands registers every Local IPC Surface command onto s. The
// set overlaps the Admission Gateway's REST command set without matching
// it one-for-one: the identity and broker-session commands exist only
// here, and the system health and latency reads exist only over REST.
func RegisterCommands(s *Server, deps Deps) {
	s.Handle("setup", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req struct{ Username, Password string }
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		if err := deps.Identity.Setup(req.Username, req.Password); err != nil {
			return nil, err
		}
		return map[string]string{"status": "initialized"}, nil
	})

	s.Handle("login", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req struct{ Username, Password string }
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		if err := deps.Identity.Login(req.Username, req.Password); err != nil {
			return nil, err
		}
		return map[string]string{"status": "authenticated"}, nil
	})

	s.Handle("logout", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		deps.Identity.Logout()
		return map[string]string{"status": "logged_out"}, nil
	})

	s.Handle("check_session", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		return map[string]string{"state": string(stateLabel(deps.Identity.CheckSession()))}, nil
	})

	s.Handle("generate_api_key", noArgs(func(ctx context.Context) (interface{}, error) {
		key, err := deps.Identity.GenerateAPIKey()
		if err != nil {
			return nil, err
		}
		return map[string]string{"api_key": key}, nil
	}))

	s.Handle("broker_login", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req struct {
			BrokerID  string
			APIKey    string
			APISecret string
			ClientID  string
			OAuthCode string
		}
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		adapter, ok := deps.Registry.Get(req.BrokerID)
		if !ok {
			return nil, apperr.New(apperr.NoActiveBroker, "unknown broker: "+req.BrokerID)
		}
		authToken, feedToken, err := adapter.Authenticate(ctx, broker.Credential{
			APIKey: req.APIKey, APISecret: req.APISecret, ClientID: req.ClientID, OAuthCode: req.OAuthCode,
		})
		if err != nil {
			return nil, err
		}
		if err := deps.Custodian.SaveSession(deps.Identity.UserID(), req.BrokerID, authToken, feedToken); err != nil {
			return nil, err
		}
		return map[string]string{"status": "authenticated", "broker_id": req.BrokerID}, nil
	})

	s.Handle("broker_logout", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		return map[string]string{"status": "revoked"}, deps.Custodian.Revoke()
	})

	s.Handle("place_order", simpleOrderHandler(func(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
		return deps.Services.PlaceOrder(ctx, 0, req)
	}))
	s.Handle("place_smart_order", simpleOrderHandler(func(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
		return deps.Services.PlaceSmartOrder(ctx, 0, req)
	}))

	s.Handle("modify_order", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req domain.ModifyOrderRequest
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		return deps.Services.ModifyOrder(ctx, req)
	})

	s.Handle("cancel_order", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req struct{ OrderID string }
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		if err := deps.Services.CancelOrder(ctx, req.OrderID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "cancelled"}, nil
	})

	s.Handle("cancel_all_orders", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		if err := deps.Services.CancelAllOrders(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"status": "cancelled"}, nil
	})

	s.Handle("close_position", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req struct {
			Symbol   string
			Exchange string
			Product  domain.Product
		}
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		return deps.Services.PlaceSmartOrder(ctx, 0, domain.OrderRequest{
			Symbol: req.Symbol, Exchange: req.Exchange, Product: req.Product, Side: domain.SideBuy, Quantity: 0,
		})
	})

	s.Handle("order_book", noArgs(func(ctx context.Context) (interface{}, error) { return deps.Services.GetOrderBook(ctx) }))
	s.Handle("trade_book", noArgs(func(ctx context.Context) (interface{}, error) { return deps.Services.GetTradeBook(ctx) }))
	s.Handle("position_book", noArgs(func(ctx context.Context) (interface{}, error) { return deps.Services.GetPositions(ctx) }))
	s.Handle("holdings", noArgs(func(ctx context.Context) (interface{}, error) { return deps.Services.GetHoldings(ctx) }))
	s.Handle("funds", noArgs(func(ctx context.Context) (interface{}, error) { return deps.Services.GetFunds(ctx) }))

	s.Handle("order_status", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req struct{ OrderID string }
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		orders, err := deps.Services.GetOrderBook(ctx)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			if o.OrderID == req.OrderID {
				return o, nil
			}
		}
		return nil, apperr.New(apperr.PayloadInvalid, "order not found")
	})

	s.Handle("quotes", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req struct{ Symbols []broker.SymbolRef }
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		return deps.Services.GetQuote(ctx, req.Symbols)
	})

	s.Handle("depth", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req broker.SymbolRef
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		return deps.Services.GetMarketDepth(ctx, req)
	})

	s.Handle("symbol_lookup", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req struct{ Exchange, Symbol string }
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		instrument, ok := deps.SymbolIndex.Lookup(req.Exchange, req.Symbol)
		if !ok {
			return nil, apperr.New(apperr.PayloadInvalid, "symbol not found")
		}
		return instrument, nil
	})

	s.Handle("open_market_stream", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req struct{ Symbols []broker.SymbolRef }
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		if len(req.Symbols) == 0 {
			return nil, apperr.New(apperr.PayloadInvalid, "at least one symbol is required")
		}
		go func() {
			if err := deps.Services.StreamMarketData(context.Background(), req.Symbols); err != nil {
				deps.Log.Warn().Err(err).Msg("market data stream ended")
			}
		}()
		return map[string]string{"status": "started"}, nil
	})

	s.Handle("download_master_contract", noArgs(func(ctx context.Context) (interface{}, error) {
		instruments, err := deps.Services.DownloadMasterContract(ctx)
		if err != nil {
			return nil, err
		}
		if err := deps.SymbolIndex.Refresh(instruments); err != nil {
			return nil, err
		}
		return map[string]int{"count": len(instruments)}, nil
	}))

	s.Handle("get_analyzer_mode", noArgs(func(ctx context.Context) (interface{}, error) {
		return map[string]bool{"analyzer_mode": deps.Services.AnalyzerMode()}, nil
	}))
	s.Handle("set_analyzer_mode", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req struct{ Enabled bool }
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		deps.Services.SetAnalyzerMode(req.Enabled)
		return map[string]bool{"analyzer_mode": req.Enabled}, nil
	})

	s.Handle("get_auto_logout_config", noArgs(func(ctx context.Context) (interface{}, error) {
		cfg, err := deps.Settings.Get()
		if err != nil {
			return nil, err
		}
		return cfg.AutoLogout, nil
	}))
	s.Handle("set_auto_logout_config", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req settings.AutoLogoutConfig
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		if err := deps.Settings.UpdateAutoLogout(req); err != nil {
			return nil, err
		}
		if err := deps.Scheduler.Reschedule(); err != nil {
			return nil, err
		}
		return req, nil
	})
}

func stateLabel(st identity.State) string {
	switch st {
	case identity.NotInitialized:
		return "not_initialized"
	case identity.Authenticated:
		return "authenticated"
	default:
		return "idle"
	}
}

func unmarshal(params msgpack.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(params, v); err != nil {
		return apperr.Wrap(apperr.PayloadInvalid, "malformed command params", err)
	}
	return nil
}

func simpleOrderHandler(fn func(ctx context.Context, req domain.OrderRequest) (domain.Order, error)) Handler {
	return func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var req domain.OrderRequest
		if err := unmarshal(params, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

func noArgs(fn func(ctx context.Context) (interface{}, error)) Handler {
	return func(ctx context.Context, _ msgpack.RawMessage) (interface{}, error) {
		return fn(ctx)
	}
}
