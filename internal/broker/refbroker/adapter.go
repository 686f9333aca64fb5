package refbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/domain"
)

const brokerID = "refbroker"

// Adapter adapts refbroker's wire API to broker.Adapter. It owns the
// underlying HTTP client and carries no per-user state beyond the API
// key/secret pair used to sign requests; the active auth/feed token is
// always passed in by the caller (the custodian owns token custody).
type Adapter struct {
	client *client
	log    zerolog.Logger
}

// New builds an Adapter for the given API key/secret pair.
func New(apiKey, apiSecret string, log zerolog.Logger) *Adapter {
	return &Adapter{
		client: newClient(apiKey, apiSecret, log),
		log:    log.With().Str("broker", brokerID).Logger(),
	}
}

func (a *Adapter) ID() string { return brokerID }

func (a *Adapter) Authenticate(ctx context.Context, cred broker.Credential) (string, string, error) {
	var resp wireAuthResponse
	params := map[string]string{
		"client_id":  cred.ClientID,
		"oauth_code": cred.OAuthCode,
	}
	if err := a.client.post(ctx, "", "authenticate", params, &resp); err != nil {
		return "", "", err
	}
	return resp.AuthToken, resp.FeedToken, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, authToken string, req domain.OrderRequest) (domain.Order, error) {
	var w wireOrder
	err := a.client.post(ctx, authToken, "place_order", req, &w)
	if err != nil {
		return domain.Order{}, err
	}
	return transformOrder(w), nil
}

func (a *Adapter) ModifyOrder(ctx context.Context, authToken string, req domain.ModifyOrderRequest) (domain.Order, error) {
	var w wireOrder
	if err := a.client.post(ctx, authToken, "modify_order", req, &w); err != nil {
		return domain.Order{}, err
	}
	return transformOrder(w), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, authToken string, orderID string) error {
	return a.client.post(ctx, authToken, "cancel_order", map[string]string{"order_id": orderID}, nil)
}

func (a *Adapter) GetOrderBook(ctx context.Context, authToken string) ([]domain.Order, error) {
	var ws []wireOrder
	if err := a.client.post(ctx, authToken, "order_book", nil, &ws); err != nil {
		return nil, err
	}
	return transformOrders(ws), nil
}

func (a *Adapter) GetTradeBook(ctx context.Context, authToken string) ([]domain.Order, error) {
	var ws []wireOrder
	if err := a.client.post(ctx, authToken, "trade_book", nil, &ws); err != nil {
		return nil, err
	}
	return transformOrders(ws), nil
}

func (a *Adapter) GetPositions(ctx context.Context, authToken string) ([]domain.Position, error) {
	var ws []wirePosition
	if err := a.client.post(ctx, authToken, "positions", nil, &ws); err != nil {
		return nil, err
	}
	return transformPositions(ws), nil
}

func (a *Adapter) GetHoldings(ctx context.Context, authToken string) ([]domain.Holding, error) {
	var ws []wireHolding
	if err := a.client.post(ctx, authToken, "holdings", nil, &ws); err != nil {
		return nil, err
	}
	return transformHoldings(ws), nil
}

func (a *Adapter) GetFunds(ctx context.Context, authToken string) (domain.Funds, error) {
	var w wireFunds
	if err := a.client.post(ctx, authToken, "funds", nil, &w); err != nil {
		return domain.Funds{}, err
	}
	return transformFunds(w), nil
}

func (a *Adapter) GetQuote(ctx context.Context, authToken string, symbols []broker.SymbolRef) ([]domain.Quote, error) {
	var ws []wireQuote
	if err := a.client.post(ctx, authToken, "quotes", map[string][]broker.SymbolRef{"symbols": symbols}, &ws); err != nil {
		return nil, err
	}
	return transformQuotes(ws), nil
}

func (a *Adapter) GetMarketDepth(ctx context.Context, authToken string, symbol broker.SymbolRef) (domain.Depth, error) {
	var w wireDepth
	if err := a.client.post(ctx, authToken, "market_depth", symbol, &w); err != nil {
		return domain.Depth{}, err
	}
	return transformDepth(w), nil
}

func (a *Adapter) DownloadMasterContract(ctx context.Context) ([]domain.Instrument, error) {
	var ws []wireInstrument
	if err := a.client.post(ctx, "", "master_contract", nil, &ws); err != nil {
		return nil, err
	}
	return transformInstruments(ws), nil
}

func (a *Adapter) Logout(ctx context.Context, authToken string) error {
	return a.client.post(ctx, authToken, "logout", nil, nil)
}

// OpenMarketStream dials the feed websocket, subscribes to symbols and
// forwards every decoded tick to onTick until ctx is cancelled or the
// connection errors.
func (a *Adapter) OpenMarketStream(ctx context.Context, feedToken string, symbols []broker.SymbolRef, onTick func(domain.Quote)) error {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	wsURL := fmt.Sprintf("wss://feed.refbroker.example/stream?token=%s", feedToken)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial market stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, err := json.Marshal(map[string]interface{}{"op": "subscribe", "symbols": symbols})
	if err != nil {
		return fmt.Errorf("encode subscribe message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		return fmt.Errorf("send subscribe message: %w", err)
	}

	for {
		_, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read market stream: %w", err)
		}

		var tick wireTick
		if err := json.Unmarshal(message, &tick); err != nil {
			a.log.Warn().Err(err).Msg("discarding malformed tick")
			continue
		}
		onTick(transformTick(tick))
	}
}

var _ broker.Adapter = (*Adapter)(nil)
