// Package broker defines the closed broker-adapter capability set the
// Services Layer consumes. There is no inheritance hierarchy: every
// adapter implements Adapter directly, and the active adapter is resolved
// by broker id from a registry built at startup.
package broker

import (
	"context"

	"github.com/aristath/sentinel/internal/domain"
)

// Adapter is the capability set a supported broker must implement. Every
// method is asynchronous and cancellable via ctx; a broker that cannot
// satisfy a capability returns apperr.Upstream with a descriptive message
// rather than omitting the method.
type Adapter interface {
	// Authenticate exchanges credentials (or an OAuth code) for an auth
	// token and, where the broker issues one, a feed token.
	Authenticate(ctx context.Context, credential Credential) (authToken, feedToken string, err error)

	PlaceOrder(ctx context.Context, authToken string, req domain.OrderRequest) (domain.Order, error)
	ModifyOrder(ctx context.Context, authToken string, req domain.ModifyOrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, authToken string, orderID string) error

	GetOrderBook(ctx context.Context, authToken string) ([]domain.Order, error)
	GetTradeBook(ctx context.Context, authToken string) ([]domain.Order, error)
	GetPositions(ctx context.Context, authToken string) ([]domain.Position, error)
	GetHoldings(ctx context.Context, authToken string) ([]domain.Holding, error)
	GetFunds(ctx context.Context, authToken string) (domain.Funds, error)

	GetQuote(ctx context.Context, authToken string, symbols []SymbolRef) ([]domain.Quote, error)
	GetMarketDepth(ctx context.Context, authToken string, symbol SymbolRef) (domain.Depth, error)

	DownloadMasterContract(ctx context.Context) ([]domain.Instrument, error)

	// OpenMarketStream starts a feed-token-authenticated tick stream and
	// forwards ticks to onTick until ctx is cancelled or the stream
	// errors. It must not acquire uncancellable resources: dropping ctx
	// is sufficient to stop the stream.
	OpenMarketStream(ctx context.Context, feedToken string, symbols []SymbolRef, onTick func(domain.Quote)) error

	// Logout performs a best-effort upstream token revocation. Callers
	// (the Auto-Logout Scheduler) bound ctx to a short deadline and do
	// not retry.
	Logout(ctx context.Context, authToken string) error

	// ID returns the broker identifier this adapter serves (e.g. "refbroker").
	ID() string
}

// Credential is what the Services Layer hands to Authenticate: either a
// username/password-style pair or an OAuth authorization code, depending
// on the broker's auth flow.
type Credential struct {
	APIKey      string
	APISecret   string
	ClientID    string
	OAuthCode   string
}

// SymbolRef identifies one instrument for quote/depth/order requests.
type SymbolRef struct {
	Exchange string
	Symbol   string
}

// Registry resolves a broker id to its Adapter. Built once at startup;
// read-only thereafter.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry from the given adapters, keyed by their
// own ID().
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get resolves brokerID to its adapter, or ok=false if unsupported.
func (r *Registry) Get(brokerID string) (Adapter, bool) {
	a, ok := r.adapters[brokerID]
	return a, ok
}
