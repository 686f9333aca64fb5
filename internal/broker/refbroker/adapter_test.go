package refbroker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/domain"
)

func testAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := New("key", "secret", zerolog.Nop())
	a.client.baseURL = srv.URL
	return a
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(wireEnvelope{Success: true, Data: raw}))
}

func TestAdapter_PlaceOrder_TransformsWireOrder(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/place_order", r.URL.Path)
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		writeEnvelope(t, w, wireOrder{
			OrderID: "ord-1", Symbol: "RELIANCE", Exchange: "NSE",
			Side: "BUY", Product: "MIS", Quantity: 10, Price: 2500, Status: "OPEN",
		})
	})

	order, err := a.PlaceOrder(context.Background(), "at-1", domainOrderRequest())
	require.NoError(t, err)
	assert.Equal(t, "ord-1", order.OrderID)
	assert.Equal(t, brokerID, order.BrokerID)
	assert.EqualValues(t, "BUY", order.Side)
}

func TestAdapter_GetPositions_EmptyBookReturnsEmptySlice(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, []wirePosition{})
	})

	positions, err := a.GetPositions(context.Background(), "at-1")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestAdapter_FailureEnvelopeSurfacesAsError(t *testing.T) {
	srv := httptest.NewServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wireEnvelope{Success: false, Error: "insufficient margin"})
	})
	t.Cleanup(srv.Close)

	a := New("key", "secret", zerolog.Nop())
	a.client.baseURL = srv.URL

	_, err := a.PlaceOrder(context.Background(), "at-1", domainOrderRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient margin")
}

func TestAdapter_GetQuote_SendsSymbolsAndParsesTimestamp(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, []wireQuote{
			{Symbol: "TCS", Exchange: "NSE", LastPrice: 3500, Timestamp: 1700000000},
		})
	})

	quotes, err := a.GetQuote(context.Background(), "at-1", []broker.SymbolRef{{Exchange: "NSE", Symbol: "TCS"}})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "TCS", quotes[0].Symbol)
	assert.False(t, quotes[0].Timestamp.IsZero())
}

func domainOrderRequest() domain.OrderRequest {
	return domain.OrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE",
		Side: domain.SideBuy, Product: domain.ProductMIS,
		Quantity: 10, Price: 2500,
	}
}
