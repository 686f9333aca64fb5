package refbroker

import (
	"time"

	"github.com/aristath/sentinel/internal/domain"
)

func transformOrder(w wireOrder) domain.Order {
	return domain.Order{
		OrderID:  w.OrderID,
		BrokerID: brokerID,
		Symbol:   w.Symbol,
		Exchange: w.Exchange,
		Side:     domain.Side(w.Side),
		Product:  domain.Product(w.Product),
		Quantity: w.Quantity,
		Price:    w.Price,
		Status:   w.Status,
		PlacedAt: time.Unix(w.PlacedAt, 0).UTC(),
	}
}

func transformOrders(ws []wireOrder) []domain.Order {
	out := make([]domain.Order, len(ws))
	for i, w := range ws {
		out[i] = transformOrder(w)
	}
	return out
}

func transformPosition(w wirePosition) domain.Position {
	return domain.Position{
		Symbol:       w.Symbol,
		Exchange:     w.Exchange,
		Product:      domain.Product(w.Product),
		Quantity:     w.Quantity,
		AveragePrice: w.AveragePrice,
		LastPrice:    w.LastPrice,
		PnL:          w.PnL,
	}
}

func transformPositions(ws []wirePosition) []domain.Position {
	out := make([]domain.Position, len(ws))
	for i, w := range ws {
		out[i] = transformPosition(w)
	}
	return out
}

func transformHolding(w wireHolding) domain.Holding {
	return domain.Holding{
		Symbol:       w.Symbol,
		Exchange:     w.Exchange,
		Quantity:     w.Quantity,
		AveragePrice: w.AveragePrice,
		LastPrice:    w.LastPrice,
		PnL:          w.PnL,
	}
}

func transformHoldings(ws []wireHolding) []domain.Holding {
	out := make([]domain.Holding, len(ws))
	for i, w := range ws {
		out[i] = transformHolding(w)
	}
	return out
}

func transformQuote(w wireQuote) domain.Quote {
	return domain.Quote{
		Symbol:    w.Symbol,
		Exchange:  w.Exchange,
		LastPrice: w.LastPrice,
		Change:    w.Change,
		ChangePct: w.ChangePct,
		Volume:    w.Volume,
		Timestamp: time.Unix(w.Timestamp, 0).UTC(),
	}
}

func transformQuotes(ws []wireQuote) []domain.Quote {
	out := make([]domain.Quote, len(ws))
	for i, w := range ws {
		out[i] = transformQuote(w)
	}
	return out
}

func transformDepth(w wireDepth) domain.Depth {
	d := domain.Depth{
		Symbol:    w.Symbol,
		Exchange:  w.Exchange,
		Timestamp: time.Unix(w.Timestamp, 0).UTC(),
	}
	for _, lvl := range w.Bids {
		d.Bids = append(d.Bids, domain.DepthLevel{Price: lvl.Price, Quantity: lvl.Quantity, Orders: lvl.Orders})
	}
	for _, lvl := range w.Asks {
		d.Asks = append(d.Asks, domain.DepthLevel{Price: lvl.Price, Quantity: lvl.Quantity, Orders: lvl.Orders})
	}
	return d
}

func transformFunds(w wireFunds) domain.Funds {
	return domain.Funds{
		AvailableCash:   w.AvailableCash,
		UsedMargin:      w.UsedMargin,
		AvailableMargin: w.AvailableMargin,
		Currency:        w.Currency,
	}
}

func transformInstruments(ws []wireInstrument) []domain.Instrument {
	out := make([]domain.Instrument, len(ws))
	for i, w := range ws {
		out[i] = domain.Instrument{
			Exchange:       w.Exchange,
			Symbol:         w.Symbol,
			Token:          w.Token,
			InstrumentType: w.InstrumentType,
			LotSize:        w.LotSize,
		}
	}
	return out
}

func transformTick(w wireTick) domain.Quote {
	return domain.Quote{
		Symbol:    w.Symbol,
		Exchange:  w.Exchange,
		LastPrice: w.LastPrice,
		Change:    w.Change,
		ChangePct: w.ChangePct,
		Volume:    w.Volume,
		Timestamp: time.Unix(w.Timestamp, 0).UTC(),
	}
}
