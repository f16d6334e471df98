// Package broker is the runtime's port to the brokerage: historical candles,
// order placement, the net position report, the contract catalog and last
// traded prices. Angel implements it over the SmartAPI client.
package broker

import (
	"context"

	"intraday-runtime/internal/model"
)

// Broker is the full broker collaborator. All prices are in paise.
type Broker interface {
	HistoricalCandles(ctx context.Context, req model.CandleRequest) ([]model.Candle, error)
	PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error)
	Positions(ctx context.Context) ([]model.BrokerPosition, error)
	Instruments(ctx context.Context) ([]model.Instrument, error)
	LTP(ctx context.Context, exchange, tradingSymbol, token string) (int64, error)
}

// Candle intervals understood by HistoricalCandles.
const (
	IntervalOneMinute  = "ONE_MINUTE"
	IntervalFiveMinute = "FIVE_MINUTE"
)

// IntervalSeconds returns the window width of an interval (0 if unknown).
func IntervalSeconds(interval string) int {
	switch interval {
	case IntervalOneMinute:
		return 60
	case IntervalFiveMinute:
		return 300
	}
	return 0
}
