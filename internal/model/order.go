package model

import "time"

// Order side and type values understood by the broker adapter.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket = "MARKET"
	ProductIntraday = "INTRADAY"
)

// OrderRequest is a broker order placement request.
type OrderRequest struct {
	Token         string `json:"token"`
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"trading_symbol"`
	Side          string `json:"side"`         // BUY, SELL
	OrderType     string `json:"order_type"`   // MARKET
	ProductType   string `json:"product_type"` // INTRADAY
	Qty           int64  `json:"qty"`
}

// BrokerPosition is one row of the broker's net position report.
type BrokerPosition struct {
	Token         string `json:"token"`
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"trading_symbol"`
	NetQty        int64  `json:"net_qty"`
	LastPrice     int64  `json:"last_price"` // paise
}

// CandleRequest asks the broker for historical candles.
type CandleRequest struct {
	Token    string
	Exchange string
	Interval string // ONE_MINUTE, FIVE_MINUTE
	From     time.Time
	To       time.Time
}
