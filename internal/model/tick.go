package model

import "time"

// Tick represents a single market data tick from the Angel One WebSocket.
// Price is stored as int64 in paise (1 INR = 100 paise) to avoid float drift.
//
// CumVolume is the exchange's traded volume for the session so far
// ("volume_trade_for_the_day" in QUOTE mode), not the size of this trade.
type Tick struct {
	Token     string    `json:"token"`
	Exchange  string    `json:"exchange"`
	Price     int64     `json:"price"`      // paise (LTP)
	CumVolume int64     `json:"cum_volume"` // session cumulative quantity
	TickTS    time.Time `json:"tick_ts"`    // exchange timestamp
}

// Key returns "exchange:token".
func (t *Tick) Key() string {
	return t.Exchange + ":" + t.Token
}
