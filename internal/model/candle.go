package model

import (
	"encoding/json"
	"time"
)

// Candle is an OHLCV window for a single instrument.
// All prices are in paise (int64) to avoid floating-point drift.
type Candle struct {
	Token      string    `json:"token"`
	Exchange   string    `json:"exchange"`
	TF         int       `json:"tf"`          // window width in seconds (60, 300)
	TS         time.Time `json:"ts"`          // window start
	Open       int64     `json:"open"`        // paise
	High       int64     `json:"high"`        // paise
	Low        int64     `json:"low"`         // paise
	Close      int64     `json:"close"`       // paise
	Volume     int64     `json:"volume"`      // quantity traded inside the window
	TicksCount int       `json:"ticks_count"` // ticks (or parts) folded in
}

// Key returns a unique key for this candle's instrument: "exchange:token".
func (c *Candle) Key() string {
	return c.Exchange + ":" + c.Token
}

// End returns the exclusive end of the window.
func (c *Candle) End() time.Time {
	return c.TS.Add(time.Duration(c.TF) * time.Second)
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
