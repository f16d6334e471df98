package model

import "time"

// Direction is the side of a signal or position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Position is a strategy position. For paper positions the instrument is the
// underlying future; live positions hold the resolved option contract in
// TradingSymbol/Token while Underlying keeps the signalling instrument.
type Position struct {
	ID             string    `json:"id"`
	Strategy       string    `json:"strategy"`
	Class          string    `json:"class"`
	Underlying     string    `json:"underlying"` // signalling token
	Token          string    `json:"token"`
	Exchange       string    `json:"exchange"`
	TradingSymbol  string    `json:"trading_symbol"`
	Strike         int64     `json:"strike"` // paise, 0 for paper
	Direction      Direction `json:"direction"`
	Qty            int64     `json:"qty"`
	EntryPrice     int64     `json:"entry_price"` // paise
	EntryTime      time.Time `json:"entry_time"`
	Open           bool      `json:"open"`
	BestPrice      int64     `json:"best_price"` // high-water (long) / low-water (short) of the underlying
	TrailEnabled   bool      `json:"trail_enabled"`
	TrailPoints    int64     `json:"trail_points"` // paise
	BrokerOrderRef string    `json:"broker_order_ref,omitempty"`
	ExitPrice      int64     `json:"exit_price,omitempty"`
	ExitTime       time.Time `json:"exit_time,omitempty"`
	ExitReason     string    `json:"exit_reason,omitempty"`
	PnL            int64     `json:"pnl"` // paise, realized
}

// Live reports whether the position is managed by the live path.
func (p *Position) Live() bool {
	return p.BrokerOrderRef != ""
}

// OwnerKey is the (strategy, instrument) key under which at most one
// position may be open.
func (p *Position) OwnerKey() string {
	return OwnerKey(p.Strategy, p.Underlying)
}

// OwnerKey builds the (strategy, instrument) ownership key.
func OwnerKey(strategy, underlying string) string {
	return strategy + "|" + underlying
}

// RealizedPnL computes the P&L for an exit price. A live position holds a
// bought option (CE or PE) priced at its own LTP, so it always gains when the
// premium rises. A paper position tracks the underlying and short is mirrored.
func (p *Position) RealizedPnL(exit int64) int64 {
	if p.Direction == Short && !p.Live() {
		return (p.EntryPrice - exit) * p.Qty
	}
	return (exit - p.EntryPrice) * p.Qty
}
