// Package strategy evaluates the entry strategies on every completed
// 5-minute candle.
//
// A Strategy is a pure function of the candle, the previous candle, the
// instrument's VWAP and Opening Range, its daily counter and its parameters.
// The Router owns the counters, runs every enabled strategy in registration
// order and isolates their failures from each other.
package strategy

import (
	"time"

	"intraday-runtime/internal/model"
	"intraday-runtime/internal/tradeconfig"
)

// Strategy names as used in configuration.
const (
	NameORB       = "VWAP_ORB"
	NameCrossover = "VWAP_CROSSOVER"
)

// Signal is an entry signal emitted by a strategy.
type Signal struct {
	ID        string          `json:"id"`
	Strategy  string          `json:"strategy"`
	Token     string          `json:"token"`
	Exchange  string          `json:"exchange"`
	Class     string          `json:"class"`
	Direction model.Direction `json:"direction"`
	Price     int64           `json:"price"` // candle close, paise
	TS        time.Time       `json:"ts"`    // candle window start
}

// Key returns the signalling instrument key.
func (s Signal) Key() string { return s.Exchange + ":" + s.Token }

// Market is the per-instrument market view for one candle close.
type Market struct {
	Token    string
	Exchange string
	Class    string

	Candle model.Candle  // the 5m candle that just closed
	Prev   *model.Candle // previous 5m candle, nil if unknown

	VWAP   float64
	VWAPOk bool

	ORHigh int64
	ORLow  int64
	OROk   bool
}

// Key returns the instrument key.
func (m Market) Key() string { return m.Exchange + ":" + m.Token }

// Input is what a strategy sees for one evaluation.
type Input struct {
	Market
	Counter *DailyCounter
	Params  tradeconfig.Params
}

// Strategy is the interface that all entry strategies implement.
type Strategy interface {
	// Name returns the configuration name of the strategy.
	Name() string

	// Evaluate returns a signal, or nil for no signal. Errors are reserved
	// for malformed input or configuration; "no setup" is not an error.
	Evaluate(in Input) (*Signal, error)
}

func newSignal(name string, in Input, dir model.Direction) *Signal {
	return &Signal{
		Strategy:  name,
		Token:     in.Token,
		Exchange:  in.Exchange,
		Class:     in.Class,
		Direction: dir,
		Price:     in.Candle.Close,
		TS:        in.Candle.TS,
	}
}
