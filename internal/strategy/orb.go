package strategy

import "intraday-runtime/internal/model"

// ORB is the VWAP + Opening Range breakout.
//
// LONG when the candle closes above both the OR high and VWAP; SHORT when
// it closes below both the OR low and VWAP. Requires a finalized range and a
// defined VWAP.
type ORB struct{}

// NewORB creates the breakout strategy.
func NewORB() *ORB { return &ORB{} }

func (s *ORB) Name() string { return NameORB }

func (s *ORB) Evaluate(in Input) (*Signal, error) {
	if !in.OROk || !in.VWAPOk {
		return nil, nil
	}
	last := float64(in.Candle.Close)

	var dir model.Direction
	switch {
	case in.Candle.Close > in.ORHigh && last > in.VWAP:
		dir = model.Long
	case in.Candle.Close < in.ORLow && last < in.VWAP:
		dir = model.Short
	default:
		return nil, nil
	}

	if !in.Counter.Allow(dir, TradeLimit(in.Params, NameORB, in.Class, dir)) {
		return nil, nil
	}
	return newSignal(NameORB, in, dir), nil
}
