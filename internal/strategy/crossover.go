package strategy

import (
	"fmt"
	"time"

	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

// Crossover parameter keys and defaults.
const (
	ParamDirection   = "direction"
	ParamTradeAfter  = "trade_after"
	ParamTradeBefore = "trade_before"
)

// WindowWidth is the candle width the crossover compares across.
const WindowWidth = 5 * time.Minute

var DefaultTradeBefore = markethours.Clock{Hour: 15, Minute: 0}

// Crossover is the VWAP crossover.
//
// LONG when the previous candle closed below VWAP and this one closes above
// it; SHORT on the mirror. The previous candle must be exactly one window
// earlier. Entries are limited to [trade_after, trade_before) and never start
// before the Opening Range closes.
type Crossover struct{}

// NewCrossover creates the crossover strategy.
func NewCrossover() *Crossover { return &Crossover{} }

func (s *Crossover) Name() string { return NameCrossover }

func (s *Crossover) Evaluate(in Input) (*Signal, error) {
	if in.Prev == nil || !in.VWAPOk {
		return nil, nil
	}
	if in.Candle.TS.Sub(in.Prev.TS) != WindowWidth {
		return nil, nil
	}

	after := in.Params.Clock(ParamTradeAfter, markethours.EntryFloor)
	if after.Minutes() < markethours.EntryFloor.Minutes() {
		after = markethours.EntryFloor
	}
	before := in.Params.Clock(ParamTradeBefore, DefaultTradeBefore)
	t := markethours.MinuteOfDay(in.Candle.TS)
	if t < after.Minutes() || t >= before.Minutes() {
		return nil, nil
	}

	allowLong, allowShort, err := allowedDirections(in.Params.String(ParamDirection, "BOTH"))
	if err != nil {
		return nil, err
	}

	prev := float64(in.Prev.Close)
	last := float64(in.Candle.Close)

	var dir model.Direction
	switch {
	case prev < in.VWAP && last > in.VWAP && allowLong:
		dir = model.Long
	case prev > in.VWAP && last < in.VWAP && allowShort:
		dir = model.Short
	default:
		return nil, nil
	}

	if !in.Counter.Allow(dir, TradeLimit(in.Params, NameCrossover, in.Class, dir)) {
		return nil, nil
	}
	return newSignal(NameCrossover, in, dir), nil
}

func allowedDirections(filter string) (long, short bool, err error) {
	switch filter {
	case "BOTH":
		return true, true, nil
	case "UP", "LONG":
		return true, false, nil
	case "DOWN", "SHORT":
		return false, true, nil
	}
	return false, false, fmt.Errorf("crossover: unknown direction filter %q", filter)
}
