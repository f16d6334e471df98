// Package indicator maintains the running intraday indicators the strategies
// read: session VWAP and the Opening Range.
//
// All prices are in paise. Indicators are fed closed candles only, in
// window order; the Engine drops any candle at or before the last one it
// applied for an instrument so cumulative state is never double-counted.
package indicator

import "intraday-runtime/internal/model"

// Indicator is the interface for the per-instrument running indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "VWAP", "OR").
	Name() string

	// Update feeds a closed candle.
	Update(candle model.Candle)

	// Ready returns true once the indicator has a defined value.
	Ready() bool

	// Reset clears all state for a new session.
	Reset()
}

var (
	_ Indicator = (*VWAP)(nil)
	_ Indicator = (*OpeningRange)(nil)
)
