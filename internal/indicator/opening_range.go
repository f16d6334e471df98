package indicator

import (
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

// OpeningRange tracks the high/low of candles whose window start falls in
// [Start, End). It finalizes on the first candle whose start is at or after
// End, which tolerates a skipped window; that candle does not contribute.
// Once finalized the range never changes.
type OpeningRange struct {
	Start markethours.Clock `json:"start"`
	End   markethours.Clock `json:"end"`

	High      int64 `json:"high"`
	Low       int64 `json:"low"`
	Seen      bool  `json:"seen"`
	Finalized bool  `json:"finalized"`
}

// NewOpeningRange creates a range over [start, end).
func NewOpeningRange(start, end markethours.Clock) *OpeningRange {
	return &OpeningRange{Start: start, End: end}
}

func (o *OpeningRange) Name() string { return "OR" }

func (o *OpeningRange) Update(c model.Candle) {
	if o.Finalized {
		return
	}
	mod := markethours.MinuteOfDay(c.TS)
	if mod >= o.End.Minutes() {
		o.Finalized = true
		return
	}
	if mod < o.Start.Minutes() {
		return
	}
	if !o.Seen {
		o.High, o.Low, o.Seen = c.High, c.Low, true
		return
	}
	if c.High > o.High {
		o.High = c.High
	}
	if c.Low < o.Low {
		o.Low = c.Low
	}
}

// Range returns the finalized band. ok is false until finalization, and also
// when no candle fell inside the band (nothing to break out of).
func (o *OpeningRange) Range() (high, low int64, ok bool) {
	if !o.Finalized || !o.Seen {
		return 0, 0, false
	}
	return o.High, o.Low, true
}

func (o *OpeningRange) Ready() bool {
	_, _, ok := o.Range()
	return ok
}

func (o *OpeningRange) Reset() {
	o.High, o.Low, o.Seen, o.Finalized = 0, 0, false, false
}
