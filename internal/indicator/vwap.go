package indicator

import "intraday-runtime/internal/model"

// VWAP is the session volume-weighted average price over closed candles,
// using the typical price (H+L+C)/3. Zero-volume candles are ignored.
type VWAP struct {
	CumPV     float64 `json:"cum_pv"`     // Σ typical·volume, paise·qty
	CumVolume int64   `json:"cum_volume"` // Σ volume, never decreases intraday
}

// NewVWAP creates an empty VWAP.
func NewVWAP() *VWAP { return &VWAP{} }

func (v *VWAP) Name() string { return "VWAP" }

// TypicalPrice returns (H+L+C)/3 in paise.
func TypicalPrice(c model.Candle) float64 {
	return float64(c.High+c.Low+c.Close) / 3.0
}

func (v *VWAP) Update(c model.Candle) {
	if c.Volume <= 0 {
		return
	}
	v.CumPV += TypicalPrice(c) * float64(c.Volume)
	v.CumVolume += c.Volume
}

// Value returns the VWAP in paise; ok is false while no volume has been seen.
func (v *VWAP) Value() (float64, bool) {
	if v.CumVolume <= 0 {
		return 0, false
	}
	return v.CumPV / float64(v.CumVolume), true
}

func (v *VWAP) Ready() bool { return v.CumVolume > 0 }

func (v *VWAP) Reset() {
	v.CumPV = 0
	v.CumVolume = 0
}
