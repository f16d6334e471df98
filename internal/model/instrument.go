package model

import (
	"strings"
	"time"
)

// Instrument represents a tradeable instrument/contract from the broker catalog.
type Instrument struct {
	Token          string    `json:"token"`
	Exchange       string    `json:"exchange"`
	TradingSymbol  string    `json:"trading_symbol"`
	Name           string    `json:"name"`            // underlying, e.g. NIFTY
	InstrumentType string    `json:"instrument_type"` // FUTIDX, OPTIDX
	OptionType     string    `json:"option_type"`     // CE, PE, "" for futures
	Strike         int64     `json:"strike"`          // paise
	Expiry         time.Time `json:"expiry"`
	LotSize        int       `json:"lot_size"`
	TickSize       int64     `json:"tick_size"` // minimum price movement in paise
}

// Key returns a unique key for this instrument: "exchange:token".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.Token
}

// Class returns the instrument class used to look up execution directives.
func (i *Instrument) Class() string {
	return ClassOf(i.Name)
}

// Option types.
const (
	OptionCall = "CE"
	OptionPut  = "PE"
)

// Instrument classes.
const (
	ClassNifty     = "NIFTY"
	ClassBankNifty = "BANKNIFTY"
)

// ClassOf normalises an underlying name or trading symbol to its class.
// BANKNIFTY is checked first because "NIFTY" is a prefix of it.
func ClassOf(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(n, ClassBankNifty):
		return ClassBankNifty
	case strings.HasPrefix(n, ClassNifty):
		return ClassNifty
	default:
		return n
	}
}
