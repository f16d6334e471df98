package tradeconfig

import (
	"errors"
	"fmt"
	"strings"

	"intraday-runtime/internal/model"
)

// Mode is the execution mode of a directive.
type Mode string

const (
	ModeOff   Mode = "OFF"
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

var (
	ErrBadMode = errors.New("tradeconfig: unknown mode")
	ErrBadQty  = errors.New("tradeconfig: quantity must be positive")
)

// DirectiveKey identifies a directive.
type DirectiveKey struct {
	Strategy  string
	Class     string
	Direction model.Direction
}

func (k DirectiveKey) String() string {
	return k.Strategy + "/" + k.Class + "/" + string(k.Direction)
}

// Directive tells the execution router what to do with a signal for one
// (strategy, class, direction).
type Directive struct {
	Key           DirectiveKey
	Mode          Mode
	Qty           int64
	Enabled       bool
	TrailEnabled  bool
	TrailPoints   int64 // paise, 0 = class default
	MinExpiryDays int
}

// Validate reports a configuration error that makes the directive unusable.
func (d Directive) Validate() error {
	switch d.Mode {
	case ModeOff, ModePaper, ModeLive:
	default:
		return fmt.Errorf("%w %q for %s", ErrBadMode, d.Mode, d.Key)
	}
	if d.Mode != ModeOff && d.Qty <= 0 {
		return fmt.Errorf("%w: %d for %s", ErrBadQty, d.Qty, d.Key)
	}
	return nil
}

// normalizeMode upper-cases a raw mode cell.
func normalizeMode(s string) Mode {
	return Mode(strings.ToUpper(strings.TrimSpace(s)))
}

// directionsOf expands a raw direction cell. Empty and BOTH cover both sides.
func directionsOf(s string) ([]model.Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "BOTH":
		return []model.Direction{model.Long, model.Short}, nil
	case "LONG", "UP":
		return []model.Direction{model.Long}, nil
	case "SHORT", "DOWN":
		return []model.Direction{model.Short}, nil
	}
	return nil, fmt.Errorf("tradeconfig: unknown direction %q", s)
}
