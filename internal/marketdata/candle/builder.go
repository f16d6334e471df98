// Package candle folds ticks into 1-minute OHLCV windows.
//
// A window closes precisely when a tick with a strictly later window start
// arrives for the same instrument; the closed candle is returned exactly once
// and is immutable from then on. Volume on the tick is cumulative for the
// session and is converted to a per-tick delta before accumulation.
package candle

import (
	"log/slog"
	"time"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

// Width is the candle window width.
const Width = time.Minute

// windowState holds the in-progress candle for one instrument.
type windowState struct {
	start  time.Time // IST window start, zero when no window is forming
	sealed time.Time // start of the last closed window
	candle model.Candle
	lastCV int64 // highest cumulative volume seen for this instrument
	seenCV bool
}

// Builder builds 1-minute candles from a stream of ticks.
// It is owned by the runtime event loop and is not goroutine-safe.
type Builder struct {
	states map[string]*windowState // key = "exchange:token"
	log    *slog.Logger

	// Metrics hooks (optional, set externally)
	OnDroppedTick  func(reason string)
	OnClosedCandle func(c model.Candle)
}

// New creates a new Builder.
func New() *Builder {
	return &Builder{
		states: make(map[string]*windowState),
		log:    logger.Component("candle"),
	}
}

// WindowStart truncates ts to the start of its IST minute.
func WindowStart(ts time.Time) time.Time {
	ist := ts.In(markethours.IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), ist.Hour(), ist.Minute(), 0, 0, markethours.IST)
}

// Ingest incorporates a single tick. When the tick opens a strictly later
// window, the previous window is returned with ok=true.
func (b *Builder) Ingest(tick model.Tick) (closed model.Candle, ok bool) {
	if tick.TickTS.IsZero() || tick.Price <= 0 || tick.Token == "" {
		b.log.Warn("skipping malformed tick",
			"token", tick.Token, "price", tick.Price, "ts", tick.TickTS)
		b.dropped("malformed")
		return model.Candle{}, false
	}

	start := WindowStart(tick.TickTS)
	key := tick.Key()
	state, exists := b.states[key]
	if !exists {
		state = &windowState{}
		b.states[key] = state
	}

	if (!state.start.IsZero() && start.Before(state.start)) ||
		(!state.sealed.IsZero() && !start.After(state.sealed)) {
		// Late tick for a window that is already closed. Its volume is not
		// lost: the cumulative pointer stays put and the next accepted tick
		// carries the difference.
		b.dropped("late")
		return model.Candle{}, false
	}

	delta := state.volumeDelta(tick.CumVolume)

	if !state.start.IsZero() && start.After(state.start) {
		closed, ok = state.candle, true
		state.sealed = state.start
		state.start = time.Time{}
		if b.OnClosedCandle != nil {
			b.OnClosedCandle(closed)
		}
	}

	if state.start.IsZero() {
		state.start = start
		state.candle = model.Candle{
			Token:      tick.Token,
			Exchange:   tick.Exchange,
			TF:         int(Width / time.Second),
			TS:         start,
			Open:       tick.Price,
			High:       tick.Price,
			Low:        tick.Price,
			Close:      tick.Price,
			Volume:     delta,
			TicksCount: 1,
		}
		return closed, ok
	}

	// Same window: update OHLCV
	c := &state.candle
	if tick.Price > c.High {
		c.High = tick.Price
	}
	if tick.Price < c.Low {
		c.Low = tick.Price
	}
	c.Close = tick.Price
	c.Volume += delta
	c.TicksCount++
	return closed, ok
}

// volumeDelta converts a cumulative session volume into the quantity traded
// since the previous reading. The first reading and any reading that does
// not advance the high-water mark contribute zero.
func (s *windowState) volumeDelta(cum int64) int64 {
	if cum < 0 {
		return 0
	}
	if !s.seenCV {
		s.seenCV = true
		s.lastCV = cum
		return 0
	}
	if cum <= s.lastCV {
		return 0
	}
	d := cum - s.lastCV
	s.lastCV = cum
	return d
}

// Current returns the forming candle for an instrument, if any.
func (b *Builder) Current(exchange, token string) (model.Candle, bool) {
	st, ok := b.states[exchange+":"+token]
	if !ok || st.start.IsZero() {
		return model.Candle{}, false
	}
	return st.candle, true
}

// Flush returns every forming window and clears them. Used at shutdown so
// partial windows can be persisted; they are never fed to strategies.
func (b *Builder) Flush() []model.Candle {
	out := make([]model.Candle, 0, len(b.states))
	for _, st := range b.states {
		if !st.start.IsZero() {
			out = append(out, st.candle)
			st.sealed = st.start
			st.start = time.Time{}
		}
	}
	return out
}

// Reset forgets all per-instrument state, including the cumulative volume
// pointers. Called at a session boundary.
func (b *Builder) Reset() {
	b.states = make(map[string]*windowState)
}

func (b *Builder) dropped(reason string) {
	if b.OnDroppedTick != nil {
		b.OnDroppedTick(reason)
	}
}
