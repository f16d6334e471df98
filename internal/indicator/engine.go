package indicator

import (
	"log/slog"
	"time"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

// Config configures the Opening Range band.
type Config struct {
	RangeStart markethours.Clock
	RangeEnd   markethours.Clock
}

// DefaultConfig is the 09:15 to 09:45 IST band.
func DefaultConfig() Config {
	return Config{RangeStart: markethours.OpeningRangeStart, RangeEnd: markethours.OpeningRangeEnd}
}

// instrumentState holds the indicators for one instrument.
type instrumentState struct {
	vwap   *VWAP
	or     *OpeningRange
	lastTS time.Time // window start of the last applied candle
}

// State is a read-only view of one instrument's indicators.
type State struct {
	VWAP      float64
	VWAPOk    bool
	ORHigh    int64
	ORLow     int64
	ORReady   bool
	UpdatedAt time.Time
}

// Engine maintains VWAP and Opening Range per instrument for the current
// session. It is owned by the event loop goroutine and holds no locks.
type Engine struct {
	cfg     Config
	session string // IST date of the state, "" before the first candle
	state   map[string]*instrumentState
	log     *slog.Logger

	// OnSessionReset is called when the engine rolls to a new date (optional).
	OnSessionReset func(prev, next string)
}

// NewEngine creates an indicator engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:   cfg,
		state: make(map[string]*instrumentState, 8),
		log:   logger.Component("indicator"),
	}
}

// Session returns the IST date the engine's state belongs to.
func (e *Engine) Session() string { return e.session }

// Update applies a closed candle. Candles at or before the last applied
// window for the instrument are ignored. A candle from a new IST date
// resets every instrument first.
func (e *Engine) Update(c model.Candle) State {
	e.rollSession(c.TS)
	st := e.get(c.Key())
	if !st.lastTS.IsZero() && !c.TS.After(st.lastTS) {
		e.log.Debug("ignoring already-applied candle", "key", c.Key(), "ts", c.TS)
		return st.view()
	}
	st.vwap.Update(c)
	st.or.Update(c)
	st.lastTS = c.TS
	return st.view()
}

// Backfill recomputes an instrument's state from scratch over candles and
// overwrites whatever was there. Repeating it with the same input yields the
// same state. Candles must be in window order and from one session.
func (e *Engine) Backfill(key string, candles []model.Candle) State {
	if len(candles) > 0 {
		e.rollSession(candles[0].TS)
	}
	st := e.newState()
	e.state[key] = st
	for _, c := range candles {
		if !st.lastTS.IsZero() && !c.TS.After(st.lastTS) {
			continue
		}
		st.vwap.Update(c)
		st.or.Update(c)
		st.lastTS = c.TS
	}
	e.log.Info("backfilled indicators", "key", key, "candles", len(candles),
		"cum_volume", st.vwap.CumVolume, "or_finalized", st.or.Finalized)
	return st.view()
}

// Get returns the current view of an instrument.
func (e *Engine) Get(key string) State {
	st, ok := e.state[key]
	if !ok {
		return State{}
	}
	return st.view()
}

// VWAP returns the instrument's VWAP in paise.
func (e *Engine) VWAP(key string) (float64, bool) {
	st, ok := e.state[key]
	if !ok {
		return 0, false
	}
	return st.vwap.Value()
}

// OpeningRange returns the finalized range, ok=false until then.
func (e *Engine) OpeningRange(key string) (high, low int64, ok bool) {
	st, exists := e.state[key]
	if !exists {
		return 0, 0, false
	}
	return st.or.Range()
}

// ResetSession clears all state and pins the engine to the given date.
func (e *Engine) ResetSession(session string) {
	prev := e.session
	e.session = session
	e.state = make(map[string]*instrumentState, len(e.state))
	if prev != "" && prev != session {
		e.log.Info("indicator session reset", "prev", prev, "next", session)
		if e.OnSessionReset != nil {
			e.OnSessionReset(prev, session)
		}
	}
}

func (e *Engine) rollSession(ts time.Time) {
	d := markethours.SessionDate(ts)
	if e.session == d {
		return
	}
	e.ResetSession(d)
}

func (e *Engine) get(key string) *instrumentState {
	st, ok := e.state[key]
	if !ok {
		st = e.newState()
		e.state[key] = st
	}
	return st
}

func (e *Engine) newState() *instrumentState {
	return &instrumentState{
		vwap: NewVWAP(),
		or:   NewOpeningRange(e.cfg.RangeStart, e.cfg.RangeEnd),
	}
}

func (st *instrumentState) view() State {
	v, vok := st.vwap.Value()
	h, l, ook := st.or.Range()
	return State{VWAP: v, VWAPOk: vok, ORHigh: h, ORLow: l, ORReady: ook, UpdatedAt: st.lastTS}
}
