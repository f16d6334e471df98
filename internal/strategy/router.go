package strategy

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/tradeconfig"
)

// Router holds the registered strategies and their daily counters. It is
// owned by the event loop goroutine.
type Router struct {
	strategies []Strategy
	counters   map[string]*DailyCounter // strategy|instrument
	log        *slog.Logger

	// OnError is called when a strategy fails or panics (optional).
	OnError func(strategy string, err error)
}

// NewRouter creates a router with strategies in evaluation order.
func NewRouter(strategies ...Strategy) *Router {
	return &Router{
		strategies: strategies,
		counters:   make(map[string]*DailyCounter),
		log:        logger.Component("strategy"),
	}
}

// Register appends a strategy.
func (r *Router) Register(s Strategy) {
	r.strategies = append(r.strategies, s)
}

// Strategies returns the registered strategy names in order.
func (r *Router) Strategies() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name()
	}
	return names
}

// Counter returns the (strategy, instrument) counter rolled to date.
func (r *Router) Counter(strategy, instrument, date string) *DailyCounter {
	key := model.OwnerKey(strategy, instrument)
	c, ok := r.counters[key]
	if !ok {
		c = NewDailyCounter(date)
		r.counters[key] = c
	}
	c.Roll(date)
	return c
}

// Seed restores a count after a restart so the daily limits survive it.
func (r *Router) Seed(strategy, instrument, date string, dir model.Direction, n int64) {
	c := r.Counter(strategy, instrument, date)
	for i := int64(0); i < n; i++ {
		c.Inc(dir)
	}
}

// Evaluate runs every strategy enabled in cfg against m and returns the
// signals in registration order. A failing strategy is logged and skipped.
func (r *Router) Evaluate(m Market, cfg *tradeconfig.Snapshot) []Signal {
	date := markethours.SessionDate(m.Candle.TS)
	var out []Signal
	for _, s := range r.strategies {
		sc, ok := cfg.Strategy(s.Name())
		if !ok || !sc.Enabled {
			continue
		}
		in := Input{
			Market:  m,
			Counter: r.Counter(s.Name(), m.Key(), date),
			Params:  sc.Params,
		}
		sig, err := r.safeEvaluate(s, in)
		if err != nil {
			r.log.Error("strategy evaluation failed", "strategy", s.Name(), "key", m.Key(), "error", err)
			if r.OnError != nil {
				r.OnError(s.Name(), err)
			}
			continue
		}
		if sig == nil {
			continue
		}
		in.Counter.Inc(sig.Direction)
		if sig.ID == "" {
			sig.ID = uuid.NewString()
		}
		r.log.Info("signal",
			"strategy", sig.Strategy,
			"key", m.Key(),
			"direction", sig.Direction,
			"close", sig.Price,
			"vwap", m.VWAP,
			"ts", sig.TS.Format("15:04"),
			"count", in.Counter.Count(sig.Direction))
		out = append(out, *sig)
	}
	return out
}

func (r *Router) safeEvaluate(s Strategy, in Input) (sig *Signal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sig, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	return s.Evaluate(in)
}
