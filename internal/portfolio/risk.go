package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

// Exiter closes a position through one execution path.
type Exiter interface {
	Exit(ctx context.Context, pos model.Position, price int64, at time.Time, reason string) (model.Position, error)
}

// ErrNoLivePath is returned when a live position must exit but no live
// execution path is configured.
var ErrNoLivePath = errors.New("portfolio: no live execution path")

// DefaultTrailPoints are the class trailing distances in paise when a
// position carries none.
func DefaultTrailPoints() map[string]int64 {
	return map[string]int64{
		model.ClassNifty:     40 * 100,
		model.ClassBankNifty: 120 * 100,
	}
}

// RiskConfig configures the exit rules.
type RiskConfig struct {
	TrailPoints map[string]int64  // class → paise
	TimeExit    markethours.Clock // hard exit cutoff (IST)
}

// DefaultRiskConfig returns the standard exit configuration.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{TrailPoints: DefaultTrailPoints(), TimeExit: markethours.TimeExit}
}

// ExitDecision is the outcome of one exit attempt.
type ExitDecision struct {
	Position model.Position // closed copy when Err is nil
	Reason   string
	Err      error
}

// RiskEngine evaluates exit rules against open positions. Per position per
// evaluation only the first matching rule fires, in order: VWAP recross,
// trailing stop, time exit.
type RiskEngine struct {
	cfg   RiskConfig
	book  *Book
	paper Exiter
	live  Exiter // nil when live trading is not wired
	rec   *Recorder
	log   *slog.Logger
}

// NewRiskEngine creates a risk engine. live may be nil.
func NewRiskEngine(cfg RiskConfig, book *Book, paper, live Exiter, rec *Recorder) *RiskEngine {
	if cfg.TrailPoints == nil {
		cfg.TrailPoints = DefaultTrailPoints()
	}
	if cfg.TimeExit == (markethours.Clock{}) {
		cfg.TimeExit = markethours.TimeExit
	}
	return &RiskEngine{
		cfg:   cfg,
		book:  book,
		paper: paper,
		live:  live,
		rec:   rec,
		log:   logger.Component("risk"),
	}
}

// Evaluate runs the exit rules for every open position signalled by the
// candle's instrument. A failed exit leaves the position open so the next
// candle retries it.
func (r *RiskEngine) Evaluate(ctx context.Context, c model.Candle, vwap float64, vwapOk bool) []ExitDecision {
	var out []ExitDecision
	for _, pos := range r.book.OpenFor(c.Key()) {
		reason := r.check(ctx, &pos, c, vwap, vwapOk)
		if reason == "" {
			continue
		}
		out = append(out, r.dispatch(ctx, pos, c.Close, c.End(), reason))
	}
	return out
}

// OnTick moves the trailing marks and checks only the trailing stop.
func (r *RiskEngine) OnTick(ctx context.Context, t model.Tick) []ExitDecision {
	var out []ExitDecision
	for _, pos := range r.book.OpenFor(t.Key()) {
		if !pos.TrailEnabled {
			continue
		}
		if r.trail(ctx, &pos, t.Price) {
			out = append(out, r.dispatch(ctx, pos, t.Price, t.TickTS, ReasonTrailSL))
		}
	}
	return out
}

func (r *RiskEngine) check(ctx context.Context, pos *model.Position, c model.Candle, vwap float64, vwapOk bool) string {
	if vwapOk {
		last := float64(c.Close)
		if (pos.Direction == model.Long && last < vwap) || (pos.Direction == model.Short && last > vwap) {
			return ReasonVWAPRecross
		}
	}
	if pos.TrailEnabled && r.trail(ctx, pos, c.Close) {
		return ReasonTrailSL
	}
	if markethours.MinuteOfDay(c.TS) >= r.cfg.TimeExit.Minutes() {
		return ReasonTimeExit
	}
	return ""
}

// trail updates the best price from price and reports whether the stop hit.
// A new best price is persisted so a restart resumes the same stop.
func (r *RiskEngine) trail(ctx context.Context, pos *model.Position, price int64) bool {
	points := pos.TrailPoints
	if points <= 0 {
		points = r.cfg.TrailPoints[pos.Class]
	}
	if points <= 0 {
		return false
	}

	best := pos.BestPrice
	if best == 0 {
		best = pos.EntryPrice
	}
	if pos.Direction == model.Long && price > best {
		best = price
	}
	if pos.Direction == model.Short && price < best {
		best = price
	}
	if best != pos.BestPrice {
		pos.BestPrice = best
		r.book.SetBest(pos.ID, best)
		if r.rec != nil {
			r.rec.Updated(ctx, *pos)
		}
	}

	if pos.Direction == model.Long {
		return best-price >= points
	}
	return price-best >= points
}

func (r *RiskEngine) dispatch(ctx context.Context, pos model.Position, price int64, at time.Time, reason string) ExitDecision {
	exiter := r.paper
	if pos.Live() {
		exiter = r.live
	}
	if exiter == nil {
		err := fmt.Errorf("%w for %s", ErrNoLivePath, pos.ID)
		r.log.Error("exit not dispatched", "position", pos.ID, "reason", reason, "error", err)
		return ExitDecision{Position: pos, Reason: reason, Err: err}
	}

	closed, err := exiter.Exit(ctx, pos, price, at, reason)
	switch {
	case errors.Is(err, ErrNotOpen), errors.Is(err, ErrExiting):
		r.log.Info("exit skipped, position already closing", "position", pos.ID, "reason", reason, "error", err)
		return ExitDecision{Position: pos, Reason: reason, Err: err}
	case err != nil:
		r.log.Error("exit failed, will retry", "position", pos.ID, "reason", reason, "error", err)
		return ExitDecision{Position: pos, Reason: reason, Err: err}
	}
	r.log.Info("position exited",
		"position", closed.ID,
		"mode", ModeOf(closed),
		"reason", reason,
		"exit_price", closed.ExitPrice,
		"pnl", model.Rupees(closed.PnL).String())
	return ExitDecision{Position: closed, Reason: reason}
}
