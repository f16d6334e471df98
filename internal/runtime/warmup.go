package runtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"intraday-runtime/internal/broker"
	"intraday-runtime/internal/indicator"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

// Warmup restores the state a restart would otherwise lose: open positions,
// the day's signal counts, performance marks and the indicators. It must run
// before Run. Every step is best-effort; failures are logged and the runtime
// starts colder.
func (r *Runtime) Warmup(ctx context.Context) error {
	now := r.now()
	r.rollSession(now)

	r.restorePositions(ctx)
	r.seedCounters(ctx, now)
	if r.deps.Tracker != nil {
		if err := r.deps.Tracker.Restore(ctx); err != nil {
			r.log.Warn("performance marks not restored", "error", err)
		}
	}

	restored := false
	if r.deps.Restorer != nil {
		restored = r.deps.Restorer.Restore(ctx, r.ind, r.session)
	}
	if markethours.MinuteOfDay(now) < markethours.Open.Minutes() || !markethours.IsTradingDay(now) {
		r.log.Info("warmup done, market not open yet", "session", r.session, "snapshot", restored)
		return nil
	}
	for _, in := range r.cfg.Instruments {
		r.backfill(ctx, in, now, restored)
	}
	r.log.Info("warmup done", "session", r.session, "snapshot", restored, "open_positions", r.deps.Book.Count())
	return nil
}

func (r *Runtime) restorePositions(ctx context.Context) {
	if r.deps.Positions == nil {
		return
	}
	ps, err := r.deps.Positions.LoadOpenPositions(ctx)
	if err != nil {
		r.log.Warn("open positions not restored", "error", err)
		return
	}
	n := r.deps.Book.Restore(ps)
	r.log.Info("open positions restored", "count", n)
	if m := r.deps.Metrics; m != nil {
		m.OpenPositions.Set(float64(r.deps.Book.Count()))
	}
}

// seedCounters replays the day's emitted signals into the daily counters
// so the per-day limits survive a restart.
func (r *Runtime) seedCounters(ctx context.Context, now time.Time) {
	if r.deps.Counts == nil {
		return
	}
	counts, err := r.deps.Counts.EmittedSignalCounts(ctx, now)
	if err != nil {
		r.log.Warn("signal counters not seeded", "error", err)
		return
	}
	for _, c := range counts {
		r.deps.Strategies.Seed(c.Strategy, c.Instrument, r.session, c.Direction, int64(c.Count))
	}
	r.log.Info("signal counters seeded", "rows", len(counts))
}

// backfill loads the session's closed 1m candles (broker first, then the
// local archive), rebuilds the 5m candles, and seeds the compositor and the
// previous 5m candle. Indicators are rebuilt from scratch, or rolled forward
// from the snapshot when one was applied.
func (r *Runtime) backfill(ctx context.Context, in model.Instrument, now time.Time, restored bool) {
	key := in.Key()
	ones, src, err := r.history(ctx, in, now)
	if err != nil {
		r.log.Warn("no history, cold start", "key", key, "error", err)
		return
	}

	var fives []model.Candle
	for _, c := range ones {
		five, ok, err := r.comp.Close(c)
		if err != nil {
			r.log.Warn("backfill candle skipped", "key", key, "ts", c.TS, "error", err)
			continue
		}
		if ok {
			fives = append(fives, five)
		}
	}
	if len(fives) > 0 {
		r.prev[key] = fives[len(fives)-1]
		r.deps.Book.UpdatePrice(fives[len(fives)-1])
	}
	if !restored {
		st := r.ind.Backfill(key, fives)
		r.log.Info("indicators backfilled", "key", key, "source", src,
			"candles_1m", len(ones), "candles_5m", len(fives), "vwap_ok", st.VWAPOk, "or_ready", st.ORReady)
		return
	}
	// The snapshot can be older than the history: apply the candles it has
	// not seen. Update ignores windows at or before its last one.
	before := r.ind.Get(key).UpdatedAt
	var st indicator.State
	for _, c := range fives {
		st = r.ind.Update(c)
	}
	if len(fives) > 0 {
		r.log.Info("snapshot rolled forward", "key", key, "source", src,
			"snapshot_at", before, "updated_at", st.UpdatedAt, "vwap_ok", st.VWAPOk, "or_ready", st.ORReady)
	}
}

// history returns today's closed 1m candles up to now, in window order.
func (r *Runtime) history(ctx context.Context, in model.Instrument, now time.Time) ([]model.Candle, string, error) {
	from := markethours.Open.On(now)
	var errs []error
	if r.deps.History != nil {
		hctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		cs, err := r.deps.History.HistoricalCandles(hctx, model.CandleRequest{
			Token:    in.Token,
			Exchange: in.Exchange,
			Interval: broker.IntervalOneMinute,
			From:     from,
			To:       now,
		})
		cancel()
		if err == nil && len(cs) > 0 {
			return closedBy(cs, now), "broker", nil
		}
		errs = append(errs, fmt.Errorf("broker: %v", err))
	}
	if r.deps.Archive != nil {
		hctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		cs, err := r.deps.Archive.ReadCandles(hctx, in.Exchange, in.Token, 60, from, now)
		cancel()
		if err == nil && len(cs) > 0 {
			return closedBy(cs, now), "archive", nil
		}
		errs = append(errs, fmt.Errorf("archive: %v", err))
	}
	return nil, "", fmt.Errorf("history for %s: %v", in.Key(), errs)
}

// closedBy keeps the candles whose window ended by now, sorted by start.
func closedBy(cs []model.Candle, now time.Time) []model.Candle {
	out := make([]model.Candle, 0, len(cs))
	for _, c := range cs {
		if !c.End().After(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out
}
