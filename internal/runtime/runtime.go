// Package runtime wires the trading pipeline into a single event loop.
//
// One goroutine owns every piece of candle, indicator and strategy state:
// it consumes ticks from a bounded queue, reload requests from the control
// surface and clock events, in that loop only. Everything that talks to the
// outside world from other goroutines (the feed, the reconciler, the candle
// writer, mark updates) hands data in through channels or goroutine-safe
// collaborators.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"intraday-runtime/internal/execution"
	"intraday-runtime/internal/indicator"
	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/marketdata/candle"
	"intraday-runtime/internal/marketdata/compositor"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/metrics"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/notification"
	"intraday-runtime/internal/performance"
	"intraday-runtime/internal/portfolio"
	redisstore "intraday-runtime/internal/store/redis"
	"intraday-runtime/internal/strategy"
	"intraday-runtime/internal/tradeconfig"
)

// Feed streams ticks into out until ctx is done.
type Feed interface {
	Start(ctx context.Context, out chan<- model.Tick) error
}

// ConfigSource serves the trading configuration.
type ConfigSource interface {
	Current(ctx context.Context) (*tradeconfig.Snapshot, error)
	Reload()
}

// HistorySource returns broker historical candles.
type HistorySource interface {
	HistoricalCandles(ctx context.Context, req model.CandleRequest) ([]model.Candle, error)
}

// CandleArchive persists closed candles and reads them back.
type CandleArchive interface {
	RunCandles(ctx context.Context, ch <-chan model.Candle)
	ReadCandles(ctx context.Context, exchange, token string, tf int, from, to time.Time) ([]model.Candle, error)
}

// CatalogPrefetcher downloads the day's option catalog off the event loop.
type CatalogPrefetcher interface {
	Prefetch(ctx context.Context, now time.Time) error
}

// StateWriter is the fast external state (redis).
type StateWriter interface {
	WriteHeartbeat(ctx context.Context, hb redisstore.Heartbeat) error
	PublishCandle(ctx context.Context, c model.Candle)
}

// Config tunes the runtime.
type Config struct {
	// Instruments are the signalling futures. Their Name gives the class.
	Instruments []model.Instrument

	QueueSize         int           // tick queue capacity (default 10000)
	HeartbeatInterval time.Duration // default 60s
	MarkInterval      time.Duration // performance mark refresh (default 60s)
	PrefetchInterval  time.Duration // catalog prefetch check (default 5m)
	ReconcileInterval time.Duration // default portfolio.DefaultReconcileInterval
	CallTimeout       time.Duration // bound for history/state calls (default 10s)
	ShutdownTimeout   time.Duration // bound for the drain and flush (default 15s)
}

func (c *Config) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
	if c.MarkInterval <= 0 {
		c.MarkInterval = time.Minute
	}
	if c.PrefetchInterval <= 0 {
		c.PrefetchInterval = 5 * time.Minute
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = portfolio.DefaultReconcileInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
}

// Deps are the runtime's collaborators. Strategies, Exec, Risk, Book and
// Config are required; the rest may be nil.
type Deps struct {
	Config     ConfigSource
	Strategies *strategy.Router
	Exec       *execution.Router
	Risk       *portfolio.RiskEngine
	Book       *portfolio.Book
	Reconciler *portfolio.Reconciler
	Tracker    *performance.Tracker
	Restorer   *indicator.Restorer
	Catalog    CatalogPrefetcher
	History    HistorySource
	Archive    CandleArchive
	Positions  model.PositionStore
	Counts     model.SignalCounter
	State      StateWriter
	Notifier   notification.Notifier
	Metrics    *metrics.Metrics
	Health     *metrics.HealthStatus
}

// Runtime is the event loop and the state it owns.
type Runtime struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	queue    chan model.Tick
	reloadCh chan struct{}
	candleCh chan model.Candle // to the archive writer

	// loop-owned state
	builder *candle.Builder
	comp    *compositor.Compositor
	ind     *indicator.Engine
	prev    map[string]model.Candle // key → last 5m candle
	classes map[string]string       // key → class
	session string
	ticks   int64

	dropped atomic.Int64   // ticks the feed could not enqueue
	bg      sync.WaitGroup // notifications in flight
}

// New creates a runtime. Call Warmup before Run.
func New(cfg Config, deps Deps) (*Runtime, error) {
	if deps.Config == nil || deps.Strategies == nil || deps.Exec == nil || deps.Risk == nil || deps.Book == nil {
		return nil, errors.New("runtime: missing required dependency")
	}
	if len(cfg.Instruments) == 0 {
		return nil, errors.New("runtime: no instruments")
	}
	cfg.defaults()
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLogNotifier()
	}
	r := &Runtime{
		cfg:      cfg,
		deps:     deps,
		log:      logger.Component("runtime"),
		now:      time.Now,
		queue:    make(chan model.Tick, cfg.QueueSize),
		reloadCh: make(chan struct{}, 1),
		candleCh: make(chan model.Candle, 5000),
		builder:  candle.New(),
		comp:     compositor.New(),
		ind:      indicator.NewEngine(indicator.DefaultConfig()),
		prev:     make(map[string]model.Candle),
		classes:  make(map[string]string, len(cfg.Instruments)),
	}
	for _, in := range cfg.Instruments {
		r.classes[in.Key()] = in.Class()
	}
	if m := deps.Metrics; m != nil {
		r.builder.OnDroppedTick = func(string) { m.DroppedTicks.Inc() }
		r.builder.OnClosedCandle = func(model.Candle) { m.CandlesTotal.WithLabelValues("60").Inc() }
		r.comp.OnComposite = func(model.Candle) { m.CandlesTotal.WithLabelValues("300").Inc() }
	}
	return r, nil
}

// Queue is the bounded channel the feed enqueues into.
func (r *Runtime) Queue() chan<- model.Tick { return r.queue }

// TickDropped counts a tick the feed dropped on a full queue. Safe from
// any goroutine.
func (r *Runtime) TickDropped() {
	r.dropped.Add(1)
	if m := r.deps.Metrics; m != nil {
		m.DroppedTicks.Inc()
	}
}

// RequestReload asks the loop to refetch the trading config before the next
// candle cycle. It never blocks; a pending request absorbs new ones.
func (r *Runtime) RequestReload(_ context.Context) error {
	select {
	case r.reloadCh <- struct{}{}:
	default:
	}
	return nil
}

// Run starts the feed and the background workers and processes events until
// ctx is done. Shutdown order: stop the feed, drain the queue, stop the
// reconciler, flush persistence.
func (r *Runtime) Run(ctx context.Context, feed Feed) error {
	feedCtx, stopFeed := context.WithCancel(ctx)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if feed == nil {
			<-feedCtx.Done()
			return
		}
		if err := feed.Start(feedCtx, r.queue); err != nil && feedCtx.Err() == nil {
			r.log.Error("feed stopped", "error", err)
		}
	}()

	// Workers outlive ctx so the drain can still use them.
	workCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	if r.deps.Reconciler != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			r.deps.Reconciler.Run(workCtx, r.cfg.ReconcileInterval)
		}()
	}
	if r.deps.Tracker != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			r.runMarks(workCtx)
		}()
	}
	if r.deps.Catalog != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			r.runPrefetch(workCtx)
		}()
	}
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if r.deps.Archive != nil {
			r.deps.Archive.RunCandles(writerCtx, r.candleCh)
		}
	}()

	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	clock := time.NewTicker(time.Second)
	defer clock.Stop()

	r.log.Info("event loop started", "instruments", len(r.cfg.Instruments), "queue", r.cfg.QueueSize)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case t := <-r.queue:
			r.processTick(ctx, t)
		case <-r.reloadCh:
			r.reload(ctx)
		case <-clock.C:
			r.onClock(r.now())
		case <-heartbeat.C:
			r.heartbeat(ctx)
		}
	}

	r.log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()

	stopFeed()
	<-feedDone

	drained := 0
drain:
	for {
		select {
		case t := <-r.queue:
			r.processTick(sctx, t)
			drained++
		default:
			break drain
		}
	}

	stopWorkers()
	workers.Wait()

	r.flush(sctx)
	stopWriter()
	<-writerDone
	r.bg.Wait()

	r.log.Info("shutdown complete", "drained_ticks", drained, "ticks", r.ticks)
	return nil
}

// processTick runs one tick through the pipeline. A panic is contained to
// this tick.
func (r *Runtime) processTick(ctx context.Context, t model.Tick) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tick processing panicked", "key", t.Key(), "panic", fmt.Sprint(rec))
			if r.deps.Metrics != nil {
				r.deps.Metrics.PanicsRecovered.Inc()
			}
		}
	}()

	if !r.rollSession(t.TickTS) {
		r.log.Debug("tick from a past session dropped", "key", t.Key(), "ts", t.TickTS)
		if m := r.deps.Metrics; m != nil {
			m.DroppedTicks.Inc()
		}
		return
	}
	r.ticks++
	if m := r.deps.Metrics; m != nil {
		m.TicksTotal.Inc()
	}
	if h := r.deps.Health; h != nil {
		h.SetLastTickTime(t.TickTS)
	}

	closed, ok := r.builder.Ingest(t)
	if ok {
		r.onMinuteClose(ctx, closed)
	}
	r.handleExits(ctx, r.deps.Risk.OnTick(ctx, t))
}

// onMinuteClose archives a closed 1m candle and tries its 5m bucket.
func (r *Runtime) onMinuteClose(ctx context.Context, c model.Candle) {
	r.archive(c)
	five, ok, err := r.comp.Close(c)
	if err != nil {
		r.invariant(ctx, err)
		return
	}
	if ok {
		r.onCandle(ctx, five)
	}
}

// onCandle is the 5m cycle: indicators, strategies, routing, then exits.
func (r *Runtime) onCandle(ctx context.Context, c model.Candle) {
	start := time.Now()
	key := c.Key()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(c.Token, c.TS))
	log := r.log.With(logger.LogWithTrace(ctx)...)

	r.archive(c)
	if r.deps.State != nil {
		r.deps.State.PublishCandle(ctx, c)
	}
	r.deps.Book.UpdatePrice(c)

	st := r.ind.Update(c)
	var prev *model.Candle
	if p, ok := r.prev[key]; ok {
		prev = &p
	}
	r.prev[key] = c

	log.Info("5m candle",
		"key", key,
		"ts", c.TS.In(markethours.IST).Format("15:04"),
		"close", c.Close,
		"vwap", st.VWAP,
		"vwap_ok", st.VWAPOk,
		"or_ready", st.ORReady)

	cfg, err := r.deps.Config.Current(ctx)
	if err != nil {
		log.Warn("no trading config, skipping strategies", "error", err)
	} else {
		m := strategy.Market{
			Token:    c.Token,
			Exchange: c.Exchange,
			Class:    r.classes[key],
			Candle:   c,
			Prev:     prev,
			VWAP:     st.VWAP,
			VWAPOk:   st.VWAPOk,
			ORHigh:   st.ORHigh,
			ORLow:    st.ORLow,
			OROk:     st.ORReady,
		}
		for _, sig := range r.deps.Strategies.Evaluate(m, cfg) {
			r.route(ctx, sig, cfg)
		}
	}

	r.handleExits(ctx, r.deps.Risk.Evaluate(ctx, c, st.VWAP, st.VWAPOk))
	r.checkpoint(ctx)

	if m := r.deps.Metrics; m != nil {
		m.CycleDur.Observe(time.Since(start).Seconds())
		m.CandleLag.Set(r.now().Sub(c.End()).Seconds())
		m.OpenPositions.Set(float64(r.deps.Book.Count()))
	}
}

func (r *Runtime) route(ctx context.Context, sig strategy.Signal, cfg *tradeconfig.Snapshot) {
	out := r.deps.Exec.Route(ctx, sig, cfg)
	outcome := string(out.Status)
	if out.Reason != "" {
		outcome = out.Reason
	}
	if m := r.deps.Metrics; m != nil {
		m.SignalsTotal.WithLabelValues(sig.Strategy, outcome).Inc()
	}

	switch {
	case out.Accepted():
		if out.Position != nil && out.Position.Live() {
			r.notify(notification.Alert{
				Level: notification.AlertInfo,
				Title: "Live entry",
				Trade: notification.PositionTrade(*out.Position),
			})
		}
		if r.deps.Tracker != nil {
			if err := r.deps.Tracker.Record(ctx, sig, out); err != nil {
				r.log.Warn("performance mark not recorded", "signal_id", sig.ID, "error", err)
			}
		}
	case out.Reason == execution.ReasonLiveDisabled:
		r.notify(notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "Live entry refused",
			Message: fmt.Sprintf("%s %s %s: live trading is switched off", sig.Strategy, sig.Class, sig.Direction),
		})
	case out.Reason == execution.ReasonReconcile || out.Reason == execution.ReasonEntryFailed:
		r.notify(notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "Entry failed",
			Message: fmt.Sprintf("%s %s %s: %s: %v", sig.Strategy, sig.Class, sig.Direction, out.Reason, out.Err),
		})
	}
}

func (r *Runtime) handleExits(ctx context.Context, exits []portfolio.ExitDecision) {
	for _, d := range exits {
		if d.Err != nil {
			closing := errors.Is(d.Err, portfolio.ErrNotOpen) || errors.Is(d.Err, portfolio.ErrExiting)
			if d.Position.Live() && !closing {
				tr := notification.PositionTrade(d.Position)
				tr.Reason = d.Reason
				r.notify(notification.Alert{
					Level:   notification.AlertCritical,
					Title:   "Live exit failed",
					Message: d.Err.Error(),
					Trade:   tr,
				})
			}
			continue
		}
		if m := r.deps.Metrics; m != nil {
			m.ExitsTotal.WithLabelValues(d.Reason).Inc()
		}
		if d.Position.Live() {
			r.notify(notification.Alert{
				Level: notification.AlertInfo,
				Title: "Live exit",
				Trade: notification.PositionTrade(d.Position),
			})
		}
	}
	if len(exits) > 0 {
		if m := r.deps.Metrics; m != nil {
			m.OpenPositions.Set(float64(r.deps.Book.Count()))
		}
	}
}

func (r *Runtime) invariant(ctx context.Context, err error) {
	var inv *compositor.InvariantError
	if !errors.As(err, &inv) {
		r.log.Error("candle composition failed", "error", err)
		return
	}
	r.log.Error("invariant violation, candle dropped", "key", inv.Key, "start", inv.Start, "error", inv.Err)
	if m := r.deps.Metrics; m != nil {
		m.InvariantViolations.Inc()
	}
	r.notify(notification.Alert{Level: notification.AlertCritical, Title: "Candle invariant violated", Message: inv.Error()})
}

// rollSession resets the session state when ts is on a later IST date. It
// reports false for a timestamp from an earlier session.
func (r *Runtime) rollSession(ts time.Time) bool {
	day := markethours.SessionDate(ts)
	if r.session == day {
		return true
	}
	if day < r.session {
		return false
	}
	prev := r.session
	r.session = day
	if h := r.deps.Health; h != nil {
		h.SetSession(day)
	}
	if prev == "" {
		return true
	}
	r.ind.ResetSession(day)
	r.comp.PruneBefore(markethours.StartOfDay(ts))
	r.builder.Reset()
	r.prev = make(map[string]model.Candle)
	pruned := r.deps.Book.PruneClosed()
	r.log.Info("session reset", "prev", prev, "next", day, "pruned_positions", pruned)
	return true
}

func (r *Runtime) onClock(now time.Time) {
	r.rollSession(now)
	open := markethours.IsMarketOpen(now)
	if m := r.deps.Metrics; m != nil {
		if open {
			m.MarketState.Set(1)
		} else {
			m.MarketState.Set(0)
		}
		m.QueueDepth.Set(float64(len(r.queue)))
	}
	if h := r.deps.Health; h != nil {
		h.SetMarketOpen(open)
	}
}

func (r *Runtime) reload(ctx context.Context) {
	r.deps.Config.Reload()
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	_, err := r.deps.Config.Current(cctx)
	result := "ok"
	if err != nil {
		result = "error"
		r.log.Warn("config reload failed", "error", err)
	}
	if m := r.deps.Metrics; m != nil {
		m.ConfigReloads.WithLabelValues(result).Inc()
	}
}

func (r *Runtime) heartbeat(ctx context.Context) {
	open := r.deps.Book.Count()
	depth := len(r.queue)
	r.log.Info("heartbeat",
		"session", r.session,
		"ticks", r.ticks,
		"open_positions", open,
		"queue_depth", depth,
		"dropped_ticks", r.dropped.Load(),
		"market", markethours.StatusString(r.now()))
	if h := r.deps.Health; h != nil {
		h.SetOpenPositions(open)
	}
	if r.deps.State == nil {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	hb := redisstore.Heartbeat{
		TS:            r.now().UTC(),
		Session:       r.session,
		Ticks:         r.ticks,
		DroppedTicks:  r.dropped.Load(),
		OpenPositions: open,
		QueueDepth:    depth,
	}
	if err := r.deps.State.WriteHeartbeat(hctx, hb); err != nil {
		r.log.Warn("heartbeat write failed", "error", err)
	}
}

func (r *Runtime) runMarks(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.MarkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !markethours.IsMarketOpen(now) {
				continue
			}
			if n := r.deps.Tracker.Update(ctx); n > 0 {
				r.log.Debug("performance marks updated", "count", n)
			}
		}
	}
}

// runPrefetch keeps the option catalog loaded for the current day so the
// first live signal does not wait on the download.
func (r *Runtime) runPrefetch(ctx context.Context) {
	prefetch := func() {
		now := r.now()
		if !markethours.IsTradingDay(now) {
			return
		}
		if err := r.deps.Catalog.Prefetch(ctx, now); err != nil && ctx.Err() == nil {
			r.log.Warn("option catalog prefetch failed, will retry", "error", err)
		}
	}
	prefetch()
	ticker := time.NewTicker(r.cfg.PrefetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prefetch()
		}
	}
}

// archive hands a candle to the writer without blocking the loop.
func (r *Runtime) archive(c model.Candle) {
	if r.deps.Archive == nil {
		return
	}
	select {
	case r.candleCh <- c:
	default:
		r.log.Warn("candle archive queue full, dropping", "key", c.Key(), "tf", strconv.Itoa(c.TF))
	}
}

func (r *Runtime) checkpoint(ctx context.Context) {
	if r.deps.Restorer == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	_ = r.deps.Restorer.Checkpoint(cctx, r.ind)
}

// flush persists the forming windows and the indicator state at shutdown.
func (r *Runtime) flush(ctx context.Context) {
	partial := r.builder.Flush()
	for _, c := range partial {
		r.archive(c)
	}
	r.checkpoint(ctx)
	r.log.Info("flushed", "partial_candles", len(partial))
}

// notify sends an alert off the loop goroutine.
func (r *Runtime) notify(alert notification.Alert) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.deps.Notifier.Send(ctx, alert); err != nil {
			r.log.Warn("notification failed", "title", alert.Title, "error", err)
		}
	}()
}
