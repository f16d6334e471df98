package runtime

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-runtime/internal/execution"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/metrics"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/notification"
	"intraday-runtime/internal/portfolio"
	redisstore "intraday-runtime/internal/store/redis"
	"intraday-runtime/internal/strategy"
	"intraday-runtime/internal/tradeconfig"
)

var nifty = model.Instrument{Token: "35001", Exchange: "NFO", Name: "NIFTY", InstrumentType: "FUTIDX", TradingSymbol: "NIFTY26OCTFUT"}

func at(day, h, m, s int) time.Time {
	return time.Date(2026, 10, day, h, m, s, 0, markethours.IST)
}

type staticConfig struct {
	snap    *tradeconfig.Snapshot
	reloads int
	panic   bool
}

func (c *staticConfig) Current(context.Context) (*tradeconfig.Snapshot, error) {
	if c.panic {
		panic("config exploded")
	}
	return c.snap, nil
}

func (c *staticConfig) Reload() { c.reloads++ }

func paperORB() *staticConfig {
	doc := &tradeconfig.Document{
		StrategyConfig: []tradeconfig.StrategyRow{
			{Strategy: strategy.NameORB, Param: "enabled", Enabled: "TRUE"},
		},
		StrategyExecution: []tradeconfig.ExecutionRow{
			{Strategy: strategy.NameORB, Index: "NIFTY", Mode: "PAPER", Qty: "75", Enabled: "TRUE"},
		},
	}
	return &staticConfig{snap: tradeconfig.Build(doc, "2026-10-15", slog.Default())}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *recordingNotifier) Send(_ context.Context, a notification.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) levels() []notification.AlertLevel {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification.AlertLevel
	for _, a := range n.alerts {
		out = append(out, a.Level)
	}
	return out
}

type fixture struct {
	rt       *Runtime
	book     *portfolio.Book
	cfg      *staticConfig
	metrics  *metrics.Metrics
	notifier *recordingNotifier
	strats   *strategy.Router
}

func newFixture(t *testing.T, extra func(d *Deps)) *fixture {
	t.Helper()
	book := portfolio.NewBook()
	rec := portfolio.NewRecorder(nil, nil)
	paper := execution.NewPaperEngine(book, rec, 0)
	cfg := paperORB()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	n := &recordingNotifier{}
	strats := strategy.NewRouter(strategy.NewORB())
	deps := Deps{
		Config:     cfg,
		Strategies: strats,
		Exec:       execution.NewRouter(paper, nil, nil),
		Risk:       portfolio.NewRiskEngine(portfolio.DefaultRiskConfig(), book, paper, nil, rec),
		Book:       book,
		Notifier:   n,
		Metrics:    m,
	}
	if extra != nil {
		extra(&deps)
	}
	rt, err := New(Config{Instruments: []model.Instrument{nifty}}, deps)
	require.NoError(t, err)
	rt.now = func() time.Time { return at(15, 10, 0, 0) }
	return &fixture{rt: rt, book: book, cfg: cfg, metrics: m, notifier: n, strats: strats}
}

// orbDay returns one tick per minute from 09:15: a 100.00-101.00 range until
// 09:45, a breakout to 103.00, then a collapse to 98.00.
func orbDay() []model.Tick {
	var ticks []model.Tick
	cum := int64(0)
	for m := 0; m < 41; m++ {
		var price int64
		switch {
		case m < 30:
			price = 100_00 + int64(m%3)*50
		case m < 35:
			price = 103_00
		default:
			price = 98_00
		}
		cum += 100
		ts := at(15, 9, 15, 10).Add(time.Duration(m) * time.Minute)
		ticks = append(ticks, model.Tick{Token: nifty.Token, Exchange: nifty.Exchange, Price: price, CumVolume: cum, TickTS: ts})
	}
	return ticks
}

func counter(c prometheus.Collector) float64 { return testutil.ToFloat64(c) }

func TestRuntime_ORBEntryAndVWAPRecrossExit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ticks := orbDay()
	// Up to and including the 09:50 tick: the 09:45 bucket closes.
	for _, tk := range ticks[:36] {
		f.rt.processTick(ctx, tk)
	}
	id := "VWAP_ORB-35001-20261015-0945"
	pos, ok := f.book.Get(id)
	require.True(t, ok, "breakout should open a paper position")
	assert.True(t, pos.Open)
	assert.Equal(t, model.Long, pos.Direction)
	assert.Equal(t, int64(103_00), pos.EntryPrice)
	assert.Equal(t, int64(75), pos.Qty)
	assert.Equal(t, 1.0, counter(f.metrics.SignalsTotal.WithLabelValues(strategy.NameORB, "ENTERED")))

	// The collapse: the short is refused as a duplicate, the long exits.
	for _, tk := range ticks[36:] {
		f.rt.processTick(ctx, tk)
	}
	pos, _ = f.book.Get(id)
	assert.False(t, pos.Open)
	assert.Equal(t, portfolio.ReasonVWAPRecross, pos.ExitReason)
	assert.Equal(t, int64(98_00), pos.ExitPrice)
	assert.Equal(t, int64(98_00-103_00)*75, pos.PnL)
	assert.Equal(t, 0, f.book.Count())

	assert.Equal(t, 1.0, counter(f.metrics.SignalsTotal.WithLabelValues(strategy.NameORB, execution.ReasonDuplicate)))
	assert.Equal(t, 1.0, counter(f.metrics.ExitsTotal.WithLabelValues(portfolio.ReasonVWAPRecross)))
	assert.Equal(t, 8.0, counter(f.metrics.CandlesTotal.WithLabelValues("300")))
	assert.Equal(t, 40.0, counter(f.metrics.CandlesTotal.WithLabelValues("60")))
	assert.Equal(t, 41.0, counter(f.metrics.TicksTotal))

	f.rt.bg.Wait()
	assert.Empty(t, f.notifier.levels(), "paper trading sends no alerts")
}

func TestRuntime_InvariantViolationIsNotified(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.rt.processTick(ctx, model.Tick{Token: "35001", Exchange: "NFO", Price: 100_00, TickTS: at(15, 9, 10, 5)})
	f.rt.processTick(ctx, model.Tick{Token: "35001", Exchange: "NFO", Price: 100_00, TickTS: at(15, 9, 11, 5)})
	f.rt.bg.Wait()

	assert.Equal(t, 1.0, counter(f.metrics.InvariantViolations))
	assert.Equal(t, []notification.AlertLevel{notification.AlertCritical}, f.notifier.levels())
}

func TestRuntime_PanicIsContainedToOneTick(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.cfg.panic = true

	ticks := orbDay()
	for _, tk := range ticks[:21] { // the 09:15..09:30 buckets close
		f.rt.processTick(ctx, tk)
	}
	assert.Equal(t, 4.0, counter(f.metrics.PanicsRecovered))

	f.cfg.panic = false
	for _, tk := range ticks[21:36] {
		f.rt.processTick(ctx, tk)
	}
	assert.Equal(t, 4.0, counter(f.metrics.PanicsRecovered))
	assert.Equal(t, 1, f.book.Count())
}

func TestRuntime_SessionReset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, tk := range orbDay()[:36] {
		f.rt.processTick(ctx, tk)
	}
	require.NotEmpty(t, f.rt.prev)
	assert.Equal(t, "2026-10-15", f.rt.ind.Session())

	f.rt.processTick(ctx, model.Tick{Token: "35001", Exchange: "NFO", Price: 100_00, CumVolume: 10, TickTS: at(16, 9, 15, 1)})
	assert.Equal(t, "2026-10-16", f.rt.session)
	assert.Equal(t, "2026-10-16", f.rt.ind.Session())
	assert.Empty(t, f.rt.prev)
	_, ok := f.rt.comp.Part("NFO", "35001", at(15, 9, 45, 0))
	assert.False(t, ok, "previous day's parts pruned")

	before := counter(f.metrics.TicksTotal)
	f.rt.processTick(ctx, model.Tick{Token: "35001", Exchange: "NFO", Price: 100_00, TickTS: at(15, 15, 29, 0)})
	assert.Equal(t, before, counter(f.metrics.TicksTotal), "stale tick dropped")
}

func TestRuntime_ReloadAndHeartbeat(t *testing.T) {
	state := &fakeState{}
	f := newFixture(t, func(d *Deps) { d.State = state })
	ctx := context.Background()

	require.NoError(t, f.rt.RequestReload(ctx))
	require.NoError(t, f.rt.RequestReload(ctx))
	assert.Len(t, f.rt.reloadCh, 1)
	<-f.rt.reloadCh
	f.rt.reload(ctx)
	assert.Equal(t, 1, f.cfg.reloads)
	assert.Equal(t, 1.0, counter(f.metrics.ConfigReloads.WithLabelValues("ok")))

	f.rt.processTick(ctx, orbDay()[0])
	f.rt.TickDropped()
	f.rt.heartbeat(ctx)
	require.Len(t, state.beats, 1)
	hb := state.beats[0]
	assert.Equal(t, "2026-10-15", hb.Session)
	assert.Equal(t, int64(1), hb.Ticks)
	assert.Equal(t, int64(1), hb.DroppedTicks)
	assert.Equal(t, at(15, 10, 0, 0).UTC(), hb.TS)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Instruments: []model.Instrument{nifty}}, Deps{})
	assert.Error(t, err)

	f := newFixture(t, nil)
	_, err = New(Config{}, f.rt.deps)
	assert.Error(t, err)
}

type fakeState struct {
	mu      sync.Mutex
	beats   []redisstore.Heartbeat
	candles []model.Candle
}

func (s *fakeState) WriteHeartbeat(_ context.Context, hb redisstore.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beats = append(s.beats, hb)
	return nil
}

func (s *fakeState) PublishCandle(_ context.Context, c model.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles = append(s.candles, c)
}
