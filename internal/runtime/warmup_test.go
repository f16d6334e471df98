package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-runtime/internal/broker"
	"intraday-runtime/internal/indicator"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/strategy"
)

// minutes returns closed 1m candles from 09:15 for n minutes, priced like
// orbDay.
func minutes(n int) []model.Candle {
	out := make([]model.Candle, 0, n)
	for m := 0; m < n; m++ {
		price := int64(100_00 + (m%3)*50)
		if m >= 30 {
			price = 103_00
		}
		out = append(out, model.Candle{
			Token: nifty.Token, Exchange: nifty.Exchange, TF: 60,
			TS:   at(15, 9, 15, 0).Add(time.Duration(m) * time.Minute),
			Open: price, High: price, Low: price, Close: price, Volume: 100, TicksCount: 1,
		})
	}
	return out
}

type fakeHistory struct {
	candles []model.Candle
	err     error
	reqs    []model.CandleRequest
}

func (h *fakeHistory) HistoricalCandles(_ context.Context, req model.CandleRequest) ([]model.Candle, error) {
	h.reqs = append(h.reqs, req)
	return h.candles, h.err
}

type fakeArchive struct {
	mu      sync.Mutex
	stored  []model.Candle
	history []model.Candle
	reads   int
}

func (a *fakeArchive) RunCandles(ctx context.Context, ch <-chan model.Candle) {
	for {
		select {
		case c := <-ch:
			a.add(c)
		case <-ctx.Done():
			for {
				select {
				case c := <-ch:
					a.add(c)
				default:
					return
				}
			}
		}
	}
}

func (a *fakeArchive) add(c model.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stored = append(a.stored, c)
}

func (a *fakeArchive) ReadCandles(_ context.Context, exchange, token string, tf int, from, to time.Time) ([]model.Candle, error) {
	a.reads++
	return a.history, nil
}

func (a *fakeArchive) byTF(tf int) []model.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.Candle
	for _, c := range a.stored {
		if c.TF == tf {
			out = append(out, c)
		}
	}
	return out
}

type fakePositions struct{ open []model.Position }

func (p *fakePositions) UpsertPosition(context.Context, model.Position) error { return nil }

func (p *fakePositions) LoadOpenPositions(context.Context) ([]model.Position, error) {
	return p.open, nil
}

type fakeCounts struct{ rows []model.SignalCount }

func (c *fakeCounts) EmittedSignalCounts(context.Context, time.Time) ([]model.SignalCount, error) {
	return c.rows, nil
}

func TestWarmup_BackfillsFromBroker(t *testing.T) {
	// 47 closed minutes plus the forming 10:02 minute, which is ignored.
	hist := &fakeHistory{candles: minutes(48)}
	open := model.Position{
		ID: "VWAP_ORB-35001-20261015-0945", Strategy: strategy.NameORB, Class: "NIFTY",
		Underlying: "35001", Token: "35001", Exchange: "NFO", Direction: model.Long,
		Qty: 75, EntryPrice: 103_00, EntryTime: at(15, 9, 45, 0), Open: true, BestPrice: 103_00,
	}
	f := newFixture(t, func(d *Deps) {
		d.History = hist
		d.Positions = &fakePositions{open: []model.Position{open}}
		d.Counts = &fakeCounts{rows: []model.SignalCount{
			{Strategy: strategy.NameORB, Instrument: "NFO:35001", Direction: model.Long, Count: 1},
		}}
	})
	f.rt.now = func() time.Time { return at(15, 10, 2, 30) }

	require.NoError(t, f.rt.Warmup(context.Background()))

	require.Len(t, hist.reqs, 1)
	assert.Equal(t, broker.IntervalOneMinute, hist.reqs[0].Interval)
	assert.Equal(t, at(15, 9, 15, 0), hist.reqs[0].From)

	assert.Equal(t, 1, f.book.Count())
	c := f.strats.Counter(strategy.NameORB, "NFO:35001", "2026-10-15")
	assert.Equal(t, int64(1), c.Count(model.Long))

	st := f.rt.ind.Get("NFO:35001")
	assert.True(t, st.ORReady)
	assert.Equal(t, int64(101_00), st.ORHigh)
	assert.Equal(t, int64(100_00), st.ORLow)
	assert.True(t, st.VWAPOk)

	prev, ok := f.rt.prev["NFO:35001"]
	require.True(t, ok)
	assert.Equal(t, at(15, 9, 55, 0), prev.TS)
	assert.Equal(t, 300, prev.TF)
}

func TestWarmup_FallsBackToArchive(t *testing.T) {
	arch := &fakeArchive{history: minutes(20)}
	f := newFixture(t, func(d *Deps) {
		d.History = &fakeHistory{err: errors.New("rate limited")}
		d.Archive = arch
	})
	f.rt.now = func() time.Time { return at(15, 9, 40, 0) }

	require.NoError(t, f.rt.Warmup(context.Background()))
	assert.Equal(t, 1, arch.reads)
	prev, ok := f.rt.prev["NFO:35001"]
	require.True(t, ok)
	assert.Equal(t, at(15, 9, 30, 0), prev.TS)
	assert.False(t, f.rt.ind.Get("NFO:35001").ORReady)
}

func TestWarmup_BeforeOpenSkipsHistory(t *testing.T) {
	hist := &fakeHistory{candles: minutes(5)}
	f := newFixture(t, func(d *Deps) { d.History = hist })
	f.rt.now = func() time.Time { return at(15, 8, 55, 0) }

	require.NoError(t, f.rt.Warmup(context.Background()))
	assert.Empty(t, hist.reqs)
	assert.Equal(t, "2026-10-15", f.rt.session)
}

type memSnapshots struct{ data map[string][]byte }

func (m *memSnapshots) SaveSnapshotJSON(_ context.Context, session string, data []byte) error {
	m.data[session] = data
	return nil
}

func (m *memSnapshots) LoadSnapshotJSON(_ context.Context, session string) ([]byte, error) {
	return m.data[session], nil
}

func TestWarmup_RollsOlderSnapshotForward(t *testing.T) {
	ctx := context.Background()
	store := &memSnapshots{data: map[string][]byte{}}

	// checkpoint taken at 09:40, before the opening range finished
	early := newFixture(t, func(d *Deps) { d.History = &fakeHistory{candles: minutes(25)} })
	early.rt.now = func() time.Time { return at(15, 9, 40, 0) }
	require.NoError(t, early.rt.Warmup(ctx))
	require.NoError(t, indicator.NewRestorer(store).Checkpoint(ctx, early.rt.ind))
	require.False(t, early.rt.ind.Get("NFO:35001").ORReady)

	restart := func(restorer *indicator.Restorer) indicator.State {
		f := newFixture(t, func(d *Deps) {
			d.History = &fakeHistory{candles: minutes(48)}
			d.Restorer = restorer
		})
		f.rt.now = func() time.Time { return at(15, 10, 2, 30) }
		require.NoError(t, f.rt.Warmup(ctx))
		return f.rt.ind.Get("NFO:35001")
	}
	fromSnapshot := restart(indicator.NewRestorer(store))
	fromHistory := restart(nil)

	assert.True(t, fromSnapshot.ORReady)
	assert.Equal(t, int64(101_00), fromSnapshot.ORHigh)
	assert.Equal(t, int64(100_00), fromSnapshot.ORLow)
	assert.Equal(t, at(15, 9, 55, 0), fromSnapshot.UpdatedAt)
	assert.Equal(t, fromHistory.UpdatedAt, fromSnapshot.UpdatedAt)
	assert.InDelta(t, fromHistory.VWAP, fromSnapshot.VWAP, 1e-9)
}

type scriptedFeed struct {
	ticks  []model.Tick
	cancel context.CancelFunc
}

func (s *scriptedFeed) Start(ctx context.Context, out chan<- model.Tick) error {
	for _, t := range s.ticks {
		out <- t
	}
	s.cancel()
	<-ctx.Done()
	return nil
}

func TestRun_DrainsAndFlushesOnShutdown(t *testing.T) {
	arch := &fakeArchive{}
	state := &fakeState{}
	f := newFixture(t, func(d *Deps) {
		d.Archive = arch
		d.State = state
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := &scriptedFeed{ticks: orbDay()[:8], cancel: cancel}

	done := make(chan error, 1)
	go func() { done <- f.rt.Run(ctx, feed) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not shut down")
	}

	assert.Equal(t, int64(8), f.rt.ticks)
	// Seven closed minutes and the forming 09:22 minute.
	ones := arch.byTF(60)
	require.Len(t, ones, 8)
	assert.Equal(t, at(15, 9, 22, 0), ones[7].TS)

	fives := arch.byTF(300)
	require.Len(t, fives, 1)
	assert.Equal(t, at(15, 9, 15, 0), fives[0].TS)
	require.Len(t, state.candles, 1)
}

type countingPrefetcher struct {
	mu    sync.Mutex
	calls []time.Time
}

func (p *countingPrefetcher) Prefetch(_ context.Context, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, now)
	return nil
}

func TestRun_PrefetchesCatalogOffTheLoop(t *testing.T) {
	pf := &countingPrefetcher{}
	f := newFixture(t, func(d *Deps) { d.Catalog = pf })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := &scriptedFeed{ticks: orbDay()[:2], cancel: cancel}
	require.NoError(t, f.rt.Run(ctx, feed))

	pf.mu.Lock()
	defer pf.mu.Unlock()
	require.NotEmpty(t, pf.calls)
	assert.Equal(t, at(15, 10, 0, 0), pf.calls[0])
}
