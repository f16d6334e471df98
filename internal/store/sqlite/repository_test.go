package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

func openTemp(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "runtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

var at = time.Date(2026, 10, 15, 10, 5, 0, 0, markethours.IST)

func TestSignals_AuditAndCounts(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()
	recs := []model.SignalRecord{
		{ID: "a", Strategy: "VWAP_ORB", Exchange: "NFO", Token: "35001", Class: "NIFTY", Direction: model.Long, Price: 100, TS: at, Accepted: true, Mode: "PAPER"},
		{ID: "b", Strategy: "VWAP_ORB", Exchange: "NFO", Token: "35001", Class: "NIFTY", Direction: model.Long, Price: 101, TS: at.Add(time.Hour), Accepted: true, Mode: "PAPER"},
		{ID: "c", Strategy: "VWAP_ORB", Exchange: "NFO", Token: "35001", Class: "NIFTY", Direction: model.Short, Price: 99, TS: at, Accepted: false, Reason: "DUPLICATE"},
		{ID: "d", Strategy: "VWAP_ORB", Exchange: "NFO", Token: "35001", Class: "NIFTY", Direction: model.Long, Price: 99, TS: at.AddDate(0, 0, -1), Accepted: true},
	}
	for _, rec := range recs {
		require.NoError(t, r.SaveSignal(ctx, rec))
	}
	require.NoError(t, r.SaveSignal(ctx, recs[0]), "repeated id is ignored")

	counts, err := r.EmittedSignalCounts(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, []model.SignalCount{
		{Strategy: "VWAP_ORB", Instrument: "NFO:35001", Direction: model.Long, Count: 2},
		{Strategy: "VWAP_ORB", Instrument: "NFO:35001", Direction: model.Short, Count: 1},
	}, counts, "rejected signals count against the daily limit too")
}

func TestTrades_UpsertIsIdempotent(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()
	open := model.TradeRecord{
		TradeID: "VWAP_ORB-35001-20261015-1005", Strategy: "VWAP_ORB", Class: "NIFTY", Token: "45001",
		TradingSymbol: "NIFTY28OCT2625000CE", Direction: model.Long, Mode: "LIVE", Qty: 75,
		EntryPrice: 12000, EntryTime: at, OrderRef: "O1",
	}
	require.NoError(t, r.UpsertTrade(ctx, open))
	require.NoError(t, r.UpsertTrade(ctx, open))

	got, err := r.Trade(ctx, open.TradeID)
	require.NoError(t, err)
	assert.True(t, got.ExitTime.IsZero())
	assert.Equal(t, "O1", got.OrderRef)

	closed := open
	closed.ExitPrice, closed.ExitTime, closed.ExitReason, closed.PnL = 13000, at.Add(time.Hour), "TRAIL_SL", 75000
	closed.OrderRef = ""
	require.NoError(t, r.UpsertTrade(ctx, closed))

	got, err = r.Trade(ctx, open.TradeID)
	require.NoError(t, err)
	assert.Equal(t, int64(13000), got.ExitPrice)
	assert.Equal(t, "TRAIL_SL", got.ExitReason)
	assert.Equal(t, int64(75000), got.PnL)
	assert.Equal(t, "O1", got.OrderRef, "entry order ref kept")
	assert.True(t, got.EntryTime.Equal(at))
}

func TestPositions_OpenRoundTrip(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()
	p1 := model.Position{ID: "p1", Strategy: "VWAP_ORB", Underlying: "NFO:35001", Direction: model.Long, Qty: 75, EntryPrice: 100, EntryTime: at, Open: true, BestPrice: 120, TrailEnabled: true, TrailPoints: 4000}
	p2 := model.Position{ID: "p2", Strategy: "VWAP_CROSSOVER", Underlying: "NFO:35001", Direction: model.Short, Qty: 75, EntryPrice: 100, EntryTime: at.Add(time.Minute), Open: true}
	require.NoError(t, r.UpsertPosition(ctx, p1))
	require.NoError(t, r.UpsertPosition(ctx, p2))

	p2.Open = false
	p2.ExitReason = "TIME_EXIT"
	require.NoError(t, r.UpsertPosition(ctx, p2))

	open, err := r.LoadOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p1", open[0].ID)
	assert.Equal(t, int64(120), open[0].BestPrice)
	assert.True(t, open[0].TrailEnabled)
}

func TestDailyPnL_Accumulates(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()
	require.NoError(t, r.AddDailyPnL(ctx, at, "VWAP_ORB", "NIFTY", 15050))
	require.NoError(t, r.AddDailyPnL(ctx, at.Add(time.Hour), "VWAP_ORB", "NIFTY", -5000))
	require.NoError(t, r.AddDailyPnL(ctx, at, "VWAP_ORB", "BANKNIFTY", 100))

	rows, err := r.DailyPnL(ctx, at, at)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "BANKNIFTY", rows[0].Class)
	assert.Equal(t, "100.5", rows[1].PnL.String())
	assert.Equal(t, 2, rows[1].Trades)
}

func TestCandles_BatchWriterAndRead(t *testing.T) {
	r := openTemp(t)
	ch := make(chan model.Candle, 10)
	for i := 0; i < 5; i++ {
		ch <- model.Candle{Token: "35001", Exchange: "NFO", TF: 60, TS: at.Add(time.Duration(i) * time.Minute), Open: 1, High: 2, Low: 1, Close: 2, Volume: int64(i), TicksCount: 3}
	}
	ch <- model.Candle{Token: "35001", Exchange: "NFO", TF: 300, TS: at, Open: 1, High: 2, Low: 1, Close: 2, Volume: 10}
	close(ch)
	r.RunCandles(context.Background(), ch)

	got, err := r.ReadCandles(context.Background(), "NFO", "35001", 60, at, at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.True(t, got[4].TS.Equal(at.Add(4*time.Minute)))
	assert.Equal(t, int64(4), got[4].Volume)

	fives, err := r.ReadCandles(context.Background(), "NFO", "35001", 300, at, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, fives, 1)
}

func TestRunCandles_FlushesOnCancel(t *testing.T) {
	r := openTemp(t)
	ch := make(chan model.Candle, 2)
	ch <- model.Candle{Token: "35001", Exchange: "NFO", TF: 60, TS: at}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.RunCandles(ctx, ch)

	got, err := r.ReadCandles(context.Background(), "NFO", "35001", 60, at, at.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMarks_UpsertKeepsEntry(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()
	m := model.SignalMark{SignalID: "s1", Strategy: "VWAP_ORB", Class: "NIFTY", Direction: model.Short, Exchange: "NFO",
		OptionToken: "45002", OptionSymbol: "NIFTY28OCT2625000PE", Qty: 1, EntryLTP: 10000, EntryTime: at, LastLTP: 10000, LastTime: at}
	require.NoError(t, r.UpsertMark(ctx, m))
	m.LastLTP, m.LastTime = 12500, at.Add(time.Hour)
	m.EntryLTP = 1 // ignored on update
	require.NoError(t, r.UpsertMark(ctx, m))

	got, err := r.LoadMarks(ctx, at.Add(-time.Minute), at.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(10000), got[0].EntryLTP)
	assert.Equal(t, int64(2500), got[0].Points())

	none, err := r.LoadMarks(ctx, at.Add(time.Minute), at.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}
