package performance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-runtime/internal/execution"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/strategy"
)

type fakeResolver struct {
	inst  model.Instrument
	err   error
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, class string, dir model.Direction, _ int, _ map[int64]bool, _ time.Time) (model.Instrument, error) {
	f.calls++
	return f.inst, f.err
}

type fakeQuoter struct{ ltp map[string]int64 }

func (f *fakeQuoter) LTP(_ context.Context, _, symbol, _ string) (int64, error) {
	v, ok := f.ltp[symbol]
	if !ok {
		return 0, errors.New("no quote")
	}
	return v, nil
}

type memMarks struct{ rows map[string]model.SignalMark }

func (m *memMarks) UpsertMark(_ context.Context, mk model.SignalMark) error {
	m.rows[mk.SignalID] = mk
	return nil
}

func (m *memMarks) LoadMarks(_ context.Context, from, to time.Time) ([]model.SignalMark, error) {
	var out []model.SignalMark
	for _, mk := range m.rows {
		if !mk.EntryTime.Before(from) && !mk.EntryTime.After(to) {
			out = append(out, mk)
		}
	}
	return out, nil
}

func ist(y int, mo time.Month, d, h, mi int) time.Time {
	return time.Date(y, mo, d, h, mi, 0, 0, markethours.IST)
}

func newTracker(now *time.Time) (*Tracker, *fakeResolver, *fakeQuoter, *memMarks) {
	res := &fakeResolver{inst: model.Instrument{Exchange: "NFO", Token: "43210", TradingSymbol: "NIFTY27OCT2624500CE", Name: "NIFTY"}}
	q := &fakeQuoter{ltp: map[string]int64{"NIFTY27OCT2624500CE": 120_00}}
	store := &memMarks{rows: map[string]model.SignalMark{}}
	tr := NewTracker(res, q, store, time.Second)
	tr.now = func() time.Time { return *now }
	return tr, res, q, store
}

func accepted(pos model.Position) execution.Outcome {
	return execution.Outcome{Status: execution.StatusEntered, Position: &pos}
}

func TestRecord_PaperResolvesATMOption(t *testing.T) {
	now := ist(2026, 10, 15, 10, 5)
	tr, res, _, store := newTracker(&now)

	sig := strategy.Signal{ID: "s1", Strategy: "VWAP_ORB", Class: "NIFTY", Direction: model.Long, Token: "35001", Exchange: "NFO"}
	require.NoError(t, tr.Record(context.Background(), sig, accepted(model.Position{Qty: 75})))

	assert.Equal(t, 1, res.calls)
	m := store.rows["s1"]
	assert.Equal(t, "NIFTY27OCT2624500CE", m.OptionSymbol)
	assert.Equal(t, int64(120_00), m.EntryLTP)
	assert.Equal(t, int64(120_00), m.LastLTP)
	assert.Equal(t, int64(75), m.Qty)
	assert.Equal(t, now, m.EntryTime)
}

func TestRecord_LiveUsesHeldOption(t *testing.T) {
	now := ist(2026, 10, 15, 10, 5)
	tr, res, _, store := newTracker(&now)

	pos := model.Position{Exchange: "NFO", Token: "55555", TradingSymbol: "BANKNIFTY27OCT2652000PE", EntryPrice: 310_50, Qty: 30, BrokerOrderRef: "ord-1"}
	sig := strategy.Signal{ID: "s2", Strategy: "VWAP_CROSS", Class: "BANKNIFTY", Direction: model.Short}
	require.NoError(t, tr.Record(context.Background(), sig, accepted(pos)))

	assert.Equal(t, 0, res.calls)
	assert.Equal(t, "BANKNIFTY27OCT2652000PE", store.rows["s2"].OptionSymbol)
	assert.Equal(t, int64(310_50), store.rows["s2"].EntryLTP)
}

func TestRecord_IgnoresRejectedAndReportsFailures(t *testing.T) {
	now := ist(2026, 10, 15, 10, 5)
	tr, res, q, store := newTracker(&now)

	sig := strategy.Signal{ID: "s3", Strategy: "VWAP_ORB", Class: "NIFTY", Direction: model.Long}
	require.NoError(t, tr.Record(context.Background(), sig, execution.Outcome{Status: execution.StatusDropped, Reason: execution.ReasonDuplicate}))
	assert.Empty(t, store.rows)

	res.err = execution.ErrNoContract
	err := tr.Record(context.Background(), sig, accepted(model.Position{Qty: 75}))
	assert.ErrorIs(t, err, execution.ErrNoContract)

	res.err = nil
	delete(q.ltp, "NIFTY27OCT2624500CE")
	assert.Error(t, tr.Record(context.Background(), sig, accepted(model.Position{Qty: 75})))
	assert.Empty(t, store.rows)
}

func TestUpdate_RefreshesCurrentSessionOnly(t *testing.T) {
	now := ist(2026, 10, 15, 10, 5)
	tr, _, q, store := newTracker(&now)
	sig := strategy.Signal{ID: "s1", Strategy: "VWAP_ORB", Class: "NIFTY", Direction: model.Long}
	require.NoError(t, tr.Record(context.Background(), sig, accepted(model.Position{Qty: 75})))

	now = ist(2026, 10, 15, 10, 10)
	q.ltp["NIFTY27OCT2624500CE"] = 135_25
	assert.Equal(t, 1, tr.Update(context.Background()))
	assert.Equal(t, int64(135_25), store.rows["s1"].LastLTP)
	assert.Equal(t, now, store.rows["s1"].LastTime)
	assert.Equal(t, int64(15_25), tr.Marks()[0].Points())

	now = ist(2026, 10, 16, 9, 20)
	assert.Equal(t, 0, tr.Update(context.Background()))
	assert.Empty(t, tr.Marks())
}

func TestRestore_ReloadsToday(t *testing.T) {
	now := ist(2026, 10, 15, 11, 0)
	tr, _, _, store := newTracker(&now)
	store.rows["old"] = model.SignalMark{SignalID: "old", EntryTime: ist(2026, 10, 14, 10, 0)}
	store.rows["new"] = model.SignalMark{SignalID: "new", EntryTime: ist(2026, 10, 15, 10, 0)}

	require.NoError(t, tr.Restore(context.Background()))
	marks := tr.Marks()
	require.Len(t, marks, 1)
	assert.Equal(t, "new", marks[0].SignalID)
}

func TestPeriodRange(t *testing.T) {
	now := ist(2026, 10, 15, 12, 0)
	cases := []struct {
		period string
		from   time.Time
	}{
		{PeriodDay, ist(2026, 10, 14, 12, 0)},
		{PeriodWeek, ist(2026, 10, 8, 12, 0)},
		{PeriodMonth, ist(2026, 9, 15, 12, 0)},
		{PeriodQuarter, ist(2026, 7, 17, 12, 0)},
		{PeriodYTD, ist(2026, 1, 1, 0, 0)},
		{PeriodYear, ist(2025, 10, 15, 12, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.period, func(t *testing.T) {
			from, to, err := PeriodRange(tc.period, time.Time{}, time.Time{}, now)
			require.NoError(t, err)
			assert.True(t, tc.from.Equal(from), "from=%s", from)
			assert.True(t, now.Equal(to))
		})
	}

	_, _, err := PeriodRange(PeriodCustom, time.Time{}, now, now)
	assert.ErrorIs(t, err, ErrBadPeriod)
	_, _, err = PeriodRange(PeriodCustom, now, now.Add(-time.Hour), now)
	assert.ErrorIs(t, err, ErrBadPeriod)
	_, _, err = PeriodRange("2w", time.Time{}, time.Time{}, now)
	assert.ErrorIs(t, err, ErrBadPeriod)

	from, to, err := PeriodRange(PeriodCustom, ist(2026, 10, 1, 0, 0), ist(2026, 10, 2, 0, 0), now)
	require.NoError(t, err)
	assert.Equal(t, ist(2026, 10, 1, 0, 0), from)
	assert.Equal(t, ist(2026, 10, 2, 0, 0), to)
}

func TestSummary_GroupsByStrategyAndIndex(t *testing.T) {
	now := ist(2026, 10, 15, 15, 0)
	tr, _, _, store := newTracker(&now)
	add := func(id, strat, class string, entry, last, qty int64, at time.Time) {
		store.rows[id] = model.SignalMark{SignalID: id, Strategy: strat, Class: class, EntryLTP: entry, LastLTP: last, Qty: qty, EntryTime: at}
	}
	add("a", "VWAP_ORB", "NIFTY", 100_00, 120_50, 75, ist(2026, 10, 15, 10, 0))
	add("b", "VWAP_ORB", "NIFTY", 100_00, 90_00, 75, ist(2026, 10, 15, 11, 0))
	add("c", "VWAP_ORB", "BANKNIFTY", 300_00, 300_00, 30, ist(2026, 10, 15, 11, 0))
	add("d", "VWAP_CROSS", "NIFTY", 80_00, 95_00, 75, ist(2026, 10, 10, 11, 0))

	rows, err := tr.Summary(context.Background(), PeriodDay, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "VWAP_ORB", rows[0].Strategy)
	assert.Equal(t, "BANKNIFTY", rows[0].Class)
	assert.Equal(t, 1, rows[0].Signals)
	assert.Equal(t, 0, rows[0].Wins+rows[0].Losses)

	assert.Equal(t, "NIFTY", rows[1].Class)
	assert.Equal(t, 2, rows[1].Signals)
	assert.Equal(t, 1, rows[1].Wins)
	assert.Equal(t, 1, rows[1].Losses)
	assert.Equal(t, "10.5", rows[1].Points.String())
	assert.Equal(t, "787.5", rows[1].PnL.String())

	rows, err = tr.Summary(context.Background(), PeriodWeek, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	_, err = tr.Summary(context.Background(), "bogus", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, ErrBadPeriod)
}
