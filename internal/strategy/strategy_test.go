package strategy

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/tradeconfig"
)

func at(day, h, m int) time.Time {
	return time.Date(2026, 10, day, h, m, 0, 0, markethours.IST)
}

func candle(ts time.Time, close int64) model.Candle {
	return model.Candle{
		Token: "35001", Exchange: "NFO", TF: 300, TS: ts,
		Open: close, High: close, Low: close, Close: close, Volume: 100,
	}
}

func orbMarket(ts time.Time, close int64) Market {
	return Market{
		Token:    "35001",
		Exchange: "NFO",
		Class:    model.ClassNifty,
		Candle:   candle(ts, close),
		VWAP:     10000,
		VWAPOk:   true,
		ORHigh:   10100,
		ORLow:    9900,
		OROk:     true,
	}
}

func snapshot(strategies ...tradeconfig.StrategyConfig) *tradeconfig.Snapshot {
	s := &tradeconfig.Snapshot{Strategies: map[string]tradeconfig.StrategyConfig{}}
	for _, sc := range strategies {
		s.Strategies[sc.Name] = sc
	}
	return s
}

func enabled(name string, p tradeconfig.Params) tradeconfig.StrategyConfig {
	if p == nil {
		p = tradeconfig.Params{}
	}
	return tradeconfig.StrategyConfig{Name: name, Enabled: true, Params: p}
}

func TestORB_Directions(t *testing.T) {
	s := NewORB()
	in := func(close int64) Input {
		return Input{Market: orbMarket(at(15, 10, 0), close), Counter: NewDailyCounter("2026-10-15"), Params: tradeconfig.Params{}}
	}

	sig, err := s.Evaluate(in(10150))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, model.Long, sig.Direction)
	assert.Equal(t, int64(10150), sig.Price)

	sig, _ = s.Evaluate(in(9850))
	require.NotNil(t, sig)
	assert.Equal(t, model.Short, sig.Direction)

	sig, _ = s.Evaluate(in(10050))
	assert.Nil(t, sig, "inside the range")
}

func TestORB_RequiresFinalRangeAndVWAP(t *testing.T) {
	s := NewORB()
	m := orbMarket(at(15, 10, 0), 10150)
	m.OROk = false
	sig, err := s.Evaluate(Input{Market: m, Counter: NewDailyCounter("2026-10-15")})
	require.NoError(t, err)
	assert.Nil(t, sig)

	m = orbMarket(at(15, 10, 0), 10150)
	m.VWAPOk = false
	sig, _ = s.Evaluate(Input{Market: m, Counter: NewDailyCounter("2026-10-15")})
	assert.Nil(t, sig)
}

func TestORB_BreakoutAboveRangeButBelowVWAP(t *testing.T) {
	m := orbMarket(at(15, 10, 0), 10150)
	m.VWAP = 10200
	sig, _ := NewORB().Evaluate(Input{Market: m, Counter: NewDailyCounter("2026-10-15")})
	assert.Nil(t, sig)
}

func TestRouter_DailyLimitAndReset(t *testing.T) {
	r := NewRouter(NewORB())
	cfg := snapshot(enabled(NameORB, tradeconfig.Params{"max_trades_per_day_long": int64(1)}))

	first := r.Evaluate(orbMarket(at(15, 10, 0), 10150), cfg)
	second := r.Evaluate(orbMarket(at(15, 10, 5), 10200), cfg)
	require.Len(t, first, 1)
	assert.Empty(t, second, "limit of one long per day")
	assert.NotEmpty(t, first[0].ID)

	next := r.Evaluate(orbMarket(at(16, 10, 0), 10150), cfg)
	require.Len(t, next, 1, "counter resets on the next day")
	assert.Equal(t, model.Long, next[0].Direction)
}

func TestRouter_LimitsArePerDirection(t *testing.T) {
	r := NewRouter(NewORB())
	cfg := snapshot(enabled(NameORB, nil))

	assert.Len(t, r.Evaluate(orbMarket(at(15, 10, 0), 10150), cfg), 1)
	assert.Len(t, r.Evaluate(orbMarket(at(15, 10, 5), 9850), cfg), 1)
	assert.Empty(t, r.Evaluate(orbMarket(at(15, 10, 10), 9800), cfg))
}

func TestRouter_SkipsDisabledAndUnconfigured(t *testing.T) {
	r := NewRouter(NewORB(), NewCrossover())
	cfg := snapshot(tradeconfig.StrategyConfig{Name: NameORB, Enabled: false, Params: tradeconfig.Params{}})
	assert.Empty(t, r.Evaluate(orbMarket(at(15, 10, 0), 10150), cfg))
}

type panicky struct{}

func (panicky) Name() string                  { return "PANICKY" }
func (panicky) Evaluate(Input) (*Signal, error) { panic("boom") }

type failing struct{}

func (failing) Name() string                  { return "FAILING" }
func (failing) Evaluate(Input) (*Signal, error) { return nil, errors.New("bad params") }

func TestRouter_IsolatesFailures(t *testing.T) {
	r := NewRouter(panicky{}, failing{}, NewORB())
	var failed []string
	r.OnError = func(name string, err error) { failed = append(failed, name) }

	cfg := snapshot(enabled("PANICKY", nil), enabled("FAILING", nil), enabled(NameORB, nil))
	sigs := r.Evaluate(orbMarket(at(15, 10, 0), 10150), cfg)

	require.Len(t, sigs, 1)
	assert.Equal(t, NameORB, sigs[0].Strategy)
	assert.Equal(t, []string{"PANICKY", "FAILING"}, failed)
}

func TestRouter_RegistryOrder(t *testing.T) {
	r := NewRouter(NewCrossover())
	r.Register(NewORB())
	assert.Equal(t, []string{NameCrossover, NameORB}, r.Strategies())

	m := orbMarket(at(15, 10, 0), 10150)
	prev := candle(at(15, 9, 55), 9950)
	m.Prev = &prev

	sigs := r.Evaluate(m, snapshot(enabled(NameORB, nil), enabled(NameCrossover, nil)))
	require.Len(t, sigs, 2)
	assert.Equal(t, NameCrossover, sigs[0].Strategy)
	assert.Equal(t, NameORB, sigs[1].Strategy)
}

func TestRouter_SeedSurvivesRestart(t *testing.T) {
	r := NewRouter(NewORB())
	r.Seed(NameORB, "NFO:35001", "2026-10-15", model.Long, 1)
	assert.Empty(t, r.Evaluate(orbMarket(at(15, 10, 0), 10150), snapshot(enabled(NameORB, nil))))
}

func crossMarket(ts time.Time, prevClose, close int64) Market {
	prev := candle(ts.Add(-5*time.Minute), prevClose)
	return Market{
		Token: "35001", Exchange: "NFO", Class: model.ClassNifty,
		Candle: candle(ts, close), Prev: &prev,
		VWAP: 10000, VWAPOk: true,
	}
}

func crossInput(m Market, p tradeconfig.Params) Input {
	if p == nil {
		p = tradeconfig.Params{}
	}
	return Input{Market: m, Counter: NewDailyCounter("2026-10-15"), Params: p}
}

func TestCrossover_Directions(t *testing.T) {
	s := NewCrossover()

	sig, err := s.Evaluate(crossInput(crossMarket(at(15, 10, 0), 9950, 10050), nil))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, model.Long, sig.Direction)

	sig, _ = s.Evaluate(crossInput(crossMarket(at(15, 10, 0), 10050, 9950), nil))
	require.NotNil(t, sig)
	assert.Equal(t, model.Short, sig.Direction)

	sig, _ = s.Evaluate(crossInput(crossMarket(at(15, 10, 0), 10050, 10100), nil))
	assert.Nil(t, sig, "no cross")
}

func TestCrossover_RequiresAdjacentPrevious(t *testing.T) {
	m := crossMarket(at(15, 10, 0), 9950, 10050)
	gap := candle(at(15, 9, 50), 9950)
	m.Prev = &gap
	sig, _ := NewCrossover().Evaluate(crossInput(m, nil))
	assert.Nil(t, sig)

	m.Prev = nil
	sig, _ = NewCrossover().Evaluate(crossInput(m, nil))
	assert.Nil(t, sig)
}

func TestCrossover_TimeBand(t *testing.T) {
	s := NewCrossover()
	tests := []struct {
		name string
		ts   time.Time
		p    tradeconfig.Params
		want bool
	}{
		{"before floor", at(15, 9, 40), nil, false},
		{"at floor", at(15, 9, 45), nil, true},
		{"trade_after earlier than floor", at(15, 9, 30), tradeconfig.Params{"trade_after": markethours.Clock{Hour: 9, Minute: 15}}, false},
		{"before trade_after", at(15, 10, 0), tradeconfig.Params{"trade_after": markethours.Clock{Hour: 10, Minute: 30}}, false},
		{"at trade_before", at(15, 15, 0), nil, false},
		{"just before trade_before", at(15, 14, 55), nil, true},
		{"custom trade_before", at(15, 14, 0), tradeconfig.Params{"trade_before": markethours.Clock{Hour: 13, Minute: 0}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := s.Evaluate(crossInput(crossMarket(tt.ts, 9950, 10050), tt.p))
			require.NoError(t, err)
			assert.Equal(t, tt.want, sig != nil)
		})
	}
}

func TestCrossover_DirectionFilter(t *testing.T) {
	s := NewCrossover()
	up := tradeconfig.Params{"direction": "UP"}
	down := tradeconfig.Params{"direction": "down"}

	sig, _ := s.Evaluate(crossInput(crossMarket(at(15, 10, 0), 10050, 9950), up))
	assert.Nil(t, sig, "short cross blocked by UP")
	sig, _ = s.Evaluate(crossInput(crossMarket(at(15, 10, 0), 9950, 10050), up))
	assert.NotNil(t, sig)

	sig, _ = s.Evaluate(crossInput(crossMarket(at(15, 10, 0), 9950, 10050), down))
	assert.Nil(t, sig, "long cross blocked by DOWN")

	_, err := s.Evaluate(crossInput(crossMarket(at(15, 10, 0), 9950, 10050), tradeconfig.Params{"direction": "SIDEWAYS"}))
	assert.Error(t, err)
}

func TestTradeLimit_Precedence(t *testing.T) {
	p := tradeconfig.Params{
		"max_trades_per_day_long":                          int64(5),
		"max_trades_per_day_long_vwap_crossover":           int64(3),
		"max_trades_per_day_long_banknifty_vwap_crossover": int64(2),
	}
	assert.Equal(t, int64(2), TradeLimit(p, NameCrossover, model.ClassBankNifty, model.Long))
	assert.Equal(t, int64(3), TradeLimit(p, NameCrossover, model.ClassNifty, model.Long))
	assert.Equal(t, int64(5), TradeLimit(p, NameORB, model.ClassNifty, model.Long))
	assert.Equal(t, int64(DefaultTradeLimit), TradeLimit(p, NameORB, model.ClassNifty, model.Short))
}

func TestTradeLimit_MalformedValueWarns(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	p := tradeconfig.Params{
		"max_trades_per_day_long_vwap_orb": "three",
		"max_trades_per_day_long":          int64(5),
	}
	assert.Equal(t, int64(DefaultTradeLimit), TradeLimit(p, NameORB, model.ClassNifty, model.Long))
	assert.Contains(t, buf.String(), "trade limit is not an integer")
	assert.Contains(t, buf.String(), "max_trades_per_day_long_vwap_orb")

	buf.Reset()
	assert.Equal(t, int64(5), TradeLimit(p, NameCrossover, model.ClassNifty, model.Long))
	assert.Empty(t, buf.String())
}

func TestDailyCounter_Roll(t *testing.T) {
	c := NewDailyCounter("2026-10-15")
	c.Inc(model.Long)
	c.Roll("2026-10-15")
	assert.Equal(t, int64(1), c.Count(model.Long))
	c.Roll("2026-10-16")
	assert.Equal(t, int64(0), c.Count(model.Long))
	assert.True(t, c.Allow(model.Long, 1))
}
