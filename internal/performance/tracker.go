// Package performance follows the option premium of every accepted signal
// and summarises it per strategy and index over reporting periods.
package performance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"intraday-runtime/internal/execution"
	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/strategy"
)

// ErrBadPeriod is returned for an unknown period or a custom period
// without bounds.
var ErrBadPeriod = errors.New("performance: bad period")

// Resolver picks the ATM option for a paper signal.
type Resolver interface {
	Resolve(ctx context.Context, class string, dir model.Direction, minExpiryDays int, exclude map[int64]bool, now time.Time) (model.Instrument, error)
}

// Tracker records an entry mark for each accepted signal and refreshes the
// marks of the current session.
type Tracker struct {
	resolver Resolver
	quoter   execution.Quoter
	store    model.MarkStore
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu      sync.Mutex
	session string
	marks   map[string]*model.SignalMark // signal id → mark, current session only
}

// NewTracker creates a tracker. store may be nil (marks stay in memory).
func NewTracker(resolver Resolver, quoter execution.Quoter, store model.MarkStore, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Tracker{
		resolver: resolver,
		quoter:   quoter,
		store:    store,
		timeout:  timeout,
		now:      time.Now,
		log:      logger.Component("performance"),
		marks:    make(map[string]*model.SignalMark),
	}
}

// Restore reloads the current session's marks after a restart.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	now := t.now()
	marks, err := t.store.LoadMarks(ctx, markethours.StartOfDay(now), now)
	if err != nil {
		return fmt.Errorf("load marks: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollSession(now)
	for i := range marks {
		m := marks[i]
		t.marks[m.SignalID] = &m
	}
	t.log.Info("marks restored", "session", t.session, "count", len(marks))
	return nil
}

// Record stores the entry mark of an accepted signal. Live positions are
// marked on the option they hold. Paper positions are marked on the ATM
// option the signal would have bought. Rejected signals are ignored.
func (t *Tracker) Record(ctx context.Context, sig strategy.Signal, out execution.Outcome) error {
	if !out.Accepted() || out.Position == nil {
		return nil
	}
	pos := out.Position
	now := t.now()
	mark := model.SignalMark{
		SignalID:  sig.ID,
		Strategy:  sig.Strategy,
		Class:     sig.Class,
		Direction: sig.Direction,
		Qty:       pos.Qty,
		EntryTime: now,
		LastTime:  now,
	}

	if pos.Live() {
		mark.Exchange = pos.Exchange
		mark.OptionToken = pos.Token
		mark.OptionSymbol = pos.TradingSymbol
		mark.EntryLTP = pos.EntryPrice
	} else {
		opt, err := t.resolver.Resolve(ctx, sig.Class, sig.Direction, 0, nil, now)
		if err != nil {
			return fmt.Errorf("resolve mark option for %s: %w", sig.ID, err)
		}
		ltp, err := t.quote(ctx, opt.Exchange, opt.TradingSymbol, opt.Token)
		if err != nil {
			return fmt.Errorf("entry mark for %s: %w", sig.ID, err)
		}
		mark.Exchange = opt.Exchange
		mark.OptionToken = opt.Token
		mark.OptionSymbol = opt.TradingSymbol
		mark.EntryLTP = ltp
	}
	mark.LastLTP = mark.EntryLTP

	t.mu.Lock()
	t.rollSession(now)
	t.marks[mark.SignalID] = &mark
	t.mu.Unlock()

	t.save(ctx, mark)
	t.log.Info("signal marked",
		"signal_id", mark.SignalID,
		"strategy", mark.Strategy,
		"option", mark.OptionSymbol,
		"entry_ltp", mark.EntryLTP)
	return nil
}

// Update refreshes the last LTP of every mark in the current session.
// Quote failures leave that mark unchanged.
func (t *Tracker) Update(ctx context.Context) int {
	now := t.now()
	t.mu.Lock()
	t.rollSession(now)
	pending := make([]model.SignalMark, 0, len(t.marks))
	for _, m := range t.marks {
		pending = append(pending, *m)
	}
	t.mu.Unlock()

	updated := 0
	for _, m := range pending {
		ltp, err := t.quote(ctx, m.Exchange, m.OptionSymbol, m.OptionToken)
		if err != nil {
			t.log.Debug("mark update skipped", "option", m.OptionSymbol, "error", err)
			continue
		}
		m.LastLTP, m.LastTime = ltp, now

		t.mu.Lock()
		if cur, ok := t.marks[m.SignalID]; ok {
			cur.LastLTP, cur.LastTime = ltp, now
		}
		t.mu.Unlock()

		t.save(ctx, m)
		updated++
	}
	return updated
}

// Marks returns a copy of the current session's marks.
func (t *Tracker) Marks() []model.SignalMark {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.SignalMark, 0, len(t.marks))
	for _, m := range t.marks {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// rollSession drops the previous day's marks. Caller holds mu.
func (t *Tracker) rollSession(now time.Time) {
	day := markethours.SessionDate(now)
	if t.session != day {
		t.session = day
		t.marks = make(map[string]*model.SignalMark)
	}
}

func (t *Tracker) quote(ctx context.Context, exchange, symbol, token string) (int64, error) {
	qctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ltp, err := t.quoter.LTP(qctx, exchange, symbol, token)
	if err != nil {
		return 0, err
	}
	if ltp <= 0 {
		return 0, fmt.Errorf("no ltp for %s", symbol)
	}
	return ltp, nil
}

func (t *Tracker) save(ctx context.Context, m model.SignalMark) {
	if t.store == nil {
		return
	}
	if err := t.store.UpsertMark(ctx, m); err != nil {
		t.log.Warn("mark write failed", "signal_id", m.SignalID, "error", err)
	}
}

// SummaryRow aggregates the marks of one (strategy, index).
type SummaryRow struct {
	Strategy string          `json:"strategy"`
	Class    string          `json:"index"`
	Signals  int             `json:"signals"`
	Wins     int             `json:"wins"`
	Losses   int             `json:"losses"`
	Points   decimal.Decimal `json:"points"` // premium rupees per unit
	PnL      decimal.Decimal `json:"pnl"`    // points × qty
}

// Period names accepted by Summary.
const (
	PeriodDay     = "1d"
	PeriodWeek    = "1w"
	PeriodMonth   = "1m"
	PeriodQuarter = "1q"
	PeriodYTD     = "ytd"
	PeriodYear    = "1y"
	PeriodCustom  = "custom"
)

// PeriodRange returns the inclusive [from, to] window of period ending at
// now. Custom periods use start and end as given.
func PeriodRange(period string, start, end, now time.Time) (time.Time, time.Time, error) {
	switch period {
	case PeriodDay:
		return now.Add(-24 * time.Hour), now, nil
	case PeriodWeek:
		return now.AddDate(0, 0, -7), now, nil
	case PeriodMonth:
		return now.AddDate(0, 0, -30), now, nil
	case PeriodQuarter:
		return now.AddDate(0, 0, -90), now, nil
	case PeriodYTD:
		ist := now.In(markethours.IST)
		return time.Date(ist.Year(), time.January, 1, 0, 0, 0, 0, markethours.IST), now, nil
	case PeriodYear:
		return now.AddDate(0, 0, -365), now, nil
	case PeriodCustom:
		if start.IsZero() || end.IsZero() {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: custom needs start and end", ErrBadPeriod)
		}
		if end.Before(start) {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: end before start", ErrBadPeriod)
		}
		return start, end, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrBadPeriod, period)
}

// Summary groups the stored marks of period by (strategy, index).
func (t *Tracker) Summary(ctx context.Context, period string, start, end time.Time) ([]SummaryRow, error) {
	from, to, err := PeriodRange(period, start, end, t.now())
	if err != nil {
		return nil, err
	}
	var marks []model.SignalMark
	if t.store != nil {
		marks, err = t.store.LoadMarks(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("load marks: %w", err)
		}
	} else {
		for _, m := range t.Marks() {
			if !m.EntryTime.Before(from) && !m.EntryTime.After(to) {
				marks = append(marks, m)
			}
		}
	}
	return Summarize(marks), nil
}

// Summarize groups marks by (strategy, index), sorted by both.
func Summarize(marks []model.SignalMark) []SummaryRow {
	type key struct{ strategy, class string }
	type acc struct {
		signals, wins, losses int
		points, pnl           int64
	}
	groups := make(map[key]*acc)
	for _, m := range marks {
		k := key{m.Strategy, m.Class}
		a, ok := groups[k]
		if !ok {
			a = &acc{}
			groups[k] = a
		}
		p := m.Points()
		a.signals++
		switch {
		case p > 0:
			a.wins++
		case p < 0:
			a.losses++
		}
		a.points += p
		a.pnl += p * m.Qty
	}

	rows := make([]SummaryRow, 0, len(groups))
	for k, a := range groups {
		rows = append(rows, SummaryRow{
			Strategy: k.strategy,
			Class:    k.class,
			Signals:  a.signals,
			Wins:     a.wins,
			Losses:   a.losses,
			Points:   model.Rupees(a.points),
			PnL:      model.Rupees(a.pnl),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Strategy != rows[j].Strategy {
			return rows[i].Strategy < rows[j].Strategy
		}
		return rows[i].Class < rows[j].Class
	})
	return rows
}
