package portfolio

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

// PnLRow is the realized P&L of one (strategy, class) for the day.
type PnLRow struct {
	Strategy string          `json:"strategy"`
	Class    string          `json:"class"`
	Trades   int             `json:"trades"`
	Wins     int             `json:"wins"`
	PnL      decimal.Decimal `json:"pnl"` // rupees
}

type pnlKey struct{ strategy, class string }

// PnLLedger accumulates realized P&L per (strategy, class) for the current
// IST date and mirrors every exit into the daily_pnl table.
type PnLLedger struct {
	mu     sync.Mutex
	day    string
	rows   map[pnlKey]*PnLRow
	writer model.PnLWriter // optional
	log    *slog.Logger
}

// NewPnLLedger creates a ledger. writer may be nil.
func NewPnLLedger(writer model.PnLWriter) *PnLLedger {
	return &PnLLedger{
		rows:   make(map[pnlKey]*PnLRow),
		writer: writer,
		log:    logger.Component("pnl"),
	}
}

// Record adds a closed position's realized P&L.
func (l *PnLLedger) Record(ctx context.Context, p model.Position) {
	day := markethours.SessionDate(p.ExitTime)
	l.mu.Lock()
	if l.day != day {
		l.day = day
		l.rows = make(map[pnlKey]*PnLRow)
	}
	k := pnlKey{p.Strategy, p.Class}
	row, ok := l.rows[k]
	if !ok {
		row = &PnLRow{Strategy: p.Strategy, Class: p.Class}
		l.rows[k] = row
	}
	row.Trades++
	if p.PnL > 0 {
		row.Wins++
	}
	row.PnL = row.PnL.Add(model.Rupees(p.PnL))
	l.mu.Unlock()

	if l.writer == nil {
		return
	}
	if err := l.writer.AddDailyPnL(ctx, markethours.StartOfDay(p.ExitTime), p.Strategy, p.Class, p.PnL); err != nil {
		l.log.Warn("daily pnl write failed", "position", p.ID, "error", err)
	}
}

// Summary returns today's rows ordered by strategy then class.
func (l *PnLLedger) Summary() []PnLRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PnLRow, 0, len(l.rows))
	for _, r := range l.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		return out[i].Class < out[j].Class
	})
	return out
}

// Total returns today's realized P&L in rupees.
func (l *PnLLedger) Total() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, r := range l.rows {
		total = total.Add(r.PnL)
	}
	return total
}

// Recorder writes position lifecycle events to the journal. Every write is
// best-effort: failures are logged and never undo the in-memory decision.
type Recorder struct {
	journal model.Journal // optional
	ledger  *PnLLedger    // optional
	log     *slog.Logger
}

// NewRecorder creates a recorder. Both collaborators may be nil.
func NewRecorder(journal model.Journal, ledger *PnLLedger) *Recorder {
	return &Recorder{journal: journal, ledger: ledger, log: logger.Component("journal")}
}

// Opened records a new position.
func (r *Recorder) Opened(ctx context.Context, p model.Position) {
	if r.journal == nil {
		return
	}
	if err := r.journal.UpsertTrade(ctx, TradeRecordOf(p)); err != nil {
		r.log.Warn("trade entry write failed", "trade_id", p.ID, "error", err)
	}
	if err := r.journal.UpsertPosition(ctx, p); err != nil {
		r.log.Warn("position open write failed", "position", p.ID, "error", err)
	}
}

// Updated persists a changed open position (trailing mark).
func (r *Recorder) Updated(ctx context.Context, p model.Position) {
	if r.journal == nil {
		return
	}
	if err := r.journal.UpsertPosition(ctx, p); err != nil {
		r.log.Debug("position update write failed", "position", p.ID, "error", err)
	}
}

// Closed records an exit and accumulates its P&L.
func (r *Recorder) Closed(ctx context.Context, p model.Position) {
	if r.ledger != nil {
		r.ledger.Record(ctx, p)
	}
	if r.journal == nil {
		return
	}
	if err := r.journal.UpsertTrade(ctx, TradeRecordOf(p)); err != nil {
		r.log.Warn("trade exit write failed", "trade_id", p.ID, "error", err)
	}
	if err := r.journal.UpsertPosition(ctx, p); err != nil {
		r.log.Warn("position close write failed", "position", p.ID, "error", err)
	}
}

// TradeRecordOf maps a position to its trade row. The trade id is the
// position id.
func TradeRecordOf(p model.Position) model.TradeRecord {
	rec := model.TradeRecord{
		TradeID:       p.ID,
		Strategy:      p.Strategy,
		Class:         p.Class,
		Token:         p.Token,
		TradingSymbol: p.TradingSymbol,
		Direction:     p.Direction,
		Mode:          ModeOf(p),
		Qty:           p.Qty,
		EntryPrice:    p.EntryPrice,
		EntryTime:     p.EntryTime,
		OrderRef:      p.BrokerOrderRef,
	}
	if !p.Open {
		rec.ExitPrice = p.ExitPrice
		rec.ExitTime = p.ExitTime
		rec.ExitReason = p.ExitReason
		rec.PnL = p.PnL
	}
	return rec
}

// TradeID builds the deterministic trade id STRATEGY-TOKEN-YYYYMMDD-HHMM
// from the entry time in IST.
func TradeID(strategy, token string, entry time.Time) string {
	ist := entry.In(markethours.IST)
	return strategy + "-" + token + "-" + ist.Format("20060102") + "-" + ist.Format("1504")
}
