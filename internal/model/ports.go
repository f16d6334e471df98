package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple trading logic from concrete storage
// implementations (SQLite, Redis). Writes through them are best-effort:
// callers log failures and never undo the in-memory decision.

// SignalRecord is one audit row for a routed signal.
type SignalRecord struct {
	ID        string    `json:"id"`
	Strategy  string    `json:"strategy"`
	Exchange  string    `json:"exchange"`
	Token     string    `json:"token"`
	Class     string    `json:"class"`
	Direction Direction `json:"direction"`
	Price     int64     `json:"price"` // paise
	TS        time.Time `json:"ts"`
	Accepted  bool      `json:"accepted"`
	Mode      string    `json:"mode"`
	Reason    string    `json:"reason"`
}

// TradeRecord is one trade row keyed by its deterministic trade id.
type TradeRecord struct {
	TradeID       string    `json:"trade_id"`
	Strategy      string    `json:"strategy"`
	Class         string    `json:"class"`
	Token         string    `json:"token"`
	TradingSymbol string    `json:"trading_symbol"`
	Direction     Direction `json:"direction"`
	Mode          string    `json:"mode"` // PAPER, LIVE
	Qty           int64     `json:"qty"`
	EntryPrice    int64     `json:"entry_price"`
	EntryTime     time.Time `json:"entry_time"`
	ExitPrice     int64     `json:"exit_price"`
	ExitTime      time.Time `json:"exit_time"`
	ExitReason    string    `json:"exit_reason"`
	PnL           int64     `json:"pnl"`
	OrderRef      string    `json:"order_ref"`
}

// SignalWriter persists the signal audit trail.
type SignalWriter interface {
	SaveSignal(ctx context.Context, rec SignalRecord) error
}

// TradeWriter upserts trade rows by trade id.
type TradeWriter interface {
	UpsertTrade(ctx context.Context, rec TradeRecord) error
}

// PositionStore upserts positions by id and reloads open ones on startup.
type PositionStore interface {
	UpsertPosition(ctx context.Context, p Position) error
	LoadOpenPositions(ctx context.Context) ([]Position, error)
}

// PnLWriter accumulates realized P&L per (date, strategy, class).
type PnLWriter interface {
	AddDailyPnL(ctx context.Context, date time.Time, strategy, class string, pnl int64) error
}

// CandleWriter persists closed candles.
type CandleWriter interface {
	SaveCandles(ctx context.Context, candles []Candle) error
}

// SnapshotStore reads and writes indicator snapshots as raw JSON, one per
// session date. Using []byte avoids a model→indicator import cycle.
type SnapshotStore interface {
	SaveSnapshotJSON(ctx context.Context, session string, data []byte) error
	// LoadSnapshotJSON returns nil, nil if no snapshot exists.
	LoadSnapshotJSON(ctx context.Context, session string) ([]byte, error)
}

// SignalCount is the number of signals one (strategy, instrument,
// direction) emitted on a day, whatever their routing outcome.
type SignalCount struct {
	Strategy   string
	Instrument string // "exchange:token"
	Direction  Direction
	Count      int
}

// SignalCounter reads back the day's emitted signals after a restart. The
// daily limits count every emitted signal, so the counts include rejected
// and dropped ones.
type SignalCounter interface {
	EmittedSignalCounts(ctx context.Context, date time.Time) ([]SignalCount, error)
}

// SignalMark follows the option premium of an accepted signal.
type SignalMark struct {
	SignalID     string    `json:"signal_id"`
	Strategy     string    `json:"strategy"`
	Class        string    `json:"class"`
	Direction    Direction `json:"direction"`
	Exchange     string    `json:"exchange"`
	OptionToken  string    `json:"option_token"`
	OptionSymbol string    `json:"option_symbol"`
	Qty          int64     `json:"qty"`
	EntryLTP     int64     `json:"entry_ltp"` // paise
	EntryTime    time.Time `json:"entry_time"`
	LastLTP      int64     `json:"last_ltp"` // paise
	LastTime     time.Time `json:"last_time"`
}

// Points is the premium move since entry, in paise. Both directions buy
// an option, so a rising premium is a gain either way.
func (m SignalMark) Points() int64 { return m.LastLTP - m.EntryLTP }

// MarkStore persists signal marks.
type MarkStore interface {
	UpsertMark(ctx context.Context, m SignalMark) error
	// LoadMarks returns marks whose entry time is in [from, to].
	LoadMarks(ctx context.Context, from, to time.Time) ([]SignalMark, error)
}

// Journal is the full persistence collaborator.
type Journal interface {
	SignalWriter
	TradeWriter
	PositionStore
	PnLWriter
}
