// Package sqlite is the durable store: the signal audit trail, trades,
// positions, daily P&L, closed candles and performance marks.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Repository implements the persistence ports over one SQLite database.
type Repository struct {
	db  *sql.DB
	log *slog.Logger
}

var (
	_ model.Journal       = (*Repository)(nil)
	_ model.CandleWriter  = (*Repository)(nil)
	_ model.MarkStore     = (*Repository)(nil)
	_ model.SignalCounter = (*Repository)(nil)
)

// Open opens (or creates) the database in WAL mode and applies the schema.
func Open(path string) (*Repository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	r := &Repository{db: db, log: logger.Component("sqlite")}
	r.log.Info("opened database", "path", path)
	return r, nil
}

// DB returns the underlying sql.DB for health checks.
func (r *Repository) DB() *sql.DB { return r.db }

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// Close closes the database.
func (r *Repository) Close() error { return r.db.Close() }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id         TEXT    PRIMARY KEY,
			strategy   TEXT    NOT NULL,
			exchange   TEXT    NOT NULL,
			token      TEXT    NOT NULL,
			class      TEXT    NOT NULL,
			direction  TEXT    NOT NULL,
			price      INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			session    TEXT    NOT NULL,
			accepted   INTEGER NOT NULL,
			mode       TEXT,
			reason     TEXT
		);
		CREATE INDEX IF NOT EXISTS ix_signals_session ON signals (session, accepted);

		CREATE TABLE IF NOT EXISTS trades (
			trade_id       TEXT    PRIMARY KEY,
			strategy       TEXT    NOT NULL,
			class          TEXT    NOT NULL,
			token          TEXT    NOT NULL,
			trading_symbol TEXT    NOT NULL,
			direction      TEXT    NOT NULL,
			mode           TEXT    NOT NULL,
			qty            INTEGER NOT NULL,
			entry_price    INTEGER NOT NULL,
			entry_time     INTEGER NOT NULL,
			exit_price     INTEGER,
			exit_time      INTEGER,
			exit_reason    TEXT,
			pnl            INTEGER,
			order_ref      TEXT
		);
		CREATE INDEX IF NOT EXISTS ix_trades_strategy_time ON trades (strategy, entry_time);

		CREATE TABLE IF NOT EXISTS positions (
			position_id TEXT    PRIMARY KEY,
			strategy    TEXT    NOT NULL,
			underlying  TEXT    NOT NULL,
			open        INTEGER NOT NULL,
			entry_time  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			data        TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS ix_positions_open ON positions (open);

		CREATE TABLE IF NOT EXISTS daily_pnl (
			date       TEXT    NOT NULL,
			strategy   TEXT    NOT NULL,
			class      TEXT    NOT NULL,
			pnl        INTEGER NOT NULL DEFAULT 0,
			trades     INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (date, strategy, class)
		);

		CREATE TABLE IF NOT EXISTS candles (
			exchange    TEXT    NOT NULL,
			token       TEXT    NOT NULL,
			tf          INTEGER NOT NULL,
			ts          INTEGER NOT NULL,
			open        INTEGER NOT NULL,
			high        INTEGER NOT NULL,
			low         INTEGER NOT NULL,
			close       INTEGER NOT NULL,
			volume      INTEGER,
			ticks_count INTEGER,
			PRIMARY KEY (exchange, token, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS signal_marks (
			signal_id     TEXT    PRIMARY KEY,
			strategy      TEXT    NOT NULL,
			class         TEXT    NOT NULL,
			direction     TEXT    NOT NULL,
			exchange      TEXT    NOT NULL,
			option_token  TEXT    NOT NULL,
			option_symbol TEXT    NOT NULL,
			qty           INTEGER NOT NULL,
			entry_ltp     INTEGER NOT NULL,
			entry_time    INTEGER NOT NULL,
			last_ltp      INTEGER NOT NULL,
			last_time     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS ix_signal_marks_entry ON signal_marks (entry_time);
	`)
	return err
}

// ---- Signals ----

// SaveSignal appends an audit row. A repeated id is ignored.
func (r *Repository) SaveSignal(ctx context.Context, rec model.SignalRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals (id, strategy, exchange, token, class, direction, price, ts, session, accepted, mode, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Strategy, rec.Exchange, rec.Token, rec.Class, string(rec.Direction), rec.Price,
		rec.TS.Unix(), markethours.SessionDate(rec.TS), rec.Accepted, rec.Mode, rec.Reason)
	if err != nil {
		return fmt.Errorf("sqlite insert signal: %w", err)
	}
	return nil
}

// EmittedSignalCounts counts every audited signal of the IST day of date,
// accepted or not.
func (r *Repository) EmittedSignalCounts(ctx context.Context, date time.Time) ([]model.SignalCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT strategy, exchange, token, direction, COUNT(*)
		FROM signals
		WHERE session = ?
		GROUP BY strategy, exchange, token, direction
		ORDER BY strategy, exchange, token, direction`,
		markethours.SessionDate(date))
	if err != nil {
		return nil, fmt.Errorf("sqlite query signal counts: %w", err)
	}
	defer rows.Close()

	var out []model.SignalCount
	for rows.Next() {
		var sc model.SignalCount
		var exchange, token, dir string
		if err := rows.Scan(&sc.Strategy, &exchange, &token, &dir, &sc.Count); err != nil {
			return nil, fmt.Errorf("sqlite scan signal counts: %w", err)
		}
		sc.Instrument = exchange + ":" + token
		sc.Direction = model.Direction(dir)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ---- Trades & positions ----

// UpsertTrade inserts or updates a trade row by trade id.
func (r *Repository) UpsertTrade(ctx context.Context, t model.TradeRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades (trade_id, strategy, class, token, trading_symbol, direction, mode, qty,
			entry_price, entry_time, exit_price, exit_time, exit_reason, pnl, order_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			exit_price  = excluded.exit_price,
			exit_time   = excluded.exit_time,
			exit_reason = excluded.exit_reason,
			pnl         = excluded.pnl,
			order_ref   = COALESCE(NULLIF(excluded.order_ref, ''), trades.order_ref)`,
		t.TradeID, t.Strategy, t.Class, t.Token, t.TradingSymbol, string(t.Direction), t.Mode, t.Qty,
		t.EntryPrice, t.EntryTime.Unix(), nullInt(t.ExitPrice, !t.ExitTime.IsZero()), nullTime(t.ExitTime),
		nullString(t.ExitReason), nullInt(t.PnL, !t.ExitTime.IsZero()), t.OrderRef)
	if err != nil {
		return fmt.Errorf("sqlite upsert trade %s: %w", t.TradeID, err)
	}
	return nil
}

// Trade reads one trade row.
func (r *Repository) Trade(ctx context.Context, tradeID string) (model.TradeRecord, error) {
	var t model.TradeRecord
	var dir string
	var entry int64
	var exitPrice, exitTime, pnl sql.NullInt64
	var exitReason, orderRef sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT trade_id, strategy, class, token, trading_symbol, direction, mode, qty,
			entry_price, entry_time, exit_price, exit_time, exit_reason, pnl, order_ref
		FROM trades WHERE trade_id = ?`, tradeID).Scan(
		&t.TradeID, &t.Strategy, &t.Class, &t.Token, &t.TradingSymbol, &dir, &t.Mode, &t.Qty,
		&t.EntryPrice, &entry, &exitPrice, &exitTime, &exitReason, &pnl, &orderRef)
	if err != nil {
		return t, fmt.Errorf("sqlite read trade %s: %w", tradeID, err)
	}
	t.Direction = model.Direction(dir)
	t.EntryTime = time.Unix(entry, 0).UTC()
	t.ExitPrice = exitPrice.Int64
	if exitTime.Valid {
		t.ExitTime = time.Unix(exitTime.Int64, 0).UTC()
	}
	t.ExitReason = exitReason.String
	t.PnL = pnl.Int64
	t.OrderRef = orderRef.String
	return t, nil
}

// UpsertPosition stores the full position by id.
func (r *Repository) UpsertPosition(ctx context.Context, p model.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO positions (position_id, strategy, underlying, open, entry_time, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(position_id) DO UPDATE SET
			open       = excluded.open,
			updated_at = excluded.updated_at,
			data       = excluded.data`,
		p.ID, p.Strategy, p.Underlying, p.Open, p.EntryTime.Unix(), time.Now().Unix(), string(data))
	if err != nil {
		return fmt.Errorf("sqlite upsert position %s: %w", p.ID, err)
	}
	return nil
}

// LoadOpenPositions returns positions still marked open, oldest first.
func (r *Repository) LoadOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM positions WHERE open = 1 ORDER BY entry_time ASC, position_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query open positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite scan position: %w", err)
		}
		var p model.Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			r.log.Warn("skipping corrupt position row", "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- Daily P&L ----

// AddDailyPnL accumulates realized P&L (paise) for (date, strategy, class).
func (r *Repository) AddDailyPnL(ctx context.Context, date time.Time, strategy, class string, pnl int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_pnl (date, strategy, class, pnl, trades, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(date, strategy, class) DO UPDATE SET
			pnl        = daily_pnl.pnl + excluded.pnl,
			trades     = daily_pnl.trades + 1,
			updated_at = excluded.updated_at`,
		markethours.SessionDate(date), strategy, class, pnl, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite add daily pnl: %w", err)
	}
	return nil
}

// DailyPnLRow is one accumulated daily P&L row.
type DailyPnLRow struct {
	Date     string
	Strategy string
	Class    string
	Trades   int
	PnL      decimal.Decimal // rupees
}

// DailyPnL returns the rows for IST dates in [from, to].
func (r *Repository) DailyPnL(ctx context.Context, from, to time.Time) ([]DailyPnLRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT date, strategy, class, trades, pnl FROM daily_pnl
		WHERE date >= ? AND date <= ?
		ORDER BY date, strategy, class`,
		markethours.SessionDate(from), markethours.SessionDate(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite query daily pnl: %w", err)
	}
	defer rows.Close()

	var out []DailyPnLRow
	for rows.Next() {
		var row DailyPnLRow
		var paise int64
		if err := rows.Scan(&row.Date, &row.Strategy, &row.Class, &row.Trades, &paise); err != nil {
			return nil, fmt.Errorf("sqlite scan daily pnl: %w", err)
		}
		row.PnL = model.Rupees(paise)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ---- Candles ----

// SaveCandles upserts closed candles in one transaction.
func (r *Repository) SaveCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (exchange, token, tf, ts, open, high, low, close, volume, ticks_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.Exchange, c.Token, c.TF, c.TS.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume, c.TicksCount); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert candle: %w", err)
		}
	}
	return tx.Commit()
}

// RunCandles reads candles from ch and writes them in batched transactions.
// Flushes every batch size candles OR every flush delay, whichever first.
// Blocks until ctx is cancelled or ch is closed; the pending batch is
// flushed either way.
func (r *Repository) RunCandles(ctx context.Context, ch <-chan model.Candle) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		// A cancelled ctx must not lose the final batch.
		if err := r.SaveCandles(context.Background(), batch); err != nil {
			r.log.Error("candle batch insert failed", "count", len(batch), "error", err)
		} else {
			r.log.Debug("candles committed", "count", len(batch), "took", time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case c, ok := <-ch:
					if !ok {
						flush()
						return
					}
					batch = append(batch, c)
				default:
					flush()
					return
				}
			}
		case c, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// ReadCandles returns an instrument's candles of width tf (seconds) with
// start in [from, to), oldest first.
func (r *Repository) ReadCandles(ctx context.Context, exchange, token string, tf int, from, to time.Time) ([]model.Candle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token, exchange, tf, ts, open, high, low, close, volume, ticks_count
		FROM candles
		WHERE exchange = ? AND token = ? AND tf = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC`,
		exchange, token, tf, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		var ts int64
		var vol, ticks sql.NullInt64
		if err := rows.Scan(&c.Token, &c.Exchange, &c.TF, &ts, &c.Open, &c.High, &c.Low, &c.Close, &vol, &ticks); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		c.TS = time.Unix(ts, 0).In(markethours.IST)
		c.Volume = vol.Int64
		c.TicksCount = int(ticks.Int64)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- Performance marks ----

// UpsertMark stores a signal mark by signal id.
func (r *Repository) UpsertMark(ctx context.Context, m model.SignalMark) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signal_marks (signal_id, strategy, class, direction, exchange, option_token, option_symbol,
			qty, entry_ltp, entry_time, last_ltp, last_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signal_id) DO UPDATE SET
			last_ltp  = excluded.last_ltp,
			last_time = excluded.last_time`,
		m.SignalID, m.Strategy, m.Class, string(m.Direction), m.Exchange, m.OptionToken, m.OptionSymbol,
		m.Qty, m.EntryLTP, m.EntryTime.Unix(), m.LastLTP, m.LastTime.Unix())
	if err != nil {
		return fmt.Errorf("sqlite upsert mark %s: %w", m.SignalID, err)
	}
	return nil
}

// LoadMarks returns marks with entry time in [from, to], oldest first.
func (r *Repository) LoadMarks(ctx context.Context, from, to time.Time) ([]model.SignalMark, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT signal_id, strategy, class, direction, exchange, option_token, option_symbol,
			qty, entry_ltp, entry_time, last_ltp, last_time
		FROM signal_marks
		WHERE entry_time >= ? AND entry_time <= ?
		ORDER BY entry_time ASC, signal_id ASC`,
		from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query marks: %w", err)
	}
	defer rows.Close()

	var out []model.SignalMark
	for rows.Next() {
		var m model.SignalMark
		var dir string
		var entry, last int64
		if err := rows.Scan(&m.SignalID, &m.Strategy, &m.Class, &dir, &m.Exchange, &m.OptionToken, &m.OptionSymbol,
			&m.Qty, &m.EntryLTP, &entry, &m.LastLTP, &last); err != nil {
			return nil, fmt.Errorf("sqlite scan marks: %w", err)
		}
		m.Direction = model.Direction(dir)
		m.EntryTime = time.Unix(entry, 0).In(markethours.IST)
		m.LastTime = time.Unix(last, 0).In(markethours.IST)
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullInt(v int64, valid bool) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: valid}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
