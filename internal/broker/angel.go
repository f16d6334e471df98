package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
	"intraday-runtime/pkg/smartapi"
)

// Credentials are the Angel One login secrets.
type Credentials struct {
	ClientCode string
	Password   string // MPIN
	TOTPSecret string // base32 seed of the authenticator
}

// Angel implements Broker over the SmartAPI REST client. Every call is
// bounded by a timeout and guarded by a circuit breaker; an expired session
// is renewed by a fresh TOTP login and the call retried once.
type Angel struct {
	client  *smartapi.Client
	creds   Credentials
	breaker *CircuitBreaker
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger

	// OnCall observes every broker call (optional, used for metrics).
	OnCall func(op string, took time.Duration, err error)
}

var _ Broker = (*Angel)(nil)

// NewAngel creates the adapter. timeout bounds each call.
func NewAngel(client *smartapi.Client, creds Credentials, timeout time.Duration) *Angel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Angel{
		client:  client,
		creds:   creds,
		breaker: NewCircuitBreaker(5, 30*time.Second),
		timeout: timeout,
		now:     time.Now,
		log:     logger.Component("broker"),
	}
}

// Breaker exposes the circuit breaker (for state metrics).
func (a *Angel) Breaker() *CircuitBreaker { return a.breaker }

// Login authenticates with a TOTP generated from the configured secret.
func (a *Angel) Login(ctx context.Context) (smartapi.Session, error) {
	code, err := totp.GenerateCode(a.creds.TOTPSecret, a.now())
	if err != nil {
		return smartapi.Session{}, fmt.Errorf("broker: totp: %w", err)
	}
	lctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	sess, err := a.client.Login(lctx, a.creds.ClientCode, a.creds.Password, code)
	if err != nil {
		return smartapi.Session{}, fmt.Errorf("broker: login: %w", err)
	}
	return sess, nil
}

// call runs fn with a timeout through the breaker.
func (a *Angel) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	run := func() error {
		return a.breaker.Execute(func() error {
			cctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			return fn(cctx)
		})
	}
	err := run()
	if errors.Is(err, smartapi.ErrTokenExpired) && a.creds.TOTPSecret != "" {
		a.log.Warn("session expired, logging in again", "op", op)
		if _, lerr := a.Login(ctx); lerr == nil {
			err = run()
		} else {
			err = fmt.Errorf("%w (relogin: %v)", err, lerr)
		}
	}
	if a.OnCall != nil {
		a.OnCall(op, time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("broker: %s: %w", op, err)
	}
	return nil
}

// HistoricalCandles fetches candles for [From, To].
func (a *Angel) HistoricalCandles(ctx context.Context, req model.CandleRequest) ([]model.Candle, error) {
	tf := IntervalSeconds(req.Interval)
	if tf == 0 {
		return nil, fmt.Errorf("broker: unsupported interval %q", req.Interval)
	}
	const layout = "2006-01-02 15:04"
	params := smartapi.CandleParams{
		Exchange:    req.Exchange,
		SymbolToken: req.Token,
		Interval:    req.Interval,
		FromDate:    req.From.In(markethours.IST).Format(layout),
		ToDate:      req.To.In(markethours.IST).Format(layout),
	}
	var rows []smartapi.CandleRow
	err := a.call(ctx, "candles", func(ctx context.Context) error {
		var err error
		rows, err = a.client.CandleData(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Candle{
			Token:      req.Token,
			Exchange:   req.Exchange,
			TF:         tf,
			TS:         r.TS,
			Open:       model.PaiseFromFloat(r.Open),
			High:       model.PaiseFromFloat(r.High),
			Low:        model.PaiseFromFloat(r.Low),
			Close:      model.PaiseFromFloat(r.Close),
			Volume:     r.Volume,
			TicksCount: 1,
		})
	}
	return out, nil
}

// PlaceOrder places a regular day order.
func (a *Angel) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	params := smartapi.OrderParams{
		Variety:         "NORMAL",
		TradingSymbol:   req.TradingSymbol,
		SymbolToken:     req.Token,
		TransactionType: req.Side,
		Exchange:        req.Exchange,
		OrderType:       req.OrderType,
		ProductType:     req.ProductType,
		Duration:        "DAY",
		Quantity:        strconv.FormatInt(req.Qty, 10),
	}
	var id string
	err := a.call(ctx, "place_order", func(ctx context.Context) error {
		var err error
		id, err = a.client.PlaceOrder(ctx, params)
		return err
	})
	if err != nil {
		return "", err
	}
	a.log.Info("order placed", "order_id", id, "side", req.Side, "symbol", req.TradingSymbol, "qty", req.Qty)
	return id, nil
}

// Positions returns the broker's net position report.
func (a *Angel) Positions(ctx context.Context) ([]model.BrokerPosition, error) {
	var rows []smartapi.PositionRow
	err := a.call(ctx, "positions", func(ctx context.Context) error {
		var err error
		rows, err = a.client.Positions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.BrokerPosition, 0, len(rows))
	for _, r := range rows {
		qty, err := strconv.ParseInt(strings.TrimSpace(r.NetQty), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("broker: positions: netqty %q for %s: %w", r.NetQty, r.TradingSymbol, err)
		}
		out = append(out, model.BrokerPosition{
			Token:         r.SymbolToken,
			Exchange:      r.Exchange,
			TradingSymbol: r.TradingSymbol,
			NetQty:        qty,
			LastPrice:     paiseOf(r.LTP),
		})
	}
	return out, nil
}

// Instruments returns the NFO derivatives of the scrip master.
func (a *Angel) Instruments(ctx context.Context) ([]model.Instrument, error) {
	// The scrip master is a large static download and skips the call timeout.
	start := time.Now()
	rows, err := a.client.ScripMaster(ctx)
	if a.OnCall != nil {
		a.OnCall("instruments", time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("broker: instruments: %w", err)
	}
	out := make([]model.Instrument, 0, len(rows)/4)
	for _, r := range rows {
		if in, ok := InstrumentOf(r); ok {
			out = append(out, in)
		}
	}
	return out, nil
}

// LTP returns the last traded price in paise.
func (a *Angel) LTP(ctx context.Context, exchange, tradingSymbol, token string) (int64, error) {
	var ltp float64
	err := a.call(ctx, "ltp", func(ctx context.Context) error {
		var err error
		ltp, err = a.client.LTP(ctx, exchange, tradingSymbol, token)
		return err
	})
	if err != nil {
		return 0, err
	}
	return model.PaiseFromFloat(ltp), nil
}

// InstrumentOf maps a scrip master row. Only NFO index futures and options
// are kept.
func InstrumentOf(r smartapi.ScripRow) (model.Instrument, bool) {
	if r.ExchSeg != "NFO" || (r.InstrumentType != "FUTIDX" && r.InstrumentType != "OPTIDX") {
		return model.Instrument{}, false
	}
	in := model.Instrument{
		Token:          r.Token,
		Exchange:       r.ExchSeg,
		TradingSymbol:  r.Symbol,
		Name:           strings.ToUpper(strings.TrimSpace(r.Name)),
		InstrumentType: r.InstrumentType,
		TickSize:       roundOf(r.TickSize),
	}
	if r.InstrumentType == "OPTIDX" {
		switch {
		case strings.HasSuffix(r.Symbol, model.OptionCall):
			in.OptionType = model.OptionCall
		case strings.HasSuffix(r.Symbol, model.OptionPut):
			in.OptionType = model.OptionPut
		default:
			return model.Instrument{}, false
		}
		in.Strike = roundOf(r.Strike)
	}
	if lot, err := strconv.Atoi(strings.TrimSpace(r.LotSize)); err == nil {
		in.LotSize = lot
	}
	exp, err := time.ParseInLocation("02Jan2006", strings.TrimSpace(r.Expiry), markethours.IST)
	if err != nil {
		return model.Instrument{}, false
	}
	in.Expiry = exp
	return in, true
}

// roundOf parses a decimal string already scaled to paise.
func roundOf(s string) int64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return int64(math.Round(f))
}

// paiseOf parses a rupee decimal string.
func paiseOf(s string) int64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return model.PaiseFromFloat(f)
}
