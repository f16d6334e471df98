package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/portfolio"
	"intraday-runtime/internal/strategy"
	"intraday-runtime/internal/tradeconfig"
)

// ErrReconcile is returned when a live entry cannot confirm broker state.
var ErrReconcile = errors.New("execution: reconcile before entry failed")

// OrderPlacer places broker orders and returns the broker order id.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error)
}

// Reconciler brings the book in line with the broker.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]model.Position, error)
}

// LiveEngine buys option contracts through the broker. Both directions are
// entered as a MARKET BUY of the resolved option (CE for long, PE for short)
// and exited with a MARKET SELL of the same contract.
type LiveEngine struct {
	book       *portfolio.Book
	orders     OrderPlacer
	quoter     Quoter
	resolver   *OptionResolver
	reconciler Reconciler
	rec        *portfolio.Recorder
	timeout    time.Duration
	now        func() time.Time
	log        *slog.Logger

	// OnOrder is called after every order attempt (optional).
	OnOrder func(req model.OrderRequest, ref string, err error)
}

// NewLiveEngine creates a live engine. timeout bounds each broker call.
func NewLiveEngine(book *portfolio.Book, orders OrderPlacer, quoter Quoter, resolver *OptionResolver, reconciler Reconciler, rec *portfolio.Recorder, timeout time.Duration) *LiveEngine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LiveEngine{
		book:       book,
		orders:     orders,
		quoter:     quoter,
		resolver:   resolver,
		reconciler: reconciler,
		rec:        rec,
		timeout:    timeout,
		now:        time.Now,
		log:        logger.Component("live"),
	}
}

// Enter reconciles with the broker, refuses a duplicate, resolves the
// option contract and buys it at market.
func (l *LiveEngine) Enter(ctx context.Context, sig strategy.Signal, d tradeconfig.Directive) (model.Position, error) {
	if l.reconciler != nil {
		if _, err := l.reconciler.Reconcile(ctx); err != nil {
			return model.Position{}, fmt.Errorf("%w: %v", ErrReconcile, err)
		}
	}
	owner := model.OwnerKey(sig.Strategy, sig.Key())
	if l.book.HasOpen(sig.Strategy, sig.Key()) {
		return model.Position{}, fmt.Errorf("%w: %s", portfolio.ErrDuplicate, owner)
	}

	contract, err := l.resolver.Resolve(ctx, sig.Class, sig.Direction, d.MinExpiryDays,
		l.book.OpenStrikes(sig.Class, sig.Direction, owner), l.now())
	if err != nil {
		return model.Position{}, err
	}

	req := model.OrderRequest{
		Token:         contract.Token,
		Exchange:      contract.Exchange,
		TradingSymbol: contract.TradingSymbol,
		Side:          model.SideBuy,
		OrderType:     model.OrderTypeMarket,
		ProductType:   model.ProductIntraday,
		Qty:           d.Qty,
	}
	entry := l.quote(ctx, contract.Exchange, contract.TradingSymbol, contract.Token)
	ref, err := l.place(ctx, req)
	if err != nil {
		return model.Position{}, fmt.Errorf("execution: live entry %s: %w", contract.TradingSymbol, err)
	}

	pos := model.Position{
		ID:             portfolio.TradeID(sig.Strategy, sig.Token, sig.TS),
		Strategy:       sig.Strategy,
		Class:          sig.Class,
		Underlying:     sig.Key(),
		Token:          contract.Token,
		Exchange:       contract.Exchange,
		TradingSymbol:  contract.TradingSymbol,
		Strike:         contract.Strike,
		Direction:      sig.Direction,
		Qty:            d.Qty,
		EntryPrice:     entry,
		EntryTime:      sig.TS,
		Open:           true,
		BestPrice:      sig.Price, // trailing runs on the underlying
		TrailEnabled:   d.TrailEnabled,
		TrailPoints:    d.TrailPoints,
		BrokerOrderRef: ref,
	}
	if err := l.book.Add(pos); err != nil {
		// The order is already at the broker; the reconciler owns it now.
		l.log.Error("live position not booked", "position", pos.ID, "order_ref", ref, "error", err)
		return pos, err
	}
	l.rec.Opened(ctx, pos)
	l.log.Info("live entry",
		"position", pos.ID,
		"symbol", pos.TradingSymbol,
		"qty", pos.Qty,
		"order_ref", ref,
		"ltp", entry)
	return pos, nil
}

// Exit sells the held option at market. The position is claimed in the book
// first, so a position already closed (by the reconciler or another exit)
// never gets a SELL. If the order fails the position stays open and the
// error is returned so the next candle retries.
func (l *LiveEngine) Exit(ctx context.Context, pos model.Position, _ int64, at time.Time, reason string) (model.Position, error) {
	claimed, err := l.book.BeginExit(pos.ID)
	if err != nil {
		return pos, err
	}
	pos = claimed
	req := model.OrderRequest{
		Token:         pos.Token,
		Exchange:      pos.Exchange,
		TradingSymbol: pos.TradingSymbol,
		Side:          model.SideSell,
		OrderType:     model.OrderTypeMarket,
		ProductType:   model.ProductIntraday,
		Qty:           pos.Qty,
	}
	exit := l.quote(ctx, pos.Exchange, pos.TradingSymbol, pos.Token)
	if _, err := l.place(ctx, req); err != nil {
		l.book.AbortExit(pos.ID)
		return pos, fmt.Errorf("execution: live exit %s: %w", pos.TradingSymbol, err)
	}
	if exit <= 0 {
		exit = pos.EntryPrice
	}
	closed, err := l.book.Close(pos.ID, exit, at, reason)
	if err != nil {
		return pos, err
	}
	l.rec.Closed(ctx, closed)
	return closed, nil
}

func (l *LiveEngine) place(ctx context.Context, req model.OrderRequest) (string, error) {
	octx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	ref, err := l.orders.PlaceOrder(octx, req)
	if err == nil && ref == "" {
		err = errors.New("empty order id")
	}
	if l.OnOrder != nil {
		l.OnOrder(req, ref, err)
	}
	if err != nil {
		l.log.Error("order failed", "side", req.Side, "symbol", req.TradingSymbol, "qty", req.Qty, "error", err)
	}
	return ref, err
}

// quote is best-effort; 0 means unknown.
func (l *LiveEngine) quote(ctx context.Context, exchange, symbol, token string) int64 {
	qctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	ltp, err := l.quoter.LTP(qctx, exchange, symbol, token)
	if err != nil {
		l.log.Warn("ltp unavailable", "symbol", symbol, "error", err)
		return 0
	}
	return ltp
}
