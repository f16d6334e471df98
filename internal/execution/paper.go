package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/portfolio"
	"intraday-runtime/internal/strategy"
	"intraday-runtime/internal/tradeconfig"
)

// PaperEngine simulates entries and exits on the signalling instrument
// without broker calls. Fills happen at the given price, optionally worsened
// by a fixed slippage.
type PaperEngine struct {
	book *portfolio.Book
	rec  *portfolio.Recorder
	log  *slog.Logger

	// Simulation parameters
	slippageBps int64 // basis points of slippage (e.g., 5 = 0.05%)
}

// NewPaperEngine creates a paper engine. slippageBps may be 0.
func NewPaperEngine(book *portfolio.Book, rec *portfolio.Recorder, slippageBps int64) *PaperEngine {
	return &PaperEngine{
		book:        book,
		rec:         rec,
		log:         logger.Component("paper"),
		slippageBps: slippageBps,
	}
}

// Enter opens a paper position at the signal price. The position id is the
// trade id STRATEGY-TOKEN-YYYYMMDD-HHMM.
func (p *PaperEngine) Enter(ctx context.Context, sig strategy.Signal, d tradeconfig.Directive) (model.Position, error) {
	if p.book.HasOpen(sig.Strategy, sig.Key()) {
		return model.Position{}, fmt.Errorf("%w: %s", portfolio.ErrDuplicate, model.OwnerKey(sig.Strategy, sig.Key()))
	}
	price := p.slip(sig.Price, sig.Direction == model.Long)
	pos := model.Position{
		ID:            portfolio.TradeID(sig.Strategy, sig.Token, sig.TS),
		Strategy:      sig.Strategy,
		Class:         sig.Class,
		Underlying:    sig.Key(),
		Token:         sig.Token,
		Exchange:      sig.Exchange,
		TradingSymbol: sig.Key(),
		Direction:     sig.Direction,
		Qty:           d.Qty,
		EntryPrice:    price,
		EntryTime:     sig.TS,
		Open:          true,
		BestPrice:     price,
		TrailEnabled:  d.TrailEnabled,
		TrailPoints:   d.TrailPoints,
	}
	if err := p.book.Add(pos); err != nil {
		return model.Position{}, err
	}
	p.rec.Opened(ctx, pos)
	p.log.Info("paper entry",
		"position", pos.ID,
		"direction", pos.Direction,
		"qty", pos.Qty,
		"price", pos.EntryPrice,
		"slippage", price-sig.Price)
	return pos, nil
}

// Exit closes a paper position at price.
func (p *PaperEngine) Exit(ctx context.Context, pos model.Position, price int64, at time.Time, reason string) (model.Position, error) {
	fill := p.slip(price, pos.Direction == model.Short)
	closed, err := p.book.Close(pos.ID, fill, at, reason)
	if err != nil {
		return pos, err
	}
	p.rec.Closed(ctx, closed)
	p.log.Info("paper exit",
		"position", closed.ID,
		"reason", reason,
		"price", fill,
		"pnl", model.Rupees(closed.PnL).String())
	return closed, nil
}

// slip worsens price by the configured basis points: buys fill higher,
// sells lower.
func (p *PaperEngine) slip(price int64, buy bool) int64 {
	if price <= 0 || p.slippageBps <= 0 {
		return price
	}
	s := price * p.slippageBps / 10000
	if buy {
		return price + s
	}
	return price - s
}
