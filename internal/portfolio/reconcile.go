package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/model"
)

// PositionSource reports the broker's net positions.
type PositionSource interface {
	Positions(ctx context.Context) ([]model.BrokerPosition, error)
}

// DefaultReconcileInterval is how often the background reconcile runs.
const DefaultReconcileInterval = 30 * time.Second

// Reconciler treats the broker's net positions as authoritative. A live
// position whose symbol the broker no longer reports (or reports flat) is
// closed locally with EXTERNAL_CLOSE and no counter-order.
type Reconciler struct {
	book    *Book
	src     PositionSource
	rec     *Recorder
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger

	// OnExternalClose is called for every position closed here (optional).
	OnExternalClose func(p model.Position)
}

// NewReconciler creates a reconciler. timeout bounds each broker fetch.
func NewReconciler(book *Book, src PositionSource, rec *Recorder, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{
		book:    book,
		src:     src,
		rec:     rec,
		timeout: timeout,
		now:     time.Now,
		log:     logger.Component("reconciler"),
	}
}

// Reconcile fetches broker positions and closes the stale live ones. A fetch
// failure changes nothing and is returned.
func (r *Reconciler) Reconcile(ctx context.Context) ([]model.Position, error) {
	live := r.book.OpenLive()
	if len(live) == 0 {
		return nil, nil
	}

	fctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.src.Positions(fctx)
	if err != nil {
		r.log.Warn("broker positions fetch failed, no action", "error", err)
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	held := make(map[string]model.BrokerPosition, len(rows))
	for _, row := range rows {
		held[row.TradingSymbol] = row
	}

	var closed []model.Position
	for _, pos := range live {
		row, ok := held[pos.TradingSymbol]
		if ok && row.NetQty != 0 {
			continue
		}
		exit := pos.EntryPrice
		if ok && row.LastPrice > 0 {
			exit = row.LastPrice
		}
		cp, err := r.book.closeUnclaimed(pos.ID, exit, r.now(), ReasonExternalClose)
		if err != nil {
			r.log.Debug("reconcile skipped position", "position", pos.ID, "error", err)
			continue
		}
		r.log.Warn("position closed externally",
			"position", cp.ID,
			"strategy", cp.Strategy,
			"symbol", cp.TradingSymbol,
			"broker_reported", ok)
		if r.rec != nil {
			r.rec.Closed(ctx, cp)
		}
		if r.OnExternalClose != nil {
			r.OnExternalClose(cp)
		}
		closed = append(closed, cp)
	}
	return closed, nil
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.log.Info("reconciler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			_, _ = r.Reconcile(ctx)
		}
	}
}
