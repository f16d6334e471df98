// Package notification delivers operator alerts (live orders, external
// closes, invariant violations) to external channels.
package notification

import (
	"context"
	"errors"
	"log/slog"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Trade   *Trade     `json:"trade,omitempty"` // set for order and position alerts
}

// Trade identifies the order or position an alert is about. Prices are paise.
type Trade struct {
	Strategy  string          `json:"strategy"`
	Symbol    string          `json:"symbol"`
	Direction model.Direction `json:"direction"`
	Qty       int64           `json:"qty"`
	Price     int64           `json:"price"`
	OrderRef  string          `json:"order_ref,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	PnL       *int64          `json:"pnl,omitempty"` // realized, exits only
}

// PositionTrade describes a position: the entry fill while open, the exit
// fill and realized P&L once closed.
func PositionTrade(p model.Position) *Trade {
	t := &Trade{
		Strategy:  p.Strategy,
		Symbol:    p.TradingSymbol,
		Direction: p.Direction,
		Qty:       p.Qty,
		Price:     p.EntryPrice,
		OrderRef:  p.BrokerOrderRef,
	}
	if t.Symbol == "" {
		t.Symbol = p.Underlying
	}
	if !p.Open && !p.ExitTime.IsZero() {
		pnl := p.PnL
		t.Price = p.ExitPrice
		t.Reason = p.ExitReason
		t.PnL = &pnl
	}
	return t
}

// logAttrs flattens the trade for structured logging.
func (t *Trade) logAttrs() []any {
	if t == nil {
		return nil
	}
	attrs := []any{
		"strategy", t.Strategy,
		"symbol", t.Symbol,
		"direction", string(t.Direction),
		"qty", t.Qty,
		"price", model.Rupees(t.Price).String(),
	}
	if t.OrderRef != "" {
		attrs = append(attrs, "order_ref", t.OrderRef)
	}
	if t.Reason != "" {
		attrs = append(attrs, "reason", t.Reason)
	}
	if t.PnL != nil {
		attrs = append(attrs, "pnl", model.Rupees(*t.PnL).String())
	}
	return attrs
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.Component("notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	attrs := append([]any{"alert_level", string(alert.Level), "message", alert.Message}, alert.Trade.logAttrs()...)
	n.log.Log(ctx, level, alert.Title, attrs...)
	return nil
}

// Multi fans an alert out to every notifier. A failing backend does not
// stop the others; their errors are joined.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
