package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint. Trade alerts
// carry the strategy, contract and broker order id so a receiver can route
// or deduplicate them without parsing the message.
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
	log    *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
		log:    logger.Component("webhook"),
	}
}

type webhookPayload struct {
	Level   string        `json:"level"`
	Title   string        `json:"title"`
	Message string        `json:"message"`
	Session string        `json:"session"` // IST trading date
	TS      string        `json:"ts"`
	Trade   *webhookTrade `json:"trade,omitempty"`
}

// webhookTrade is Trade with prices in rupees.
type webhookTrade struct {
	Strategy  string           `json:"strategy"`
	Symbol    string           `json:"symbol"`
	Direction string           `json:"direction"`
	Qty       int64            `json:"qty"`
	Price     decimal.Decimal  `json:"price"`
	OrderRef  string           `json:"order_ref,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	PnL       *decimal.Decimal `json:"pnl,omitempty"`
}

func payloadOf(a Alert, now time.Time) webhookPayload {
	p := webhookPayload{
		Level:   string(a.Level),
		Title:   a.Title,
		Message: a.Message,
		Session: markethours.SessionDate(now),
		TS:      now.UTC().Format(time.RFC3339Nano),
	}
	if tr := a.Trade; tr != nil {
		p.Trade = &webhookTrade{
			Strategy:  tr.Strategy,
			Symbol:    tr.Symbol,
			Direction: string(tr.Direction),
			Qty:       tr.Qty,
			Price:     model.Rupees(tr.Price),
			OrderRef:  tr.OrderRef,
			Reason:    tr.Reason,
		}
		if tr.PnL != nil {
			pnl := model.Rupees(*tr.PnL)
			p.Trade.PnL = &pnl
		}
	}
	return p
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(payloadOf(alert, w.now()))
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-Level", string(alert.Level))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: %s: unexpected status %d", alert.Title, resp.StatusCode)
	}
	w.log.Debug("sent alert", "title", alert.Title, "level", string(alert.Level))
	return nil
}
