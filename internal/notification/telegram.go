package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/model"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts to one chat through the Bot API. Info alerts
// are delivered silently; warnings and critical alerts ring.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	log      *slog.Logger
}

// NewTelegramNotifier creates a Telegram notifier for chatID.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  telegramAPI,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      logger.Component("telegram"),
	}
}

type telegramMessage struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(telegramMessage{
		ChatID:              t.chatID,
		Text:                telegramText(alert),
		ParseMode:           "HTML",
		DisableNotification: alert.Level == AlertInfo,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: %s: unexpected status %d", alert.Title, resp.StatusCode)
	}
	t.log.Debug("sent alert", "title", alert.Title, "level", string(alert.Level))
	return nil
}

// telegramText renders an alert as Telegram HTML:
//
//	[CRITICAL] Live exit failed
//	VWAP_ORB LONG NIFTY26OCT25000CE x75
//	@ 123.45 | order ord-1 | TRAIL_SL | P&L -250.00
//	rms reject
func telegramText(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>[%s] %s</b>", html.EscapeString(string(a.Level)), html.EscapeString(a.Title))
	if tr := a.Trade; tr != nil {
		fmt.Fprintf(&b, "\n%s %s <code>%s</code> x%d",
			html.EscapeString(tr.Strategy), tr.Direction, html.EscapeString(tr.Symbol), tr.Qty)
		parts := []string{"@ " + model.Rupees(tr.Price).StringFixed(2)}
		if tr.OrderRef != "" {
			parts = append(parts, "order <code>"+html.EscapeString(tr.OrderRef)+"</code>")
		}
		if tr.Reason != "" {
			parts = append(parts, html.EscapeString(tr.Reason))
		}
		if tr.PnL != nil {
			parts = append(parts, "P&amp;L "+model.Rupees(*tr.PnL).StringFixed(2))
		}
		b.WriteString("\n" + strings.Join(parts, " | "))
	}
	if a.Message != "" {
		b.WriteString("\n" + html.EscapeString(a.Message))
	}
	return b.String()
}
