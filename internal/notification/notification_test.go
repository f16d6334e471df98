package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-runtime/internal/model"
)

func exitAlert() Alert {
	return Alert{
		Level:   AlertInfo,
		Title:   "Live exit",
		Message: "closed <early>",
		Trade: PositionTrade(model.Position{
			Strategy:       "VWAP_ORB",
			TradingSymbol:  "NIFTY26OCT25000CE",
			Direction:      model.Short,
			Qty:            75,
			EntryPrice:     100_00,
			ExitPrice:      150_00,
			ExitTime:       time.Date(2026, 10, 15, 11, 0, 0, 0, time.UTC),
			ExitReason:     "TRAIL_SL",
			PnL:            375000,
			BrokerOrderRef: "ord-1",
		}),
	}
}

func TestTelegram_Send(t *testing.T) {
	var path string
	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("tok123", "42")
	n.baseURL = srv.URL
	require.NoError(t, n.Send(context.Background(), exitAlert()))

	assert.Equal(t, "/bottok123/sendMessage", path)
	assert.Equal(t, "42", got.ChatID)
	assert.Equal(t, "HTML", got.ParseMode)
	assert.True(t, got.DisableNotification, "info alerts are silent")
	assert.Equal(t, "<b>[INFO] Live exit</b>\n"+
		"VWAP_ORB SHORT <code>NIFTY26OCT25000CE</code> x75\n"+
		"@ 150.00 | order <code>ord-1</code> | TRAIL_SL | P&amp;L 3750.00\n"+
		"closed &lt;early&gt;", got.Text)
}

func TestTelegram_CriticalRingsWithoutTrade(t *testing.T) {
	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("tok", "1")
	n.baseURL = srv.URL
	require.NoError(t, n.Send(context.Background(), Alert{Level: AlertCritical, Title: "Candle invariant violated", Message: "NFO:35001 09:20"}))
	assert.False(t, got.DisableNotification)
	assert.Equal(t, "<b>[CRITICAL] Candle invariant violated</b>\nNFO:35001 09:20", got.Text)
}

func TestTelegram_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	n := NewTelegramNotifier("tok", "1")
	n.baseURL = srv.URL
	assert.ErrorContains(t, n.Send(context.Background(), Alert{Title: "Live entry"}), "Live entry")
}

func TestPositionTrade_OpenUsesEntryFill(t *testing.T) {
	tr := PositionTrade(model.Position{Strategy: "VWAP_ORB", Underlying: "NFO:35001", Qty: 1, EntryPrice: 2501200, Open: true})
	assert.Equal(t, "NFO:35001", tr.Symbol, "paper positions name the future")
	assert.Equal(t, int64(2501200), tr.Price)
	assert.Nil(t, tr.PnL)
}

func TestWebhook_Send(t *testing.T) {
	var got webhookPayload
	var level string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		level = r.Header.Get("X-Alert-Level")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.now = func() time.Time { return time.Date(2026, 10, 15, 4, 30, 0, 0, time.UTC) }
	require.NoError(t, n.Send(context.Background(), exitAlert()))

	assert.Equal(t, "INFO", level)
	assert.Equal(t, "Live exit", got.Title)
	assert.Equal(t, "2026-10-15", got.Session)
	assert.Equal(t, "2026-10-15T04:30:00Z", got.TS)
	require.NotNil(t, got.Trade)
	assert.Equal(t, "NIFTY26OCT25000CE", got.Trade.Symbol)
	assert.Equal(t, "ord-1", got.Trade.OrderRef)
	assert.Equal(t, "SHORT", got.Trade.Direction)
	assert.True(t, decimal.RequireFromString("150").Equal(got.Trade.Price))
	require.NotNil(t, got.Trade.PnL)
	assert.True(t, decimal.RequireFromString("3750").Equal(*got.Trade.PnL))
}

func TestWebhook_PlainAlertHasNoTrade(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Level: AlertWarning, Title: "Live entry refused"}))
	assert.NotContains(t, raw, "trade")
	assert.Equal(t, "WARNING", raw["level"])
}

type recordingNotifier struct {
	alerts []Alert
	err    error
}

func (r *recordingNotifier) Send(_ context.Context, a Alert) error {
	r.alerts = append(r.alerts, a)
	return r.err
}

func TestMulti_SendsToAllAndJoinsErrors(t *testing.T) {
	bad := &recordingNotifier{err: errors.New("down")}
	good := &recordingNotifier{}
	m := Multi{bad, good, NewLogNotifier()}

	err := m.Send(context.Background(), Alert{Level: AlertInfo, Title: "hello"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "down")
	assert.Len(t, bad.alerts, 1)
	assert.Len(t, good.alerts, 1)

	assert.NoError(t, Multi{good}.Send(context.Background(), Alert{}))
}
