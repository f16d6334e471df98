package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-runtime/internal/markethours"
)

func setCreds(t *testing.T) {
	t.Setenv("ANGEL_API_KEY", "key")
	t.Setenv("ANGEL_CLIENT_CODE", "C123")
	t.Setenv("ANGEL_PASSWORD", "1234")
	t.Setenv("ANGEL_TOTP_SECRET", "JBSWY3DPEHPK3PXP")
}

func TestLoad_Defaults(t *testing.T) {
	setCreds(t)
	c := Load()
	assert.Equal(t, "key", c.AngelAPIKey)
	assert.Equal(t, "localhost:6379", c.RedisAddr)
	assert.Equal(t, ":9090", c.MetricsAddr)
	assert.Equal(t, 30*time.Second, c.ReconcileInterval)
	assert.False(t, c.PaperOnly)
	assert.False(t, c.TelegramEnabled())
	assert.Equal(t, "info", c.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	setCreds(t)
	t.Setenv("PAPER_ONLY", "true")
	t.Setenv("RECONCILE_INTERVAL", "45s")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("PAPER_SLIPPAGE_BPS", "5")
	t.Setenv("TELEGRAM_BOT_TOKEN", "bot")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("INSTRUMENTS", "NFO:35001:NIFTY")

	c := Load()
	assert.True(t, c.PaperOnly)
	assert.Equal(t, 45*time.Second, c.ReconcileInterval)
	assert.Equal(t, 2, c.RedisDB)
	assert.Equal(t, int64(5), c.SlippageBps)
	assert.True(t, c.TelegramEnabled())
	assert.Equal(t, "NFO:35001:NIFTY", c.Instruments)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	setCreds(t)
	t.Setenv("PAPER_ONLY", "maybe")
	t.Setenv("RECONCILE_INTERVAL", "-5s")
	t.Setenv("REDIS_DB", "one")

	c := Load()
	assert.False(t, c.PaperOnly)
	assert.Equal(t, 30*time.Second, c.ReconcileInterval)
	assert.Equal(t, 0, c.RedisDB)
}

func TestRegisterHolidays(t *testing.T) {
	c := &Config{ExtraHolidays: "2027-01-26, 2027-03-04"}
	require.NoError(t, c.RegisterHolidays())
	assert.True(t, markethours.IsHoliday(time.Date(2027, 1, 26, 12, 0, 0, 0, markethours.IST)))
	assert.True(t, markethours.IsHoliday(time.Date(2027, 3, 4, 12, 0, 0, 0, markethours.IST)))

	c.ExtraHolidays = "26/01/2027"
	assert.Error(t, c.RegisterHolidays())
}

func TestLoad_EnvFileFillsUnsetVars(t *testing.T) {
	setCreds(t)
	path := filepath.Join(t.TempDir(), "runtime.env")
	require.NoError(t, os.WriteFile(path, []byte("WEBHOOK_URL=https://hooks.example/x\nANGEL_API_KEY=from-file\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("WEBHOOK_URL", "")
	os.Unsetenv("WEBHOOK_URL")

	c := Load()
	assert.Equal(t, "https://hooks.example/x", c.WebhookURL)
	assert.Equal(t, "key", c.AngelAPIKey, "process env wins over the file")
}
