package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"intraday-runtime/internal/markethours"
)

// Config holds the process configuration loaded from environment variables.
// Trading rules live in the trade config (YAML plus redis override), not here.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string

	// Infrastructure
	RedisAddr     string // empty disables redis
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	MetricsAddr   string

	// Trading
	TradeConfigFile   string
	Instruments       string // "NFO:35001:NIFTY,..."; empty bootstraps the current futures
	PaperOnly         bool   // never construct the live engine
	SlippageBps       int64
	ReconcileInterval time.Duration
	ExtraHolidays     string // "2027-01-26,2027-03-03"

	// Alerts
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory (or ENV_FILE) fills in variables that
// are not already set.
func Load() *Config {
	_ = godotenv.Load(getEnv("ENV_FILE", ".env")) // best-effort
	return &Config{
		AngelAPIKey:     mustEnv("ANGEL_API_KEY"),
		AngelClientCode: mustEnv("ANGEL_CLIENT_CODE"),
		AngelPassword:   mustEnv("ANGEL_PASSWORD"),
		AngelTOTPSecret: mustEnv("ANGEL_TOTP_SECRET"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/runtime.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		TradeConfigFile:   getEnv("TRADE_CONFIG_FILE", "config/trading.yaml"),
		Instruments:       getEnv("INSTRUMENTS", ""),
		PaperOnly:         getBool("PAPER_ONLY", false),
		SlippageBps:       int64(getInt("PAPER_SLIPPAGE_BPS", 0)),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 30*time.Second),
		ExtraHolidays:     getEnv("EXTRA_HOLIDAYS", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// RegisterHolidays adds ExtraHolidays to the market calendar.
func (c *Config) RegisterHolidays() error {
	for _, p := range strings.Split(c.ExtraHolidays, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseInLocation("2006-01-02", p, markethours.IST)
		if err != nil {
			return fmt.Errorf("config: EXTRA_HOLIDAYS: %q: %w", p, err)
		}
		markethours.AddHolidays(d.Year(), markethours.Holiday{Month: d.Month(), Day: d.Day()})
	}
	return nil
}

// TelegramEnabled reports whether both Telegram settings are present.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %t", key, v, fallback)
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
