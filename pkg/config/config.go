package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the trading bot.
type Config struct {
	// Database
	DBPath string

	// Ops API
	APIPort string

	// Upbit
	UpbitBaseURL    string
	UpbitWSURL      string
	UpbitAccessKey  string
	UpbitSecretKey  string
	UpbitTimeoutSec int

	// Reporting
	ReportCSVPath string
	SMTPAddr      string
	SMTPUser      string
	SMTPPass      string
	SMTPFrom      string
	SMTPTo        string

	Timezone string

	Bot Bot

	loc *time.Location
}

// Bot groups the trading policy parameters. All of them can be overridden
// from a YAML file (BOT_CONFIG) on top of the built-in defaults.
type Bot struct {
	QuoteAsset             string  `yaml:"quote_asset"`
	OrderQuote             float64 `yaml:"order_quote"`
	DailyBudgetQuote       float64 `yaml:"daily_budget_quote"`
	SignalCooldownMinutes  int     `yaml:"signal_cooldown_minutes"`
	CandidateWindowMinutes int     `yaml:"candidate_window_minutes"`
	TakeProfitPct          float64 `yaml:"take_profit_pct"`
	StopLossPct            float64 `yaml:"stop_loss_pct"`
	DailyDrawdownStopPct   float64 `yaml:"daily_drawdown_stop_pct"`
	PositionTimeoutMinutes int     `yaml:"position_timeout_minutes"`
	MinOrderNotional       float64 `yaml:"min_order_notional"`

	DryRun     bool   `yaml:"dry_run"`
	NightStart string `yaml:"night_start"`
	NightEnd   string `yaml:"night_end"`

	SnapshotCandles  int `yaml:"snapshot_candles"`
	WatchlistTake    int `yaml:"watchlist_take"`
	WatchlistTTLSec  int `yaml:"watchlist_ttl_sec"`
	BalanceTTLSec    int `yaml:"balance_ttl_sec"`
	WatchIntervalSec int `yaml:"watch_interval_sec"`
	WatchJitterSec   int `yaml:"watch_jitter_sec"`
	WatchMaxErrors   int `yaml:"watch_max_errors"`
}

// DefaultBot returns the built-in trading policy.
func DefaultBot() Bot {
	return Bot{
		QuoteAsset:             "KRW",
		OrderQuote:             6000,
		DailyBudgetQuote:       50000,
		SignalCooldownMinutes:  20,
		CandidateWindowMinutes: 120,
		TakeProfitPct:          1.0,
		StopLossPct:            1.0,
		DailyDrawdownStopPct:   2.0,
		PositionTimeoutMinutes: 90,
		MinOrderNotional:       5000,
		DryRun:                 false,
		NightStart:             "23:00",
		NightEnd:               "07:30",
		SnapshotCandles:        60,
		WatchlistTake:          30,
		WatchlistTTLSec:        5,
		BalanceTTLSec:          3,
		WatchIntervalSec:       5,
		WatchJitterSec:         2,
		WatchMaxErrors:         50,
	}
}

// Load reads environment variables (optionally via .env) into Config.
// When BOT_CONFIG points at a YAML file, bot parameters are loaded from it
// on top of the defaults.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		DBPath:          getEnv("DB_PATH", "./data/coinpilot.db"),
		APIPort:         getEnv("API_PORT", "8087"),
		UpbitBaseURL:    getEnv("UPBIT_BASE_URL", "https://api.upbit.com"),
		UpbitWSURL:      getEnv("UPBIT_WS_URL", "wss://api.upbit.com/websocket/v1"),
		UpbitAccessKey:  os.Getenv("UPBIT_ACCESS_KEY"),
		UpbitSecretKey:  os.Getenv("UPBIT_SECRET_KEY"),
		UpbitTimeoutSec: getEnvInt("UPBIT_TIMEOUT_SEC", 5),
		ReportCSVPath:   getEnv("REPORT_CSV_PATH", "./data/daily_report.csv"),
		SMTPAddr:        os.Getenv("SMTP_ADDR"),
		SMTPUser:        os.Getenv("SMTP_USER"),
		SMTPPass:        os.Getenv("SMTP_PASS"),
		SMTPFrom:        os.Getenv("SMTP_FROM"),
		SMTPTo:          os.Getenv("SMTP_TO"),
		Timezone:        getEnv("BOT_TIMEZONE", "Asia/Seoul"),
		Bot:             DefaultBot(),
	}

	if path := os.Getenv("BOT_CONFIG"); path != "" {
		if err := loadBotYAML(path, &cfg.Bot); err != nil {
			return nil, fmt.Errorf("load bot config %s: %w", path, err)
		}
	}
	if getEnv("DRY_RUN", "") == "true" {
		cfg.Bot.DryRun = true
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", cfg.Timezone, err)
	}
	cfg.loc = loc

	return cfg, nil
}

// Location returns the bot's local timezone. Daily counters, the night
// window, and ledger dates are all scoped to it.
func (c *Config) Location() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}

func loadBotYAML(path string, bot *Bot) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, bot)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
