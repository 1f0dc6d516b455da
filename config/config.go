// Package config loads the service configuration from environment
// variables. Configuration is read once at startup and is read-only
// afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full configuration surface of the signal service.
type Config struct {
	Symbols     []string
	PollSeconds float64
	KlineLimit  int

	Source   SourceConfig
	Clock    ClockConfig
	Strategy StrategyConfig
	Risk     RiskConfig
	Telegram TelegramConfig
	Postback PostbackConfig
	TestEmit TestEmitConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Vault    VaultConfig
	API      APIConfig
	Logging  LoggingConfig

	// BinanceBaseURL / BinanceWSURL override the exchange endpoints,
	// mainly for tests.
	BinanceBaseURL string
	BinanceWSURL   string
}

// SourceConfig tunes the WS/REST dual-source controller.
type SourceConfig struct {
	PreferredMode         string
	StaleSeconds          int
	KlineStaleMS          int64
	WSBackoffMin          time.Duration
	WSBackoffMax          time.Duration
	RESTPricePollSeconds  float64
	RESTKlinePollSeconds  float64
	WSRecoverGoodTicks    int
	StateSyncKlines       int
	PremiumIndexPollSecs  float64
	FundingPollSeconds    float64
	OIPollSeconds         float64
	FundingHistoryLimit   int
	FundingStaleMS        int64
	OIStaleMS             int64
	HealthLogEverySeconds float64
}

// ClockConfig tunes server-time sanity checking.
type ClockConfig struct {
	MaxErrorMS        int64
	RefreshSeconds    int
	DegradedRetrySecs int
	RefreshCooldownMS int64
	DegradedTTLMS     int64
}

// StrategyConfig carries strategy thresholds and card defaults.
type StrategyConfig struct {
	ReturnThreshold    float64
	ATRSpikeMultiplier float64
	FundingExtreme     float64
	OIZScore           float64
	OIDeltaPct         float64
	SweepPct           float64
	WickBodyRatio      float64
	StopBufferATR      float64
	MinATRPct          float64

	MaxRiskUSDT     float64
	LeverageSuggest int
	TTLMinutes      int

	PriorityFakeBreakout      int
	PriorityFundingOISkew     int
	PriorityLiquidationFollow int
	PriorityVolBreakout       int

	DedupeWindowSeconds int
	EntrySimilarPct     float64
	StopSimilarPct      float64
}

// RiskConfig carries the risk gate limits and persistence paths.
type RiskConfig struct {
	MaxDailyLossUSDT            float64
	MaxCardsPerDay              int
	CooldownAfterTriggerMinutes int
	KillSwitch                  bool
	StatePath                   string
	PnLCSVPath                  string
}

// TelegramConfig holds the chat dispatch credentials. Empty values are
// allowed: cards are logged instead of sent.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// PostbackConfig holds the optional fire-and-forget card postback.
type PostbackConfig struct {
	URL       string
	JWTSecret string
}

// TestEmitConfig enables periodic dry-run cards for pipeline checks.
type TestEmitConfig struct {
	Enabled     bool
	Symbols     []string
	IntervalSec int
	Timeframe   string
}

// RedisConfig enables the card cache and pub/sub channel.
type RedisConfig struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	CardsChannel string
}

// DatabaseConfig enables the Postgres card archive.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// VaultConfig enables the optional secret source.
type VaultConfig struct {
	Enabled    bool
	Addr       string
	Token      string
	SecretPath string
}

// APIConfig holds the ops HTTP surface.
type APIConfig struct {
	ListenAddr string
}

// LoggingConfig holds the root logger settings.
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from the environment. Malformed numeric
// values are collected and returned as a single error so startup fails
// loudly instead of running with silent defaults.
func Load() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Symbols:     splitCSV(l.str("SYMBOLS", "BTCUSDT,ETHUSDT")),
		PollSeconds: l.float("POLL_SECONDS", 1),
		KlineLimit:  l.int("KLINE_LIMIT", 500),

		Source: SourceConfig{
			PreferredMode:         strings.ToLower(l.str("DATA_SOURCE_PREFERRED", "ws")),
			StaleSeconds:          l.int("STALE_SECONDS", 5),
			KlineStaleMS:          l.int64("KLINE_STALE_MS", 120_000),
			WSBackoffMin:          time.Duration(l.int("WS_BACKOFF_MIN", 1)) * time.Second,
			WSBackoffMax:          time.Duration(l.int("WS_BACKOFF_MAX", 30)) * time.Second,
			RESTPricePollSeconds:  l.float("REST_PRICE_POLL_SECONDS", 2),
			RESTKlinePollSeconds:  l.float("REST_KLINE_POLL_SECONDS", 10),
			WSRecoverGoodTicks:    l.int("WS_RECOVER_GOOD_TICKS", 3),
			StateSyncKlines:       l.int("STATE_SYNC_KLINES", 500),
			PremiumIndexPollSecs:  l.float("PREMIUMINDEX_POLL_SECONDS", 10),
			FundingPollSeconds:    l.float("FUNDING_POLL_SECONDS", 60),
			OIPollSeconds:         l.float("OI_POLL_SECONDS", 60),
			FundingHistoryLimit:   l.int("FUNDING_HISTORY_LIMIT", 3),
			FundingStaleMS:        l.int64("FUNDING_STALE_MS", 180_000),
			OIStaleMS:             l.int64("OI_STALE_MS", 180_000),
			HealthLogEverySeconds: l.float("HEALTH_LOG_SECONDS", 60),
		},

		Clock: ClockConfig{
			MaxErrorMS:        l.int64("MAX_CLOCK_ERROR_MS", 1000),
			RefreshSeconds:    l.int("SERVER_TIME_REFRESH_SEC", 60),
			DegradedRetrySecs: l.int("SERVER_TIME_DEGRADED_RETRY_SEC", 10),
			RefreshCooldownMS: l.int64("CLOCK_REFRESH_COOLDOWN_MS", 30_000),
			DegradedTTLMS:     l.int64("CLOCK_DEGRADED_TTL_MS", 60_000),
		},

		Strategy: StrategyConfig{
			ReturnThreshold:    l.float("RETURN_THRESHOLD", 0.012),
			ATRSpikeMultiplier: l.float("ATR_SPIKE_MULTIPLIER", 2.0),
			FundingExtreme:     l.float("FUNDING_EXTREME", 0.0008),
			OIZScore:           l.float("OI_ZSCORE", 2.0),
			OIDeltaPct:         l.float("OI_DELTA_PCT", 0.05),
			SweepPct:           l.float("SWEEP_PCT", 0.002),
			WickBodyRatio:      l.float("WICK_BODY_RATIO", 1.5),
			StopBufferATR:      l.float("STOP_BUFFER_ATR", 0.25),
			MinATRPct:          l.float("MIN_ATR_PCT", 0.001),

			MaxRiskUSDT:     l.float("MAX_RISK_USDT", 10),
			LeverageSuggest: l.int("LEVERAGE_SUGGEST", 50),
			TTLMinutes:      l.int("TTL_MINUTES", 15),

			PriorityFakeBreakout:      l.int("PRIORITY_FAKE_BREAKOUT", 100),
			PriorityFundingOISkew:     l.int("PRIORITY_FUNDING_OI_SKEW", 80),
			PriorityLiquidationFollow: l.int("PRIORITY_LIQUIDATION_FOLLOW", 60),
			PriorityVolBreakout:       l.int("PRIORITY_VOL_BREAKOUT", 40),

			DedupeWindowSeconds: l.int("DEDUPE_WINDOW_SECONDS", 60),
			EntrySimilarPct:     l.float("ENTRY_SIMILAR_PCT", 0.001),
			StopSimilarPct:      l.float("STOP_SIMILAR_PCT", 0.002),
		},

		Risk: RiskConfig{
			MaxDailyLossUSDT:            l.float("MAX_DAILY_LOSS_USDT", 50),
			MaxCardsPerDay:              l.int("MAX_CARDS_PER_DAY", 12),
			CooldownAfterTriggerMinutes: l.int("COOLDOWN_AFTER_TRIGGER_MINUTES", 30),
			KillSwitch:                  l.bool("KILL_SWITCH", false),
			StatePath:                   l.str("RISK_STATE_PATH", "data/risk_state.json"),
			PnLCSVPath:                  l.str("PNL_CSV_PATH", "data/pnl.csv"),
		},

		Telegram: TelegramConfig{
			BotToken: l.str("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   l.str("TELEGRAM_CHAT_ID", ""),
		},

		Postback: PostbackConfig{
			URL:       l.str("POSTBACK_URL", ""),
			JWTSecret: l.str("POSTBACK_JWT_SECRET", ""),
		},

		TestEmit: TestEmitConfig{
			Enabled:     l.bool("TEST_EMIT_ENABLED", false),
			Symbols:     splitCSV(l.str("TEST_EMIT_SYMBOLS", "")),
			IntervalSec: l.int("TEST_EMIT_INTERVAL_SEC", 300),
			Timeframe:   l.str("TEST_EMIT_TF", "1m"),
		},

		Redis: RedisConfig{
			Enabled:      l.bool("REDIS_ENABLED", false),
			Addr:         l.str("REDIS_ADDR", "localhost:6379"),
			Password:     l.str("REDIS_PASSWORD", ""),
			DB:           l.int("REDIS_DB", 0),
			CardsChannel: l.str("REDIS_CARDS_CHANNEL", "signal_cards"),
		},

		Database: DatabaseConfig{
			Enabled:  l.bool("DATABASE_ENABLED", false),
			Host:     l.str("DB_HOST", "localhost"),
			Port:     l.int("DB_PORT", 5432),
			User:     l.str("DB_USER", "postgres"),
			Password: l.str("DB_PASSWORD", ""),
			Name:     l.str("DB_NAME", "signals"),
			SSLMode:  l.str("DB_SSLMODE", "disable"),
		},

		Vault: VaultConfig{
			Enabled:    l.bool("VAULT_ENABLED", false),
			Addr:       l.str("VAULT_ADDR", ""),
			Token:      l.str("VAULT_TOKEN", ""),
			SecretPath: l.str("VAULT_SECRET_PATH", "secret/data/signal-service"),
		},

		API: APIConfig{
			ListenAddr: l.str("API_LISTEN_ADDR", ":8090"),
		},

		Logging: LoggingConfig{
			Level:  l.str("LOG_LEVEL", "info"),
			Pretty: l.bool("LOG_PRETTY", false),
		},

		BinanceBaseURL: l.str("BINANCE_BASE_URL", "https://fapi.binance.com"),
		BinanceWSURL:   l.str("BINANCE_WS_URL", "wss://fstream.binance.com"),
	}

	if len(cfg.TestEmit.Symbols) == 0 && len(cfg.Symbols) > 0 {
		cfg.TestEmit.Symbols = cfg.Symbols[:1]
	}

	if err := l.err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: SYMBOLS must list at least one symbol")
	}
	if c.PollSeconds <= 0 {
		return fmt.Errorf("config: POLL_SECONDS must be positive, got %v", c.PollSeconds)
	}
	if c.KlineLimit <= 0 {
		return fmt.Errorf("config: KLINE_LIMIT must be positive, got %d", c.KlineLimit)
	}
	if c.Source.PreferredMode != "ws" && c.Source.PreferredMode != "rest" {
		return fmt.Errorf("config: DATA_SOURCE_PREFERRED must be ws or rest, got %q", c.Source.PreferredMode)
	}
	if c.Source.WSBackoffMin <= 0 || c.Source.WSBackoffMax < c.Source.WSBackoffMin {
		return fmt.Errorf("config: WS_BACKOFF_MIN/MAX must satisfy 0 < min <= max")
	}
	if c.Risk.MaxCardsPerDay <= 0 {
		return fmt.Errorf("config: MAX_CARDS_PER_DAY must be positive, got %d", c.Risk.MaxCardsPerDay)
	}
	return nil
}

// loader collects parse errors so Load can report all of them at once.
type loader struct {
	errs []string
}

func (l *loader) err() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(l.errs, "; "))
}

func (l *loader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (l *loader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return def
	}
	return parsed
}

func (l *loader) int64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return def
	}
	return parsed
}

func (l *loader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s=%q is not a number", key, v))
		return def
	}
	return parsed
}

func (l *loader) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		l.errs = append(l.errs, fmt.Sprintf("%s=%q is not a boolean", key, v))
		return def
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.ToUpper(strings.TrimSpace(part)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
