// Package config defines the top-level configuration for klinestream and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/alanyoungcy/klinestream/internal/evaluator"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by KLINE_* environment variables.
type Config struct {
	Exchange ExchangeConfig `toml:"exchange"`
	Stream   StreamConfig   `toml:"stream"`
	Backtest BacktestConfig `toml:"backtest"`
	Archive  ArchiveConfig  `toml:"archive"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ExchangeConfig holds market-data endpoints and the optional API key sent on
// the websocket handshake.
type ExchangeConfig struct {
	WSURL            string `toml:"ws_url"`
	RESTURL          string `toml:"rest_url"`
	APIKey           string `toml:"api_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// StreamConfig selects what the live engine subscribes to.
type StreamConfig struct {
	Symbols         []string `toml:"symbols"`
	Intervals       []string `toml:"intervals"`
	Trades          bool     `toml:"trades"`
	Depth           bool     `toml:"depth"`
	TrackTradePrice bool     `toml:"track_trade_price"`
	BatchSize       int      `toml:"batch_size"`
	ReconnectMin    duration `toml:"reconnect_min"`
	ReconnectMax    duration `toml:"reconnect_max"`
	// WarmLimit is how many archived candles per series seed the snapshot.
	WarmLimit int `toml:"warm_limit"`
}

// BacktestConfig seeds the historical trade runner.
type BacktestConfig struct {
	Symbol   string           `toml:"symbol"`
	Interval string           `toml:"interval"`
	Start    string           `toml:"start"`
	Asset1   float64          `toml:"asset1"`
	Asset2   float64          `toml:"asset2"`
	Order    domain.OrderSpec `toml:"order"`
	// Step is how many candles each Advance call evaluates.
	Step     int     `toml:"step"`
	MaxSteps int     `toml:"max_steps"`
	TakerFee float64 `toml:"taker_fee"`
	MakerFee float64 `toml:"maker_fee"`
	EvalMode string  `toml:"eval_mode"`
	// Backfill fetches missing history over REST before the run.
	Backfill bool `toml:"backfill"`
	// Export writes the ledger to object storage when the run ends.
	Export bool `toml:"export"`
}

// ArchiveConfig selects the closed-candle archive backend.
type ArchiveConfig struct {
	// Backend is "file", "s3" or "none".
	Backend       string   `toml:"backend"`
	Dir           string   `toml:"dir"`
	BatchSize     int      `toml:"batch_size"`
	FlushInterval duration `toml:"flush_interval"`
	LockTTL       duration `toml:"lock_ttl"`
}

// PostgresConfig holds the ledger database connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	Namespace      string   `toml:"namespace"`
	PriceTTL       duration `toml:"price_ttl"`
	MirrorInterval duration `toml:"mirror_interval"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP and gRPC listener parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	GRPCPort    int      `toml:"grpc_port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards every route except /api/health; empty disables auth.
	APIKey string `toml:"api_key"`
	// RateLimit caps requests per client IP per RateWindow; needs redis.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramAPI       string   `toml:"telegram_api"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// RateLimit caps alerts per event type per RateWindow; needs redis.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			WSURL:   "wss://stream.binance.com:9443/ws",
			RESTURL: "https://api.binance.com",
		},
		Stream: StreamConfig{
			Symbols:         []string{"BTCUSDT"},
			Intervals:       []string{"1m"},
			TrackTradePrice: true,
			BatchSize:       64,
			ReconnectMin:    duration{2 * time.Second},
			ReconnectMax:    duration{time.Minute},
			WarmLimit:       500,
		},
		Backtest: BacktestConfig{
			Interval: "1h",
			Asset2:   1000,
			Order:    domain.OrderSpec{Kind: domain.OrderKindMarket, Side: domain.OrderSideBuy, Quantity: "100%"},
			Step:     1,
			MaxSteps: 10_000,
			TakerFee: evaluator.DefaultTakerFee,
			MakerFee: evaluator.DefaultMakerFee,
			EvalMode: "standard",
		},
		Archive: ArchiveConfig{
			Backend:       "file",
			Dir:           "data/candles",
			BatchSize:     100,
			FlushInterval: duration{5 * time.Second},
			LockTTL:       duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "klinestream",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       20,
			MaxRetries:     3,
			Namespace:      "kline:",
			PriceTTL:       duration{time.Hour},
			MirrorInterval: duration{time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "klinestream",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			GRPCPort:    9090,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:     []string{"gap", "disconnect", "fill"},
			RateLimit:  10,
			RateWindow: duration{time.Minute},
		},
		Mode:     "stream",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"stream":   true,
	"backtest": true,
	"backfill": true,
	"full":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{"file": true, "s3": true, "none": true}

// Intervals parses the configured stream intervals.
func (c *Config) Intervals() ([]domain.Interval, error) {
	out := make([]domain.Interval, 0, len(c.Stream.Intervals))
	for _, tok := range c.Stream.Intervals {
		iv, err := domain.ParseInterval(strings.TrimSpace(tok))
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}

// BacktestStart parses backtest.start as RFC 3339 or a bare date.
func (c *Config) BacktestStart() (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, c.Backtest.Start); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("backtest: start %q is not RFC 3339 or YYYY-MM-DD", c.Backtest.Start)
}

// EvalOptions builds evaluator options from the backtest section.
func (c *Config) EvalOptions() (evaluator.Options, error) {
	mode, err := evaluator.ParseEvalMode(c.Backtest.EvalMode)
	if err != nil {
		return evaluator.Options{}, err
	}
	return evaluator.Options{TakerFee: c.Backtest.TakerFee, MakerFee: c.Backtest.MakerFee, Mode: mode}, nil
}

func (c *Config) streams() bool   { return c.Mode == "stream" || c.Mode == "full" }
func (c *Config) backtests() bool { return c.Mode == "backtest" || c.Mode == "full" }

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: stream, backtest, backfill, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	if c.Exchange.WSURL == "" {
		errs = append(errs, "exchange: ws_url must not be empty")
	}
	if c.Exchange.EncryptedKeyPath != "" && c.Exchange.KeyPassword == "" {
		errs = append(errs, "exchange: key_password is required when encrypted_key_path is set")
	}

	// Stream
	if c.streams() || c.Mode == "backfill" {
		if len(c.Stream.Symbols) == 0 {
			errs = append(errs, "stream: at least one symbol is required")
		}
		if len(c.Stream.Intervals) == 0 && c.Mode == "backfill" {
			errs = append(errs, "stream: at least one interval is required for backfill")
		}
	}
	if _, err := c.Intervals(); err != nil {
		errs = append(errs, "stream: "+err.Error())
	}
	if c.Stream.BatchSize < 1 {
		errs = append(errs, "stream: batch_size must be >= 1")
	}
	if c.Stream.ReconnectMin.Duration <= 0 || c.Stream.ReconnectMax.Duration < c.Stream.ReconnectMin.Duration {
		errs = append(errs, "stream: need 0 < reconnect_min <= reconnect_max")
	}

	// Backtest
	if c.backtests() || c.Mode == "backfill" {
		if c.Backtest.Symbol == "" {
			errs = append(errs, "backtest: symbol must not be empty")
		}
		if _, err := domain.ParseInterval(c.Backtest.Interval); err != nil {
			errs = append(errs, "backtest: "+err.Error())
		}
		if _, err := c.BacktestStart(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.backtests() {
		if c.Backtest.Asset1 < 0 || c.Backtest.Asset2 < 0 {
			errs = append(errs, "backtest: balances must be >= 0")
		}
		if _, err := c.Backtest.Order.Build(); err != nil {
			errs = append(errs, "backtest: order: "+err.Error())
		}
		if c.Backtest.Step < 1 {
			errs = append(errs, "backtest: step must be >= 1")
		}
	}
	if c.Backtest.TakerFee < 0 || c.Backtest.MakerFee < 0 {
		errs = append(errs, "backtest: fees must be >= 0")
	}
	if _, err := evaluator.ParseEvalMode(c.Backtest.EvalMode); err != nil {
		errs = append(errs, "backtest: "+err.Error())
	}

	// Archive
	if !validBackends[c.Archive.Backend] {
		errs = append(errs, fmt.Sprintf("archive: unknown backend %q (valid: file, s3, none)", c.Archive.Backend))
	}
	if c.Archive.Backend == "file" && c.Archive.Dir == "" {
		errs = append(errs, "archive: dir must not be empty for the file backend")
	}
	if c.Archive.Backend == "none" && (c.backtests() || c.Mode == "backfill") {
		errs = append(errs, "archive: backtest and backfill need an archive backend")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be within 0..pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.Archive.Backend == "s3" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 || (c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port) {
			errs = append(errs, fmt.Sprintf("server: grpc_port must be 0 (off) or a free port, got %d", c.Server.GRPCPort))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
