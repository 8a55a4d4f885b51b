package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies KLINE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known KLINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.WSURL, "KLINE_EXCHANGE_WS_URL")
	setStr(&cfg.Exchange.RESTURL, "KLINE_EXCHANGE_REST_URL")
	setStr(&cfg.Exchange.APIKey, "KLINE_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.EncryptedKeyPath, "KLINE_EXCHANGE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Exchange.KeyPassword, "KLINE_EXCHANGE_KEY_PASSWORD")

	// ── Stream ──
	setStringSlice(&cfg.Stream.Symbols, "KLINE_STREAM_SYMBOLS")
	setStringSlice(&cfg.Stream.Intervals, "KLINE_STREAM_INTERVALS")
	setBool(&cfg.Stream.Trades, "KLINE_STREAM_TRADES")
	setBool(&cfg.Stream.Depth, "KLINE_STREAM_DEPTH")
	setBool(&cfg.Stream.TrackTradePrice, "KLINE_STREAM_TRACK_TRADE_PRICE")
	setInt(&cfg.Stream.BatchSize, "KLINE_STREAM_BATCH_SIZE")
	setDuration(&cfg.Stream.ReconnectMin, "KLINE_STREAM_RECONNECT_MIN")
	setDuration(&cfg.Stream.ReconnectMax, "KLINE_STREAM_RECONNECT_MAX")
	setInt(&cfg.Stream.WarmLimit, "KLINE_STREAM_WARM_LIMIT")

	// ── Backtest ──
	setStr(&cfg.Backtest.Symbol, "KLINE_BACKTEST_SYMBOL")
	setStr(&cfg.Backtest.Interval, "KLINE_BACKTEST_INTERVAL")
	setStr(&cfg.Backtest.Start, "KLINE_BACKTEST_START")
	setFloat64(&cfg.Backtest.Asset1, "KLINE_BACKTEST_ASSET1")
	setFloat64(&cfg.Backtest.Asset2, "KLINE_BACKTEST_ASSET2")
	setInt(&cfg.Backtest.Step, "KLINE_BACKTEST_STEP")
	setInt(&cfg.Backtest.MaxSteps, "KLINE_BACKTEST_MAX_STEPS")
	setFloat64(&cfg.Backtest.TakerFee, "KLINE_BACKTEST_TAKER_FEE")
	setFloat64(&cfg.Backtest.MakerFee, "KLINE_BACKTEST_MAKER_FEE")
	setStr(&cfg.Backtest.EvalMode, "KLINE_BACKTEST_EVAL_MODE")
	setBool(&cfg.Backtest.Backfill, "KLINE_BACKTEST_BACKFILL")
	setBool(&cfg.Backtest.Export, "KLINE_BACKTEST_EXPORT")

	// ── Archive ──
	setStr(&cfg.Archive.Backend, "KLINE_ARCHIVE_BACKEND")
	setStr(&cfg.Archive.Dir, "KLINE_ARCHIVE_DIR")
	setInt(&cfg.Archive.BatchSize, "KLINE_ARCHIVE_BATCH_SIZE")
	setDuration(&cfg.Archive.FlushInterval, "KLINE_ARCHIVE_FLUSH_INTERVAL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "KLINE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "KLINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "KLINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "KLINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "KLINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "KLINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "KLINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "KLINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "KLINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "KLINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "KLINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "KLINE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "KLINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "KLINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "KLINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "KLINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "KLINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "KLINE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "KLINE_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "KLINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "KLINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "KLINE_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "KLINE_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "KLINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "KLINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "KLINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "KLINE_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "KLINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "KLINE_SERVER_PORT")
	setInt(&cfg.Server.GRPCPort, "KLINE_SERVER_GRPC_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "KLINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "KLINE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "KLINE_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "KLINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "KLINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "KLINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "KLINE_NOTIFY_EVENTS")
	setInt(&cfg.Notify.RateLimit, "KLINE_NOTIFY_RATE_LIMIT")

	// ── Top-level ──
	setStr(&cfg.Mode, "KLINE_MODE")
	setStr(&cfg.LogLevel, "KLINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
