package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/klinestream/internal/blob/s3"
	"github.com/alanyoungcy/klinestream/internal/cache/redis"
	"github.com/alanyoungcy/klinestream/internal/config"
	"github.com/alanyoungcy/klinestream/internal/crypto"
	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/alanyoungcy/klinestream/internal/notify"
	"github.com/alanyoungcy/klinestream/internal/platform/binance"
	"github.com/alanyoungcy/klinestream/internal/server/handler"
	"github.com/alanyoungcy/klinestream/internal/store/parquet"
	"github.com/alanyoungcy/klinestream/internal/store/postgres"
)

// Dependencies bundles the concrete adapters the modes run on. Optional
// backends are nil when disabled in the configuration.
type Dependencies struct {
	// Stores
	Candles domain.CandleStore
	Ledger  domain.LedgerStore

	// Caches
	PriceCache  domain.PriceCache
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Exporter   *s3blob.LedgerExporter

	// Exchange
	Dialer *binance.Dialer
	Klines *binance.KlineClient

	// Notifications
	Notifier *notify.Notifier

	// Probes are reported by GET /api/health.
	Probes map[string]handler.Probe
}

func needsS3(cfg *config.Config) bool {
	return cfg.Archive.Backend == "s3" || cfg.Backtest.Export
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Probes: make(map[string]handler.Probe)}

	// --- Exchange credentials ---
	apiKey, err := crypto.LoadSecret(crypto.SecretConfig{
		Raw:      cfg.Exchange.APIKey,
		Path:     cfg.Exchange.EncryptedKeyPath,
		Password: cfg.Exchange.KeyPassword,
	})
	if err != nil && !errors.Is(err, crypto.ErrNoSecret) {
		return fail("exchange api key", err)
	}
	deps.Dialer = binance.NewDialer(cfg.Exchange.WSURL, apiKey)
	deps.Klines = binance.NewKlineClient(cfg.Exchange.RESTURL, apiKey)

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Ledger = postgres.NewLedgerStore(pgClient.Pool())
		deps.Probes["postgres"] = pgClient.Health
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Probes["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Exporter = s3blob.NewLedgerExporter(deps.BlobWriter)
		deps.Probes["s3"] = s3Client.Health
	}

	// --- Candle archive ---
	switch cfg.Archive.Backend {
	case "file":
		store, err := parquet.NewFileStore(cfg.Archive.Dir)
		if err != nil {
			return fail("archive", err)
		}
		deps.Candles = store
	case "s3":
		deps.Candles = parquet.NewBlobStore(deps.BlobReader, deps.BlobWriter)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPI,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	if deps.RateLimiter != nil && cfg.Notify.RateLimit > 0 {
		deps.Notifier.WithRateLimit(deps.RateLimiter, cfg.Notify.RateLimit, cfg.Notify.RateWindow.Duration)
	}

	logger.InfoContext(ctx, "dependencies wired",
		slog.Bool("postgres", deps.Ledger != nil),
		slog.Bool("redis", deps.SignalBus != nil),
		slog.Bool("s3", deps.BlobWriter != nil),
		slog.String("archive", cfg.Archive.Backend),
		slog.Bool("api_key", apiKey != ""),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}
