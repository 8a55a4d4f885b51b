// Command klinestream is the entry point of the candle engine. It loads
// configuration, validates it, sets up signal handling, and runs the
// application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/klinestream/internal/app"
	"github.com/alanyoungcy/klinestream/internal/config"
	"github.com/alanyoungcy/klinestream/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	sealPath := flag.String("seal", "", "seal KLINE_SEAL_SECRET with KLINE_SEAL_PASSWORD into this file and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if *sealPath != "" {
		if err := sealSecret(*sealPath); err != nil {
			logger.Error("seal failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("secret sealed", slog.String("path", *sealPath))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redacted := config.RedactedConfig(cfg)
	logger.Info("klinestream starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("symbols", redacted.Stream.Symbols),
		slog.Any("intervals", redacted.Stream.Intervals),
	)
	logger.Debug("active configuration", slog.Any("config", redacted))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("klinestream stopped")
}

func sealSecret(path string) error {
	secret, password := os.Getenv("KLINE_SEAL_SECRET"), os.Getenv("KLINE_SEAL_PASSWORD")
	if secret == "" || password == "" {
		return errors.New("KLINE_SEAL_SECRET and KLINE_SEAL_PASSWORD must both be set")
	}
	sealed, err := crypto.Seal(secret, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}
