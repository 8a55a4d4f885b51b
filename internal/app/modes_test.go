package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/klinestream/internal/config"
	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/alanyoungcy/klinestream/internal/notify"
	"github.com/alanyoungcy/klinestream/internal/platform/binance"
	"github.com/alanyoungcy/klinestream/internal/service"
	"github.com/alanyoungcy/klinestream/internal/store/parquet"
)

var start = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

func testApp(t *testing.T, mutate func(*config.Config)) (*App, *Dependencies) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Defaults()
	cfg.Mode = "backtest"
	cfg.Backtest.Symbol = "btcusdt"
	cfg.Backtest.Interval = "1h"
	cfg.Backtest.Start = "2024-03-01"
	cfg.Backtest.MaxSteps = 10
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := parquet.NewFileStore(t.TempDir())
	require.NoError(t, err)
	deps := &Dependencies{
		Candles:  store,
		Notifier: notify.NewNotifier(nil, nil, logger),
	}
	return New(&cfg, logger), deps
}

func hourly(closes ...float64) []domain.Candle {
	out := make([]domain.Candle, len(closes))
	for i, c := range closes {
		out[i] = domain.Candle{
			OpenTime: start.Add(time.Duration(i+1) * time.Hour),
			Open:     c, High: c + 1, Low: c - 1, Close: c, Volume: 1,
		}
	}
	return out
}

func TestRunBacktestMarketFill(t *testing.T) {
	a, deps := testApp(t, nil)
	ctx := context.Background()
	require.NoError(t, deps.Candles.Append(ctx, "BTCUSDT", domain.Interval1h, hourly(100, 101, 102)))

	runner, err := a.buildRunner(deps, service.NewAlerts(deps.Notifier, 1, a.logger))
	require.NoError(t, err)
	require.NoError(t, a.runBacktest(ctx, deps, runner))

	assert.Equal(t, domain.RunClosed, runner.State())
	recs := runner.Ledger()
	require.Len(t, recs, 1)
	assert.Equal(t, start.Add(time.Hour), recs[0].TransactionTime)
	assert.Nil(t, runner.Order())
}

func TestRunBacktestStopsWhenUntouched(t *testing.T) {
	a, deps := testApp(t, func(cfg *config.Config) {
		cfg.Backtest.Order = domain.OrderSpec{Kind: domain.OrderKindLimit, Side: domain.OrderSideBuy, Quantity: "50%", Price: 10}
	})
	ctx := context.Background()
	require.NoError(t, deps.Candles.Append(ctx, "BTCUSDT", domain.Interval1h, hourly(100, 101, 102)))

	runner, err := a.buildRunner(deps, service.NewAlerts(deps.Notifier, 1, a.logger))
	require.NoError(t, err)
	require.NoError(t, a.runBacktest(ctx, deps, runner))

	assert.Empty(t, runner.Ledger())
	assert.Equal(t, start, runner.TradeTime())
	assert.NotNil(t, runner.Order())
}

func TestBackfillAppendsClosedCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte("["))
		for i := 0; i < 3; i++ {
			if i > 0 {
				w.Write([]byte(","))
			}
			open := start.Add(time.Duration(i) * time.Hour).UnixMilli()
			fmt.Fprintf(w, `[%d,"1","2","0.5","1.5","10",%d,"0",1,"0","0","0"]`, open, open+3_599_999)
		}
		w.Write([]byte("]"))
	}))
	defer srv.Close()

	a, deps := testApp(t, nil)
	deps.Klines = binance.NewKlineClient(srv.URL, "")
	ctx := context.Background()

	n, err := a.backfill(ctx, deps, "BTCUSDT", domain.Interval1h, start)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// A second pass is idempotent.
	_, err = a.backfill(ctx, deps, "BTCUSDT", domain.Interval1h, start)
	require.NoError(t, err)

	got, err := deps.Candles.Read(ctx, "BTCUSDT", domain.Interval1h, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, start, got[0].OpenTime)
	assert.Equal(t, 1.5, got[2].Close)
}

func TestBackfillWithoutArchive(t *testing.T) {
	a, deps := testApp(t, nil)
	deps.Candles = nil
	_, err := a.backfill(context.Background(), deps, "BTCUSDT", domain.Interval1h, start)
	assert.Error(t, err)
}

func TestWireMinimal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Defaults()
	cfg.Archive.Dir = t.TempDir()

	deps, cleanup, err := Wire(context.Background(), &cfg, logger)
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Candles)
	assert.Nil(t, deps.Ledger)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.Exporter)
	assert.False(t, deps.Notifier.Enabled())
	assert.Empty(t, deps.Probes)
}
