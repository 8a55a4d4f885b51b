package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/alanyoungcy/klinestream/internal/backtest"
	"github.com/alanyoungcy/klinestream/internal/candles"
	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/alanyoungcy/klinestream/internal/feed"
	"github.com/alanyoungcy/klinestream/internal/platform/binance"
	"github.com/alanyoungcy/klinestream/internal/server"
	"github.com/alanyoungcy/klinestream/internal/server/grpcapi"
	"github.com/alanyoungcy/klinestream/internal/server/handler"
	"github.com/alanyoungcy/klinestream/internal/server/ws"
	"github.com/alanyoungcy/klinestream/internal/service"
)

// engine is the live pipeline: dispatcher -> accumulator -> snapshot, with
// the sink and alerts hanging off the accumulator hooks.
type engine struct {
	snap      *candles.Snapshot
	acc       *candles.Accumulator
	disp      *feed.Dispatcher
	sink      *service.CandleSink
	symbols   []string
	intervals []domain.Interval
}

// StreamMode runs the live candle engine and the read API.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode")

	g, ctx := errgroup.WithContext(ctx)
	alerts := a.startAlerts(ctx, g, deps)

	eng, err := a.buildEngine(deps, alerts)
	if err != nil {
		return err
	}
	hub := a.newHub(deps, eng.acc)
	a.startEngine(ctx, g, eng)
	a.startServers(ctx, g, deps, eng.snap, hub, eng.disp, nil)

	return g.Wait()
}

// BacktestMode replays the configured order over archived candles. With the
// server enabled the runner stays reachable over HTTP after the automatic
// run finishes.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting backtest mode")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	alerts := a.startAlerts(ctx, g, deps)

	runner, err := a.buildRunner(deps, alerts)
	if err != nil {
		return err
	}
	g.Go(func() error {
		err := a.runBacktest(ctx, deps, runner)
		if !a.cfg.Server.Enabled {
			cancel()
		}
		return err
	})
	a.startServers(ctx, g, deps, candles.NewSnapshot(), a.newHub(deps, nil), nil, runner)

	return g.Wait()
}

// BackfillMode fetches history over REST into the archive for every stream
// series and the backtest series, then exits.
func (a *App) BackfillMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting backfill mode")

	from, err := a.cfg.BacktestStart()
	if err != nil {
		return fmt.Errorf("app: backfill: %w", err)
	}
	intervals, err := a.cfg.Intervals()
	if err != nil {
		return fmt.Errorf("app: backfill: %w", err)
	}
	btIv, err := domain.ParseInterval(a.cfg.Backtest.Interval)
	if err != nil {
		return fmt.Errorf("app: backfill: %w", err)
	}

	type series struct {
		symbol string
		iv     domain.Interval
	}
	seen := make(map[series]bool)
	var all []series
	add := func(s series) {
		if !seen[s] {
			seen[s] = true
			all = append(all, s)
		}
	}
	for _, sym := range upper(a.cfg.Stream.Symbols) {
		for _, iv := range intervals {
			add(series{sym, iv})
		}
	}
	add(series{strings.ToUpper(a.cfg.Backtest.Symbol), btIv})

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range all {
		g.Go(func() error {
			_, err := a.backfill(ctx, deps, s.symbol, s.iv, from)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "backfill complete", slog.Int("series", len(all)))
	return nil
}

// FullMode runs the live engine and the backtest runner side by side.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	alerts := a.startAlerts(ctx, g, deps)

	eng, err := a.buildEngine(deps, alerts)
	if err != nil {
		return err
	}
	runner, err := a.buildRunner(deps, alerts)
	if err != nil {
		return err
	}
	hub := a.newHub(deps, eng.acc)
	a.startEngine(ctx, g, eng)
	g.Go(func() error {
		return a.runBacktest(ctx, deps, runner)
	})
	a.startServers(ctx, g, deps, eng.snap, hub, eng.disp, runner)

	return g.Wait()
}

func (a *App) startAlerts(ctx context.Context, g *errgroup.Group, deps *Dependencies) *service.Alerts {
	alerts := service.NewAlerts(deps.Notifier, 64, a.logger)
	if deps.Notifier.Enabled() {
		g.Go(func() error { return alerts.Run(ctx) })
	}
	return alerts
}

func (a *App) buildEngine(deps *Dependencies, alerts *service.Alerts) (*engine, error) {
	intervals, err := a.cfg.Intervals()
	if err != nil {
		return nil, fmt.Errorf("app: stream intervals: %w", err)
	}
	symbols := upper(a.cfg.Stream.Symbols)

	subs := binance.Subscriptions(symbols, intervals, a.cfg.Stream.Depth)
	if !a.cfg.Stream.Trades {
		kept := subs[:0]
		for _, s := range subs {
			if s.Kind != binance.StreamAggTrade {
				kept = append(kept, s)
			}
		}
		subs = kept
	}

	snap := candles.NewSnapshot()
	acc := candles.NewAccumulator(snap, candles.Options{TrackTradePrice: a.cfg.Stream.TrackTradePrice}, a.logger)
	disp := feed.NewDispatcher(deps.Dialer, acc, feed.Config{
		Subscriptions: subs,
		BatchSize:     a.cfg.Stream.BatchSize,
		ReconnectMin:  a.cfg.Stream.ReconnectMin.Duration,
		ReconnectMax:  a.cfg.Stream.ReconnectMax.Duration,
	}, a.logger)
	sink := service.NewCandleSink(snap, deps.Candles, deps.SignalBus, deps.PriceCache, deps.LockManager, service.SinkConfig{
		BatchSize:     a.cfg.Archive.BatchSize,
		FlushInterval: a.cfg.Archive.FlushInterval.Duration,
		PriceInterval: a.cfg.Redis.MirrorInterval.Duration,
		LockTTL:       a.cfg.Archive.LockTTL.Duration,
	}, a.logger)

	acc.OnClosed(sink.Enqueue)
	acc.OnWarning(alerts.Warning)
	disp.OnDisconnect(alerts.Disconnect)

	return &engine{snap: snap, acc: acc, disp: disp, sink: sink, symbols: symbols, intervals: intervals}, nil
}

func (a *App) startEngine(ctx context.Context, g *errgroup.Group, eng *engine) {
	if err := eng.sink.Warm(ctx, eng.symbols, eng.intervals, a.cfg.Stream.WarmLimit); err != nil {
		a.logger.WarnContext(ctx, "warming snapshot failed, starting cold", slog.String("error", err.Error()))
	}

	g.Go(func() error { return eng.sink.Run(ctx) })
	g.Go(func() error {
		defer eng.disp.Close()
		return eng.disp.RunWithRetry(ctx)
	})
}

func (a *App) buildRunner(deps *Dependencies, alerts *service.Alerts) (*backtest.Runner, error) {
	iv, err := domain.ParseInterval(a.cfg.Backtest.Interval)
	if err != nil {
		return nil, fmt.Errorf("app: backtest interval: %w", err)
	}
	start, err := a.cfg.BacktestStart()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	opts, err := a.cfg.EvalOptions()
	if err != nil {
		return nil, fmt.Errorf("app: backtest eval: %w", err)
	}
	order, err := a.cfg.Backtest.Order.Build()
	if err != nil {
		return nil, fmt.Errorf("app: backtest order: %w", err)
	}

	runner := backtest.NewRunner(deps.Candles, deps.Ledger, backtest.Config{
		Symbol:   strings.ToUpper(a.cfg.Backtest.Symbol),
		Interval: iv,
		Start:    start,
		Balances: domain.Balances{Asset1: a.cfg.Backtest.Asset1, Asset2: a.cfg.Backtest.Asset2},
		Eval:     opts,
	}, a.logger)
	runner.OnFill(alerts.Fill)
	runner.SetOrder(order)
	return runner, nil
}

// runBacktest advances the runner until the order fills, stops moving, or
// max_steps is reached, then records the run.
func (a *App) runBacktest(ctx context.Context, deps *Dependencies, runner *backtest.Runner) error {
	bt := a.cfg.Backtest
	if bt.Backfill {
		start, _ := a.cfg.BacktestStart()
		iv, _ := domain.ParseInterval(bt.Interval)
		if _, err := a.backfill(ctx, deps, strings.ToUpper(bt.Symbol), iv, start); err != nil {
			return err
		}
	}

	steps := 0
	for bt.MaxSteps == 0 || steps < bt.MaxSteps {
		steps++
		res, err := runner.Advance(ctx, bt.Step)
		if err != nil {
			return fmt.Errorf("app: backtest: %w", err)
		}
		if res.NoOrder || res.Record != nil || len(res.Conditions) == 0 {
			break
		}
		if res.Final() != domain.ConditionStopTriggered {
			break
		}
	}

	run := runner.Summary()
	a.logger.InfoContext(ctx, "backtest finished",
		slog.String("run_id", run.ID),
		slog.String("state", string(runner.State())),
		slog.Int("steps", steps),
		slog.Int("trades", run.Trades),
		slog.Float64("asset1", run.Final.Asset1),
		slog.Float64("asset2", run.Final.Asset2),
	)

	if deps.Ledger != nil {
		if err := deps.Ledger.UpsertRun(ctx, run); err != nil {
			return fmt.Errorf("app: backtest: save run: %w", err)
		}
	}
	if bt.Export && deps.Exporter != nil {
		p, err := deps.Exporter.Export(ctx, run, runner.Ledger())
		if err != nil {
			return fmt.Errorf("app: backtest: %w", err)
		}
		a.logger.InfoContext(ctx, "ledger exported", slog.String("path", p))
	}
	return nil
}

// backfill fetches [from, now) for one series and appends it to the archive.
func (a *App) backfill(ctx context.Context, deps *Dependencies, symbol string, iv domain.Interval, from time.Time) (int, error) {
	if deps.Candles == nil {
		return 0, fmt.Errorf("app: backfill %s %s: no archive configured", symbol, iv.Token())
	}
	seq, err := deps.Klines.FetchKlines(ctx, symbol, iv, from, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("app: backfill %s %s: %w", symbol, iv.Token(), err)
	}
	if len(seq) > 0 {
		if err := deps.Candles.Append(ctx, symbol, iv, seq); err != nil {
			return 0, fmt.Errorf("app: backfill %s %s: %w: %w", symbol, iv.Token(), domain.ErrStorage, err)
		}
	}
	a.logger.InfoContext(ctx, "series backfilled",
		slog.String("symbol", symbol),
		slog.String("interval", iv.Token()),
		slog.Int("candles", len(seq)),
	)
	return len(seq), nil
}

// newHub creates the websocket hub when the server is enabled. Without a
// signal bus closed candles are broadcast straight from the accumulator.
func (a *App) newHub(deps *Dependencies, acc *candles.Accumulator) *ws.Hub {
	if !a.cfg.Server.Enabled {
		return nil
	}
	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
		Channels:  []string{service.ClosedChannel, service.PriceChannel},
	}, a.logger)

	if deps.SignalBus == nil && acc != nil {
		acc.OnClosed(func(cc domain.ClosedCandle) {
			payload, err := json.Marshal(service.ClosedMessage{
				Symbol:   cc.Symbol,
				Interval: cc.Interval.Token(),
				Candle:   cc.Candle,
			})
			if err == nil {
				hub.Broadcast(service.ClosedChannel, payload)
			}
		})
	}
	return hub
}

func (a *App) startServers(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	snap *candles.Snapshot,
	hub *ws.Hub,
	disp *feed.Dispatcher,
	runner *backtest.Runner,
) {
	if !a.cfg.Server.Enabled {
		return
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Probes, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, a.startedAt),
		Candles: handler.NewCandleHandler(snap, a.logger),
	}
	if disp != nil {
		handlers.Stream = handler.NewStreamHandler(disp, a.logger)
	}
	if runner != nil {
		handlers.Backtest = handler.NewBacktestHandler(runner, deps.Ledger, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if hub != nil {
		g.Go(func() error { return hub.Run(ctx) })
	}

	if a.cfg.Server.GRPCPort > 0 {
		gs := grpcapi.NewServer(grpcapi.NewCandleService(snap), a.logger)
		addr := fmt.Sprintf(":%d", a.cfg.Server.GRPCPort)
		g.Go(func() error {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("app: grpc listen %s: %w", addr, err)
			}
			a.logger.InfoContext(ctx, "grpc: starting", slog.String("addr", addr))
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("app: grpc serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			gs.GracefulStop()
			return nil
		})
	}
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}
