// Package backtest walks historical candles forward and evaluates a pending
// order against each of them.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/alanyoungcy/klinestream/internal/evaluator"
	"github.com/google/uuid"
)

// Config seeds a Runner.
type Config struct {
	// RunID identifies the run in the ledger; generated when empty.
	RunID    string
	Symbol   string
	Interval domain.Interval
	// Start is the simulated time; the first evaluated candle is the one
	// after the bucket containing Start.
	Start    time.Time
	Balances domain.Balances
	Eval     evaluator.Options
}

// AdvanceResult describes one Advance call.
type AdvanceResult struct {
	// NoOrder is set when there was nothing to evaluate.
	NoOrder bool
	// Conditions has one entry per evaluated candle, in order.
	Conditions []domain.Condition
	// Record is the ledger entry appended by a fill.
	Record    *domain.TradeRecord
	TradeTime time.Time
	Balances  domain.Balances
}

// Final returns the last condition reached, or Untouched.
func (r AdvanceResult) Final() domain.Condition {
	if len(r.Conditions) == 0 {
		return domain.ConditionUntouched
	}
	return r.Conditions[len(r.Conditions)-1]
}

// Runner is the historical trade state machine. Time only moves forward and
// only when a candle produced a decision.
type Runner struct {
	store  domain.CandleStore
	ledger domain.LedgerStore
	logger *slog.Logger

	mu        sync.Mutex
	runID     string
	symbol    string
	interval  domain.Interval
	start     time.Time
	initial   domain.Balances
	tradeTime time.Time
	balances  domain.Balances
	order     domain.Order
	records   []domain.TradeRecord
	state     domain.RunState
	opts      evaluator.Options
	createdAt time.Time

	onFill []func(domain.TradeRecord)
}

// NewRunner creates a runner reading candles from store. ledger may be nil,
// in which case records are kept in memory only.
func NewRunner(store domain.CandleStore, ledger domain.LedgerStore, cfg Config, logger *slog.Logger) *Runner {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return &Runner{
		store:     store,
		ledger:    ledger,
		logger:    logger.With(slog.String("component", "backtest"), slog.String("run_id", cfg.RunID)),
		runID:     cfg.RunID,
		symbol:    cfg.Symbol,
		interval:  cfg.Interval,
		start:     cfg.Start,
		initial:   cfg.Balances,
		tradeTime: cfg.Start,
		balances:  cfg.Balances,
		state:     domain.RunIdle,
		opts:      cfg.Eval,
		createdAt: time.Now().UTC(),
	}
}

// OnFill registers fn to be called after each committed fill.
func (r *Runner) OnFill(fn func(domain.TradeRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFill = append(r.onFill, fn)
}

// SetOrder replaces the pending order. A nil order returns the runner to
// Idle.
func (r *Runner) SetOrder(o domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = o
	if o == nil {
		r.state = domain.RunIdle
	} else {
		r.state = domain.RunPending
	}
}

// SetInterval changes the granularity used by later Advance calls.
func (r *Runner) SetInterval(iv domain.Interval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = iv
}

func (r *Runner) Order() domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order
}

func (r *Runner) State() domain.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) TradeTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tradeTime
}

func (r *Runner) Balances() domain.Balances {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances
}

// Ledger returns a copy of the records appended so far.
func (r *Runner) Ledger() []domain.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TradeRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Summary returns the run for persistence.
func (r *Runner) Summary() domain.BacktestRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.BacktestRun{
		ID:        r.runID,
		Symbol:    r.symbol,
		Interval:  r.interval,
		Start:     r.start,
		Initial:   r.initial,
		Final:     r.balances,
		Trades:    len(r.records),
		CreatedAt: r.createdAt,
	}
}

// Window returns the [from, to) range covering the n buckets after the one
// containing t. Bounds are stepped bucket by bucket so calendar months keep
// their true length.
func Window(iv domain.Interval, t time.Time, n int) domain.TimeRange {
	from := iv.Next(iv.Align(t))
	to := from
	for i := 0; i < n; i++ {
		to = iv.Next(to)
	}
	return domain.TimeRange{From: from, To: to}
}

// Advance evaluates the pending order against the next n candles and stops
// at the first one that changes anything. Without a decision, trade time
// stays where it is so no candle is ever skipped.
func (r *Runner) Advance(ctx context.Context, n int) (AdvanceResult, error) {
	res, hooks, err := r.advance(ctx, n)
	if err != nil || res.Record == nil {
		return res, err
	}
	// Hooks run unlocked so they may read the runner.
	for _, fn := range hooks {
		fn(*res.Record)
	}
	return res, nil
}

func (r *Runner) advance(ctx context.Context, n int) (AdvanceResult, []func(domain.TradeRecord), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hooks []func(domain.TradeRecord)

	res := AdvanceResult{TradeTime: r.tradeTime, Balances: r.balances}
	if n <= 0 {
		return res, nil, nil
	}
	if r.order == nil {
		res.NoOrder = true
		r.logger.DebugContext(ctx, "advance without order")
		return res, nil, nil
	}

	rng := Window(r.interval, r.tradeTime, n)
	window, err := r.store.Read(ctx, r.symbol, r.interval, &rng)
	if err != nil {
		return res, nil, fmt.Errorf("backtest: read %s %s: %w: %w", r.symbol, r.interval, domain.ErrStorage, err)
	}
	if len(window) > n {
		window = window[:n]
	}

	for _, c := range window {
		out, changed := evaluator.Evaluate(c, r.balances, r.order, r.opts)
		res.Conditions = append(res.Conditions, out.Condition)
		if !changed {
			continue
		}

		switch out.Condition {
		case domain.ConditionStopTriggered:
			r.order = out.Next
			r.tradeTime = c.OpenTime
			r.state = domain.RunPending
			r.logger.InfoContext(ctx, "stop triggered", slog.Time("candle", c.OpenTime))

		case domain.ConditionFilled:
			rec := r.newRecord(c, out)
			if r.ledger != nil {
				if err := r.ledger.InsertRecord(ctx, rec); err != nil {
					return AdvanceResult{TradeTime: r.tradeTime, Balances: r.balances}, nil,
						fmt.Errorf("backtest: persist record: %w: %w", domain.ErrStorage, err)
				}
			}
			r.records = append(r.records, rec)
			r.balances = out.Balances
			r.order = nil
			r.tradeTime = c.OpenTime
			r.state = domain.RunClosed
			res.Record = &rec

			r.logger.InfoContext(ctx, "order filled",
				slog.Time("candle", c.OpenTime),
				slog.Float64("price", out.FillPrice),
				slog.Int("trade_count", rec.TradeCount),
			)
			hooks = append(hooks, r.onFill...)
		}
		break
	}

	res.TradeTime = r.tradeTime
	res.Balances = r.balances
	return res, hooks, nil
}

func (r *Runner) newRecord(c domain.Candle, out evaluator.Result) domain.TradeRecord {
	prev := r.balances
	return domain.TradeRecord{
		ID:              uuid.NewString(),
		RunID:           r.runID,
		Symbol:          r.symbol,
		TransactionTime: c.OpenTime,
		TradeCount:      len(r.records) + 1,
		Held:            evaluator.Held(out.Balances, out.FillPrice),
		Balances:        out.Balances,
		Previous:        prev,
		Asset1Change:    domain.PercentChange(prev.Asset1, out.Balances.Asset1),
		Asset2Change:    domain.PercentChange(prev.Asset2, out.Balances.Asset2),
		Side:            r.order.OrderSide(),
		Kind:            r.order.Kind(),
		FillPrice:       out.FillPrice,
	}
}
