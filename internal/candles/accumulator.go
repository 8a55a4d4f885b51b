package candles

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
)

// Warning describes a consistency problem in a closed sequence. The stream is
// never aborted for one.
type Warning struct {
	Symbol   string
	Interval domain.Interval
	// Err is ErrGap or ErrDuplicateCandle.
	Err      error
	Expected time.Time
	Got      time.Time
}

// Stats counts what the accumulator has applied.
type Stats struct {
	Trades     uint64 `json:"trades"`
	OpenTicks  uint64 `json:"open_ticks"`
	Closed     uint64 `json:"closed"`
	Gaps       uint64 `json:"gaps"`
	Duplicates uint64 `json:"duplicates"`
	Ignored    uint64 `json:"ignored"`
}

// Options configures an Accumulator.
type Options struct {
	// TrackTradePrice updates the live price cell from trade events.
	TrackTradePrice bool
}

// Accumulator applies parsed events to a Snapshot. It is driven by a single
// goroutine; hooks are invoked on that goroutine after the write lock has
// been released.
type Accumulator struct {
	snap   *Snapshot
	opts   Options
	logger *slog.Logger

	hookMu   sync.RWMutex
	onClosed []func(domain.ClosedCandle)
	onWarn   []func(Warning)

	trades     atomic.Uint64
	openTicks  atomic.Uint64
	closed     atomic.Uint64
	gaps       atomic.Uint64
	duplicates atomic.Uint64
	ignored    atomic.Uint64
}

// NewAccumulator creates an accumulator writing into snap.
func NewAccumulator(snap *Snapshot, opts Options, logger *slog.Logger) *Accumulator {
	return &Accumulator{
		snap:   snap,
		opts:   opts,
		logger: logger.With(slog.String("component", "accumulator")),
	}
}

// Snapshot returns the shared snapshot this accumulator writes to.
func (a *Accumulator) Snapshot() *Snapshot { return a.snap }

// OnClosed registers fn to receive every candle appended to a closed sequence.
func (a *Accumulator) OnClosed(fn func(domain.ClosedCandle)) {
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	a.onClosed = append(a.onClosed, fn)
}

// OnWarning registers fn to receive gap and duplicate reports.
func (a *Accumulator) OnWarning(fn func(Warning)) {
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	a.onWarn = append(a.onWarn, fn)
}

// Stats returns the counters.
func (a *Accumulator) Stats() Stats {
	return Stats{
		Trades:     a.trades.Load(),
		OpenTicks:  a.openTicks.Load(),
		Closed:     a.closed.Load(),
		Gaps:       a.gaps.Load(),
		Duplicates: a.duplicates.Load(),
		Ignored:    a.ignored.Load(),
	}
}

// Place applies one event for symbol. A final tick appends to the closed
// sequence and clears the open one, except a final at or before the last
// closed open time: that one is reported as a duplicate and changes nothing.
// The only error it returns is a poisoned snapshot; consistency problems are
// reported through warnings.
func (a *Accumulator) Place(symbol string, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.TradeEvent:
		return a.placeTrade(symbol, e)
	case domain.CandleTickEvent:
		return a.placeTick(symbol, e)
	default:
		a.ignored.Add(1)
		return nil
	}
}

func (a *Accumulator) placeTrade(symbol string, e domain.TradeEvent) error {
	a.trades.Add(1)
	if !a.opts.TrackTradePrice {
		return nil
	}
	at := e.TradeTime
	if at.IsZero() {
		at = e.EventTime
	}
	return a.snap.Update(func(tx *Tx) error {
		tx.SetLastPrice(domain.LivePrice{Symbol: symbol, Price: e.Price, At: at})
		return nil
	})
}

func (a *Accumulator) placeTick(symbol string, e domain.CandleTickEvent) error {
	c := e.Tick.Candle()
	iv := e.Interval

	if !e.Tick.IsFinal {
		a.openTicks.Add(1)
		return a.snap.Update(func(tx *Tx) error {
			tx.PushOpen(symbol, iv, c)
			return nil
		})
	}

	var warn *Warning
	appended := false
	err := a.snap.Update(func(tx *Tx) error {
		if last, ok := tx.LastClosed(symbol, iv); ok {
			expected := iv.Next(last.OpenTime)
			switch {
			case !c.OpenTime.After(last.OpenTime):
				// Stale final: the open ticks may already belong to the
				// next bucket, so they are left alone.
				warn = &Warning{Symbol: symbol, Interval: iv, Err: domain.ErrDuplicateCandle, Expected: expected, Got: c.OpenTime}
				return nil
			case c.OpenTime.After(expected):
				warn = &Warning{Symbol: symbol, Interval: iv, Err: domain.ErrGap, Expected: expected, Got: c.OpenTime}
			}
		}
		tx.CloseBucket(symbol, iv, c)
		appended = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("candles: close %s %s: %w", symbol, iv, err)
	}

	if warn != nil {
		a.report(*warn)
	}
	if appended {
		a.closed.Add(1)
		a.emitClosed(domain.ClosedCandle{Symbol: symbol, Interval: iv, Candle: c})
	}
	return nil
}

func (a *Accumulator) report(w Warning) {
	if w.Err == domain.ErrGap {
		a.gaps.Add(1)
	} else {
		a.duplicates.Add(1)
	}
	a.logger.Warn("closed sequence inconsistency",
		slog.String("symbol", w.Symbol),
		slog.String("interval", w.Interval.Token()),
		slog.String("kind", w.Err.Error()),
		slog.Time("expected", w.Expected),
		slog.Time("got", w.Got),
	)

	a.hookMu.RLock()
	hooks := a.onWarn
	a.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(w)
	}
}

func (a *Accumulator) emitClosed(cc domain.ClosedCandle) {
	a.hookMu.RLock()
	hooks := a.onClosed
	a.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(cc)
	}
}
