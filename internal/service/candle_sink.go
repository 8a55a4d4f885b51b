// Package service holds the long-running consumers that sit between the
// stream engine and the external stores.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/klinestream/internal/candles"
	"github.com/alanyoungcy/klinestream/internal/domain"
)

// Pub/sub channels.
const (
	ClosedChannel = "candles.closed"
	PriceChannel  = "prices"
)

// StreamName is the durable stream for one series.
func StreamName(symbol string, iv domain.Interval) string {
	return "candles:" + symbol + ":" + iv.Token()
}

// SinkConfig tunes a CandleSink.
type SinkConfig struct {
	// Buffer is the capacity of the hand-off channel from the dispatcher.
	Buffer int
	// BatchSize flushes a series once this many candles are pending.
	BatchSize     int
	FlushInterval time.Duration
	// PriceInterval is how often live prices are mirrored to the cache.
	PriceInterval time.Duration
	LockTTL       time.Duration
}

func (c SinkConfig) withDefaults() SinkConfig {
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.PriceInterval <= 0 {
		c.PriceInterval = time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	return c
}

// ClosedMessage is the JSON published for each closed candle.
type ClosedMessage struct {
	Symbol   string        `json:"symbol"`
	Interval string        `json:"interval"`
	Candle   domain.Candle `json:"candle"`
}

type seriesKey struct {
	symbol string
	iv     domain.Interval
}

// CandleSink persists closed candles to the archive, fans them out on the
// signal bus and mirrors live prices into the price cache. Every collaborator
// except the snapshot is optional.
type CandleSink struct {
	snap   *candles.Snapshot
	store  domain.CandleStore
	bus    domain.SignalBus
	prices domain.PriceCache
	locks  domain.LockManager
	cfg    SinkConfig
	logger *slog.Logger

	in      chan domain.ClosedCandle
	dropped atomic.Uint64
	written atomic.Uint64

	mu      sync.Mutex
	pending map[seriesKey][]domain.Candle
	mirror  map[string]time.Time
}

// NewCandleSink creates a sink reading prices from snap.
func NewCandleSink(
	snap *candles.Snapshot,
	store domain.CandleStore,
	bus domain.SignalBus,
	prices domain.PriceCache,
	locks domain.LockManager,
	cfg SinkConfig,
	logger *slog.Logger,
) *CandleSink {
	cfg = cfg.withDefaults()
	return &CandleSink{
		snap:    snap,
		store:   store,
		bus:     bus,
		prices:  prices,
		locks:   locks,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "candle_sink")),
		in:      make(chan domain.ClosedCandle, cfg.Buffer),
		pending: make(map[seriesKey][]domain.Candle),
		mirror:  make(map[string]time.Time),
	}
}

// Enqueue hands a closed candle to the sink without blocking. It is meant to
// be registered with Accumulator.OnClosed; when the buffer is full the
// candle is dropped and counted.
func (s *CandleSink) Enqueue(cc domain.ClosedCandle) {
	select {
	case s.in <- cc:
	default:
		s.dropped.Add(1)
		s.logger.Warn("sink buffer full, closed candle dropped",
			slog.String("symbol", cc.Symbol),
			slog.String("interval", cc.Interval.Token()),
		)
	}
}

// Dropped returns how many candles Enqueue discarded.
func (s *CandleSink) Dropped() uint64 { return s.dropped.Load() }

// Written returns how many candles reached the archive.
func (s *CandleSink) Written() uint64 { return s.written.Load() }

// Warm seeds the snapshot's closed sequences from the archive so continuity
// checks see the stored history. limit keeps only the newest candles per
// series; zero keeps all.
func (s *CandleSink) Warm(ctx context.Context, symbols []string, intervals []domain.Interval, limit int) error {
	if s.store == nil {
		return nil
	}
	for _, sym := range symbols {
		for _, iv := range intervals {
			seq, err := s.store.Read(ctx, sym, iv, nil)
			if err != nil {
				return fmt.Errorf("candle_sink: warm %s %s: %w", sym, iv.Token(), err)
			}
			if limit > 0 && len(seq) > limit {
				seq = seq[len(seq)-limit:]
			}
			if len(seq) == 0 {
				continue
			}
			if err := s.snap.Update(func(tx *candles.Tx) error {
				tx.Seed(sym, iv, seq)
				return nil
			}); err != nil {
				return fmt.Errorf("candle_sink: warm %s %s: %w", sym, iv.Token(), err)
			}
			s.logger.InfoContext(ctx, "series warmed",
				slog.String("symbol", sym),
				slog.String("interval", iv.Token()),
				slog.Int("candles", len(seq)),
			)
		}
	}
	return nil
}

// Run consumes closed candles until ctx is done, then flushes what is left
// with a fresh deadline.
func (s *CandleSink) Run(ctx context.Context) error {
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()
	price := time.NewTicker(s.cfg.PriceInterval)
	defer price.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.Flush(fctx)
			cancel()
			return err
		case cc := <-s.in:
			s.handle(ctx, cc)
		case <-flush.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.WarnContext(ctx, "periodic flush failed", slog.String("error", err.Error()))
			}
		case <-price.C:
			s.MirrorPrices(ctx)
		}
	}
}

func (s *CandleSink) drain() {
	for {
		select {
		case cc := <-s.in:
			s.queue(cc)
		default:
			return
		}
	}
}

func (s *CandleSink) handle(ctx context.Context, cc domain.ClosedCandle) {
	s.publish(ctx, cc)
	if n := s.queue(cc); n >= s.cfg.BatchSize {
		if err := s.flushSeries(ctx, seriesKey{cc.Symbol, cc.Interval}); err != nil {
			s.logger.WarnContext(ctx, "batch flush failed",
				slog.String("symbol", cc.Symbol),
				slog.String("interval", cc.Interval.Token()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *CandleSink) queue(cc domain.ClosedCandle) int {
	if s.store == nil {
		return 0
	}
	k := seriesKey{cc.Symbol, cc.Interval}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[k] = append(s.pending[k], cc.Candle)
	return len(s.pending[k])
}

func (s *CandleSink) publish(ctx context.Context, cc domain.ClosedCandle) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ClosedMessage{
		Symbol:   cc.Symbol,
		Interval: cc.Interval.Token(),
		Candle:   cc.Candle,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, ClosedChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish closed candle failed", slog.String("error", err.Error()))
	}
	if err := s.bus.StreamAppend(ctx, StreamName(cc.Symbol, cc.Interval), payload); err != nil {
		s.logger.WarnContext(ctx, "stream append failed", slog.String("error", err.Error()))
	}
}

// Flush writes every pending series. Series that fail stay pending for the
// next attempt; the errors are joined.
func (s *CandleSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]seriesKey, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := s.flushSeries(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *CandleSink) flushSeries(ctx context.Context, k seriesKey) error {
	s.mu.Lock()
	batch := s.pending[k]
	delete(s.pending, k)
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	requeue := func() {
		s.mu.Lock()
		s.pending[k] = append(batch, s.pending[k]...)
		s.mu.Unlock()
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "archive:"+k.symbol+":"+k.iv.Token(), s.cfg.LockTTL)
		if err != nil {
			requeue()
			return fmt.Errorf("candle_sink: lock %s %s: %w", k.symbol, k.iv.Token(), err)
		}
		defer unlock()
	}

	if err := s.store.Append(ctx, k.symbol, k.iv, batch); err != nil {
		requeue()
		return fmt.Errorf("candle_sink: append %s %s: %w: %w", k.symbol, k.iv.Token(), domain.ErrStorage, err)
	}
	s.written.Add(uint64(len(batch)))
	s.logger.DebugContext(ctx, "series flushed",
		slog.String("symbol", k.symbol),
		slog.String("interval", k.iv.Token()),
		slog.Int("candles", len(batch)),
	)
	return nil
}

// MirrorPrices copies each symbol's live price into the price cache and onto
// the price channel when it changed since the last mirror.
func (s *CandleSink) MirrorPrices(ctx context.Context) {
	if s.prices == nil && s.bus == nil {
		return
	}
	for _, sym := range s.snap.Symbols() {
		lp, ok, err := s.snap.PriceOf(sym)
		if err != nil {
			s.logger.ErrorContext(ctx, "snapshot unreadable", slog.String("error", err.Error()))
			return
		}
		if !ok || s.mirror[sym].Equal(lp.At) {
			continue
		}
		if s.prices != nil {
			if err := s.prices.SetPrice(ctx, sym, lp.Price, lp.At); err != nil {
				s.logger.WarnContext(ctx, "price mirror failed",
					slog.String("symbol", sym),
					slog.String("error", err.Error()),
				)
				continue
			}
		}
		if s.bus != nil {
			if payload, err := json.Marshal(lp); err == nil {
				if err := s.bus.Publish(ctx, PriceChannel, payload); err != nil {
					s.logger.WarnContext(ctx, "publish price failed", slog.String("error", err.Error()))
				}
			}
		}
		s.mirror[sym] = lp.At
	}
}
