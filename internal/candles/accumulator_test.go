package candles

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tick(iv domain.Interval, open time.Time, price float64, final bool) domain.CandleTickEvent {
	return domain.CandleTickEvent{
		Symbol:   "BTCUSDT",
		Interval: iv,
		Tick: domain.CandleTick{
			OpenTime: open, CloseTime: iv.Next(open).Add(-time.Millisecond),
			Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 1,
			IsFinal: final,
		},
	}
}

func TestPlaceOpenAndClose(t *testing.T) {
	snap := NewSnapshot()
	acc := NewAccumulator(snap, Options{}, testLogger())

	iv := domain.Interval1m
	rng := rand.New(rand.NewSource(7))
	open := t0

	for i := 0; i < 200; i++ {
		before, err := snap.Closed("BTCUSDT", iv)
		require.NoError(t, err)
		openBefore, err := snap.Open("BTCUSDT", iv)
		require.NoError(t, err)

		final := rng.Intn(4) == 0
		require.NoError(t, acc.Place("BTCUSDT", tick(iv, open, 100+float64(i), final)))

		after, err := snap.Closed("BTCUSDT", iv)
		require.NoError(t, err)
		openAfter, err := snap.Open("BTCUSDT", iv)
		require.NoError(t, err)

		if final {
			assert.Len(t, after, len(before)+1)
			assert.Empty(t, openAfter)
			open = iv.Next(open)
		} else {
			assert.Len(t, openAfter, len(openBefore)+1)
			assert.Equal(t, before, after)
		}
		// Appended open times are never removed or reordered.
		require.GreaterOrEqual(t, len(after), len(before))
		assert.Equal(t, before, after[:len(before)])
	}
}

func TestDuplicateFinalIsNotAppended(t *testing.T) {
	snap := NewSnapshot()
	acc := NewAccumulator(snap, Options{}, testLogger())

	var warns []Warning
	acc.OnWarning(func(w Warning) { warns = append(warns, w) })

	iv := domain.Interval5m
	require.NoError(t, acc.Place("BTCUSDT", tick(iv, t0, 100, true)))
	require.NoError(t, acc.Place("BTCUSDT", tick(iv, iv.Next(t0), 101, true)))
	require.NoError(t, acc.Place("BTCUSDT", tick(iv, iv.Next(iv.Next(t0)), 102, false)))
	require.NoError(t, acc.Place("BTCUSDT", tick(iv, t0, 99, true)))

	closed, err := snap.Closed("BTCUSDT", iv)
	require.NoError(t, err)
	require.Len(t, closed, 2)

	open, err := snap.Open("BTCUSDT", iv)
	require.NoError(t, err)
	assert.Len(t, open, 1, "stale final keeps the next bucket's ticks")
	assert.Equal(t, t0, closed[0].OpenTime)
	assert.Equal(t, iv.Next(t0), closed[1].OpenTime)

	require.Len(t, warns, 1)
	assert.True(t, errors.Is(warns[0].Err, domain.ErrDuplicateCandle))
	assert.Equal(t, uint64(1), acc.Stats().Duplicates)
	assert.Equal(t, uint64(2), acc.Stats().Closed)
}

func TestGapIsAppendedAndCounted(t *testing.T) {
	snap := NewSnapshot()
	acc := NewAccumulator(snap, Options{}, testLogger())

	var closedSeen []domain.ClosedCandle
	acc.OnClosed(func(cc domain.ClosedCandle) { closedSeen = append(closedSeen, cc) })

	iv := domain.Interval1h
	require.NoError(t, acc.Place("BTCUSDT", tick(iv, t0, 100, true)))
	require.NoError(t, acc.Place("BTCUSDT", tick(iv, t0.Add(3*time.Hour), 100, true)))

	closed, err := snap.Closed("BTCUSDT", iv)
	require.NoError(t, err)
	assert.Len(t, closed, 2)
	assert.Equal(t, uint64(1), acc.Stats().Gaps)
	assert.Len(t, closedSeen, 2)
}

func TestTradeUpdatesLastPrice(t *testing.T) {
	snap := NewSnapshot()

	off := NewAccumulator(snap, Options{}, testLogger())
	require.NoError(t, off.Place("BTCUSDT", domain.TradeEvent{Price: 1, TradeTime: t0}))
	_, ok, err := snap.LastPrice()
	require.NoError(t, err)
	assert.False(t, ok)

	on := NewAccumulator(snap, Options{TrackTradePrice: true}, testLogger())
	require.NoError(t, on.Place("BTCUSDT", domain.TradeEvent{Price: 42000.5, TradeTime: t0}))
	require.NoError(t, on.Place("ETHUSDT", domain.TradeEvent{Price: 2200, TradeTime: t0.Add(time.Second)}))

	p, ok, err := snap.LastPrice()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2200.0, p.Price)
	assert.Equal(t, "ETHUSDT", p.Symbol)

	btc, ok, err := snap.PriceOf("BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42000.5, btc.Price)
}

func TestOtherEventsAreIgnored(t *testing.T) {
	snap := NewSnapshot()
	acc := NewAccumulator(snap, Options{}, testLogger())

	require.NoError(t, acc.Place("BTCUSDT", domain.OrderBookEvent{Symbol: "BTCUSDT"}))
	assert.Equal(t, uint64(1), acc.Stats().Ignored)
	assert.Empty(t, snap.Symbols())
}

func TestMissingSeriesReadsEmpty(t *testing.T) {
	snap := NewSnapshot()
	closed, err := snap.Closed("NOPE", domain.Interval1d)
	require.NoError(t, err)
	assert.NotNil(t, closed)
	assert.Empty(t, closed)
}

func TestPoisonedSnapshot(t *testing.T) {
	snap := NewSnapshot()
	err := snap.Update(func(tx *Tx) error {
		var m map[string]int
		m["boom"] = 1
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSnapshotPoisoned))

	acc := NewAccumulator(snap, Options{}, testLogger())
	err = acc.Place("BTCUSDT", tick(domain.Interval1m, t0, 1, true))
	assert.True(t, errors.Is(err, domain.ErrSnapshotPoisoned))

	_, err = snap.Closed("BTCUSDT", domain.Interval1m)
	assert.True(t, errors.Is(err, domain.ErrSnapshotPoisoned))
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	snap := NewSnapshot()
	acc := NewAccumulator(snap, Options{}, testLogger())

	require.NoError(t, snap.Update(func(tx *Tx) error {
		tx.Seed("ETHUSDT", domain.Interval1m, []domain.Candle{{OpenTime: t0, Close: 1}})
		return nil
	}))

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		open := t0
		for i := 0; i < 2000; i++ {
			_ = acc.Place("BTCUSDT", tick(domain.Interval1m, open, float64(i), false))
			if i%50 == 49 {
				_ = acc.Place("BTCUSDT", tick(domain.Interval1m, open, float64(i), true))
				open = domain.Interval1m.Next(open)
			}
		}
		close(done)
	}()

	var maxWait time.Duration
	var mu sync.Mutex
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				start := time.Now()
				got, err := snap.Closed("ETHUSDT", domain.Interval1m)
				elapsed := time.Since(start)
				if err != nil || len(got) != 1 {
					t.Errorf("unexpected read: %v %d", err, len(got))
					return
				}
				mu.Lock()
				if elapsed > maxWait {
					maxWait = elapsed
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Critical sections are copy-or-mutate only; a read never waits on
	// anything longer than one of them.
	assert.Less(t, maxWait, 250*time.Millisecond)

	closed, err := snap.Closed("BTCUSDT", domain.Interval1m)
	require.NoError(t, err)
	assert.Len(t, closed, 40)
}
