package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/klinestream/internal/candles"
	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/alanyoungcy/klinestream/internal/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu      sync.Mutex
	series  map[string][]domain.Candle
	fail    error
	appends int
}

func newMemStore() *memStore { return &memStore{series: map[string][]domain.Candle{}} }

func (m *memStore) Read(_ context.Context, symbol string, iv domain.Interval, rng *domain.TimeRange) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Candle
	for _, c := range m.series[symbol+iv.Token()] {
		if rng.Contains(c.OpenTime) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) Append(_ context.Context, symbol string, iv domain.Interval, cs []domain.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.appends++
	m.series[symbol+iv.Token()] = append(m.series[symbol+iv.Token()], cs...)
	return nil
}

type memBus struct {
	mu        sync.Mutex
	published [][]byte
	streams   map[string]int
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel == ClosedChannel {
		b.published = append(b.published, payload)
	}
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams == nil {
		b.streams = map[string]int{}
	}
	b.streams[stream]++
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memPrices struct {
	sets map[string]float64
}

func (p *memPrices) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	p.sets[symbol] = price
	return nil
}

func (p *memPrices) GetPrice(context.Context, string) (float64, time.Time, error) {
	return 0, time.Time{}, domain.ErrNotFound
}

func (p *memPrices) GetPrices(context.Context, []string) (map[string]float64, error) {
	return p.sets, nil
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func closedAt(i int) domain.ClosedCandle {
	return domain.ClosedCandle{
		Symbol:   "BTCUSDT",
		Interval: domain.Interval1m,
		Candle:   domain.Candle{OpenTime: t0.Add(time.Duration(i) * time.Minute), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	}
}

func TestCandleSinkBatchesAndPublishes(t *testing.T) {
	store, bus := newMemStore(), &memBus{}
	sink := NewCandleSink(candles.NewSnapshot(), store, bus, nil, nil,
		SinkConfig{BatchSize: 2, FlushInterval: time.Hour, PriceInterval: time.Hour}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	for i := 0; i < 3; i++ {
		sink.Enqueue(closedAt(i))
	}
	require.Eventually(t, func() bool { return sink.Written() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(3), sink.Written())

	got, err := store.Read(context.Background(), "BTCUSDT", domain.Interval1m, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, t0.Add(2*time.Minute), got[2].OpenTime)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.published, 3)
	var msg ClosedMessage
	require.NoError(t, json.Unmarshal(bus.published[0], &msg))
	assert.Equal(t, "1m", msg.Interval)
	assert.Equal(t, 3, bus.streams["candles:BTCUSDT:1m"])
}

func TestCandleSinkKeepsPendingOnFailure(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("disk full")
	sink := NewCandleSink(candles.NewSnapshot(), store, nil, nil, nil, SinkConfig{}, discardLogger())

	sink.queue(closedAt(0))
	err := sink.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)

	store.fail = nil
	require.NoError(t, sink.Flush(context.Background()))
	assert.Equal(t, uint64(1), sink.Written())
}

func TestCandleSinkLockHeld(t *testing.T) {
	store := newMemStore()
	sink := NewCandleSink(candles.NewSnapshot(), store, nil, nil, heldLocks{}, SinkConfig{}, discardLogger())

	sink.queue(closedAt(0))
	err := sink.Flush(context.Background())
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Zero(t, store.appends)
}

func TestCandleSinkEnqueueDropsWhenFull(t *testing.T) {
	sink := NewCandleSink(candles.NewSnapshot(), nil, nil, nil, nil, SinkConfig{Buffer: 1}, discardLogger())
	sink.Enqueue(closedAt(0))
	sink.Enqueue(closedAt(1))
	assert.Equal(t, uint64(1), sink.Dropped())
}

func TestCandleSinkWarmSeedsSnapshot(t *testing.T) {
	store := newMemStore()
	var seq []domain.Candle
	for i := 0; i < 5; i++ {
		seq = append(seq, closedAt(i).Candle)
	}
	require.NoError(t, store.Append(context.Background(), "BTCUSDT", domain.Interval1m, seq))

	snap := candles.NewSnapshot()
	sink := NewCandleSink(snap, store, nil, nil, nil, SinkConfig{}, discardLogger())
	require.NoError(t, sink.Warm(context.Background(), []string{"BTCUSDT", "ETHUSDT"},
		[]domain.Interval{domain.Interval1m}, 3))

	got, err := snap.Closed("BTCUSDT", domain.Interval1m)
	require.NoError(t, err)
	assert.Equal(t, seq[2:], got)

	empty, err := snap.Closed("ETHUSDT", domain.Interval1m)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCandleSinkMirrorPrices(t *testing.T) {
	snap := candles.NewSnapshot()
	require.NoError(t, snap.Update(func(tx *candles.Tx) error {
		tx.SetLastPrice(domain.LivePrice{Symbol: "BTCUSDT", Price: 42000, At: t0})
		return nil
	}))
	prices := &memPrices{sets: map[string]float64{}}
	sink := NewCandleSink(snap, nil, nil, prices, nil, SinkConfig{}, discardLogger())

	sink.MirrorPrices(context.Background())
	assert.Equal(t, map[string]float64{"BTCUSDT": 42000}, prices.sets)

	delete(prices.sets, "BTCUSDT")
	sink.MirrorPrices(context.Background())
	assert.Empty(t, prices.sets, "unchanged price is not re-mirrored")
}

type chanSender struct{ got chan string }

func (c chanSender) Send(_ context.Context, title, _ string) error {
	c.got <- title
	return nil
}

func (chanSender) Name() string { return "chan" }

func TestAlertsDeliverAsync(t *testing.T) {
	s := chanSender{got: make(chan string, 4)}
	a := NewAlerts(notify.NewNotifier([]notify.Sender{s}, nil, discardLogger()), 4, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Warning(candles.Warning{Symbol: "BTCUSDT", Interval: domain.Interval1m, Err: domain.ErrGap})
	a.Warning(candles.Warning{Symbol: "BTCUSDT", Interval: domain.Interval1m, Err: domain.ErrDuplicateCandle})
	a.Disconnect(nil)
	a.Fill(domain.TradeRecord{Symbol: "BTCUSDT", TradeCount: 1})

	var titles []string
	for i := 0; i < 4; i++ {
		select {
		case title := <-s.got:
			titles = append(titles, title)
		case <-time.After(2 * time.Second):
			t.Fatal("alert not delivered")
		}
	}
	assert.Equal(t, []string{"Candle gap", "Duplicate candle", "Stream disconnected", "Backtest fill"}, titles)
}

func TestAlertsDisabledNotifier(t *testing.T) {
	a := NewAlerts(notify.NewNotifier(nil, nil, discardLogger()), 1, discardLogger())
	a.Disconnect(errors.New("x"))
	a.Disconnect(errors.New("y"))
	assert.Zero(t, a.Dropped())
}
