package parquet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

func series(iv domain.Interval, from time.Time, n int) []domain.Candle {
	out := make([]domain.Candle, n)
	open := from
	for i := range out {
		out[i] = domain.Candle{OpenTime: open, Open: float64(i), High: float64(i) + 1, Low: float64(i) - 1, Close: float64(i), Volume: 10}
		open = iv.Next(open)
	}
	return out
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	empty, err := s.Read(ctx, "BTCUSDT", domain.Interval1h, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	all := series(domain.Interval1h, t0, 10)
	require.NoError(t, s.Append(ctx, "BTCUSDT", domain.Interval1h, all[5:]))
	require.NoError(t, s.Append(ctx, "BTCUSDT", domain.Interval1h, all[:6]))

	got, err := s.Read(ctx, "BTCUSDT", domain.Interval1h, nil)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i := range got {
		assert.Equal(t, all[i].OpenTime, got[i].OpenTime)
		assert.Equal(t, all[i].Close, got[i].Close)
	}

	_, err = os.Stat(filepath.Join(dir, "BTCUSDT", "1h.parquet"))
	assert.NoError(t, err)
}

func TestReadRange(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "ETHUSDT", domain.Interval1d, series(domain.Interval1d, t0, 30)))

	rng := &domain.TimeRange{From: t0.AddDate(0, 0, 3), To: t0.AddDate(0, 0, 6)}
	got, err := s.Read(ctx, "ETHUSDT", domain.Interval1d, rng)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, t0.AddDate(0, 0, 3), got[0].OpenTime)
}

func TestExistingCandlesAreNotOverwritten(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	orig := series(domain.Interval1m, t0, 1)
	require.NoError(t, s.Append(ctx, "BTCUSDT", domain.Interval1m, orig))

	changed := orig[0]
	changed.Close = 999
	require.NoError(t, s.Append(ctx, "BTCUSDT", domain.Interval1m, []domain.Candle{changed}))

	got, err := s.Read(ctx, "BTCUSDT", domain.Interval1m, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, orig[0].Close, got[0].Close)
}

func TestKeyMonthDoesNotCollide(t *testing.T) {
	assert.Equal(t, "BTCUSDT/1m.parquet", Key("btcusdt", domain.Interval1m))
	assert.Equal(t, "BTCUSDT/1mo.parquet", Key("btcusdt", domain.Interval1M))
}

// memBlob is an in-memory blob backend.
type memBlob struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (m *memBlob) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objs[p]
	if !ok {
		return nil, fmt.Errorf("mem: %s: %w", p, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memBlob) Exists(ctx context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objs[p]
	return ok, nil
}

func (m *memBlob) Put(ctx context.Context, p string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objs[p] = b
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, p string, data io.Reader, partSize int64) error {
	return m.Put(ctx, p, data, "")
}

func TestBlobStore(t *testing.T) {
	blob := &memBlob{objs: map[string][]byte{}}
	s := NewBlobStore(blob, blob)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "SOLUSDT", domain.Interval1M, series(domain.Interval1M, t0, 4)))

	ok, err := blob.Exists(ctx, "SOLUSDT/1mo.parquet")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Read(ctx, "SOLUSDT", domain.Interval1M, nil)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC), got[3].OpenTime)
}

func TestConcurrentAppends(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	all := series(domain.Interval5m, t0, 40)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(part []domain.Candle) {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, "BTCUSDT", domain.Interval5m, part))
		}(all[i*10 : (i+1)*10])
	}
	wg.Wait()

	got, err := s.Read(ctx, "BTCUSDT", domain.Interval5m, nil)
	require.NoError(t, err)
	require.Len(t, got, 40)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].OpenTime.After(got[i-1].OpenTime))
	}
}
