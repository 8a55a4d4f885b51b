// Package parquet keeps the historical candle archive as one parquet file per
// (symbol, interval), on local disk or in an object store.
package parquet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/alanyoungcy/klinestream/internal/domain"
)

// multipartThreshold switches blob uploads to the multipart path.
const multipartThreshold = 32 << 20

// candleRow is the on-disk schema. Open time is stored as Unix milliseconds,
// matching the exchange wire format.
type candleRow struct {
	OpenTime int64   `parquet:"open_time"`
	Open     float64 `parquet:"open"`
	High     float64 `parquet:"high"`
	Low      float64 `parquet:"low"`
	Close    float64 `parquet:"close"`
	Volume   float64 `parquet:"volume"`
}

func toRow(c domain.Candle) candleRow {
	return candleRow{
		OpenTime: c.OpenTime.UnixMilli(),
		Open:     c.Open,
		High:     c.High,
		Low:      c.Low,
		Close:    c.Close,
		Volume:   c.Volume,
	}
}

func (r candleRow) candle() domain.Candle {
	return domain.Candle{
		OpenTime: time.UnixMilli(r.OpenTime).UTC(),
		Open:     r.Open,
		High:     r.High,
		Low:      r.Low,
		Close:    r.Close,
		Volume:   r.Volume,
	}
}

// objects is the byte-level backend under the store.
type objects interface {
	get(ctx context.Context, key string) ([]byte, error)
	put(ctx context.Context, key string, data []byte) error
}

// Store implements domain.CandleStore. Appends to the same series are
// serialized; the file is rewritten with unique, ordered open times.
type Store struct {
	obj objects

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore keeps files under dir as <dir>/<SYMBOL>/<interval>.parquet.
func NewFileStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("parquet: create %s: %w", dir, err)
	}
	return newStore(fileObjects{dir: dir}), nil
}

// NewBlobStore keeps files in object storage under the same key layout.
func NewBlobStore(r domain.BlobReader, w domain.BlobWriter) *Store {
	return newStore(blobObjects{r: r, w: w})
}

func newStore(obj objects) *Store {
	return &Store{obj: obj, locks: make(map[string]*sync.Mutex)}
}

// Key returns the object key of a series. The month interval is spelled
// "1mo" so it cannot collide with "1m" on case-insensitive filesystems.
func Key(symbol string, iv domain.Interval) string {
	tok := iv.Token()
	if iv == domain.Interval1M {
		tok = "1mo"
	}
	return fmt.Sprintf("%s/%s.parquet", strings.ToUpper(symbol), tok)
}

func (s *Store) lock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Read returns the candles of a series inside rng, ascending. A series that
// has never been written reads as empty.
func (s *Store) Read(ctx context.Context, symbol string, iv domain.Interval, rng *domain.TimeRange) ([]domain.Candle, error) {
	rows, err := s.load(ctx, Key(symbol, iv))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Candle, 0, len(rows))
	for _, r := range rows {
		c := r.candle()
		if rng.Contains(c.OpenTime) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Append merges candles into the series. Candles whose open time is already
// stored are skipped; closed candles never change once written.
func (s *Store) Append(ctx context.Context, symbol string, iv domain.Interval, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	key := Key(symbol, iv)
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	rows, err := s.load(ctx, key)
	if err != nil {
		return err
	}

	seen := make(map[int64]struct{}, len(rows)+len(candles))
	for _, r := range rows {
		seen[r.OpenTime] = struct{}{}
	}
	added := 0
	for _, c := range candles {
		r := toRow(c)
		if _, dup := seen[r.OpenTime]; dup {
			continue
		}
		seen[r.OpenTime] = struct{}{}
		rows = append(rows, r)
		added++
	}
	if added == 0 {
		return nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].OpenTime < rows[j].OpenTime })

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return fmt.Errorf("parquet: encode %s: %w", key, err)
	}
	if err := s.obj.put(ctx, key, buf.Bytes()); err != nil {
		return fmt.Errorf("parquet: write %s: %w", key, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string) ([]candleRow, error) {
	data, err := s.obj.get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parquet: read %s: %w", key, err)
	}
	rows, err := parquet.Read[candleRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parquet: decode %s: %w", key, err)
	}
	return rows, nil
}

// --------------------------------------------------------------------------
// Backends
// --------------------------------------------------------------------------

type fileObjects struct {
	dir string
}

func (f fileObjects) get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	return data, err
}

// put writes to a temp file and renames it over the target so readers never
// see a half-written file.
func (f fileObjects) put(_ context.Context, key string, data []byte) error {
	target := filepath.Join(f.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*.parquet")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

type blobObjects struct {
	r domain.BlobReader
	w domain.BlobWriter
}

func (b blobObjects) get(ctx context.Context, key string) ([]byte, error) {
	rc, err := b.r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (b blobObjects) put(ctx context.Context, key string, data []byte) error {
	if len(data) >= multipartThreshold {
		return b.w.PutMultipart(ctx, key, bytes.NewReader(data), multipartThreshold/4)
	}
	return b.w.Put(ctx, key, bytes.NewReader(data), "application/vnd.apache.parquet")
}
