// Package candles reconstructs per-symbol candle series from the tick stream
// and publishes them to concurrent readers.
package candles

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/klinestream/internal/domain"
)

// SymbolOutput holds every series of one symbol. Closed sequences are append
// only; an Open sequence is emptied the moment its bucket closes.
type SymbolOutput struct {
	Closed map[domain.Interval][]domain.Candle
	Open   map[domain.Interval][]domain.Candle
}

func newSymbolOutput() *SymbolOutput {
	return &SymbolOutput{
		Closed: make(map[domain.Interval][]domain.Candle),
		Open:   make(map[domain.Interval][]domain.Candle),
	}
}

// Snapshot is the shared, lock-guarded view of all reconstructed series.
// A single writer mutates it through Update; any number of readers take
// copies. Every critical section is copy-or-mutate only.
type Snapshot struct {
	mu      sync.RWMutex
	symbols map[string]*SymbolOutput
	prices  map[string]domain.LivePrice
	last    domain.LivePrice

	poisoned atomic.Bool
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		symbols: make(map[string]*SymbolOutput),
		prices:  make(map[string]domain.LivePrice),
	}
}

// Err returns ErrSnapshotPoisoned once a write section has panicked.
func (s *Snapshot) Err() error {
	if s.poisoned.Load() {
		return domain.ErrSnapshotPoisoned
	}
	return nil
}

// Closed returns a copy of the closed sequence. A symbol or interval that has
// not been seen yet yields an empty slice.
func (s *Snapshot) Closed(symbol string, iv domain.Interval) ([]domain.Candle, error) {
	return s.ClosedLast(symbol, iv, 0)
}

// ClosedLast returns a copy of at most n trailing closed candles; n <= 0
// returns all of them.
func (s *Snapshot) ClosedLast(symbol string, iv domain.Interval, n int) ([]domain.Candle, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, ok := s.symbols[symbol]
	if !ok {
		return []domain.Candle{}, nil
	}
	return tail(out.Closed[iv], n), nil
}

// Open returns a copy of the in-progress ticks for the current bucket.
func (s *Snapshot) Open(symbol string, iv domain.Interval) ([]domain.Candle, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, ok := s.symbols[symbol]
	if !ok {
		return []domain.Candle{}, nil
	}
	return tail(out.Open[iv], 0), nil
}

// LastPrice returns the most recent trade price across all symbols. ok is
// false until a trade has been seen.
func (s *Snapshot) LastPrice() (domain.LivePrice, bool, error) {
	if err := s.Err(); err != nil {
		return domain.LivePrice{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, !s.last.At.IsZero(), nil
}

// PriceOf returns the most recent trade price of one symbol.
func (s *Snapshot) PriceOf(symbol string) (domain.LivePrice, bool, error) {
	if err := s.Err(); err != nil {
		return domain.LivePrice{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	return p, ok, nil
}

// Symbols lists the symbols seen so far, sorted.
func (s *Snapshot) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Update runs fn under the write lock. A panic inside fn poisons the
// snapshot: this and every later Update and read fail with
// ErrSnapshotPoisoned.
func (s *Snapshot) Update(fn func(tx *Tx) error) (err error) {
	if s.poisoned.Load() {
		return domain.ErrSnapshotPoisoned
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.poisoned.Store(true)
			err = fmt.Errorf("candles: write section panicked: %v: %w", r, domain.ErrSnapshotPoisoned)
		}
	}()

	return fn(&Tx{s: s})
}

// Tx is the mutation handle passed to Update. It must not escape fn.
type Tx struct {
	s *Snapshot
}

func (tx *Tx) output(symbol string) *SymbolOutput {
	out, ok := tx.s.symbols[symbol]
	if !ok {
		out = newSymbolOutput()
		tx.s.symbols[symbol] = out
	}
	return out
}

// LastClosed returns the newest closed candle of a series.
func (tx *Tx) LastClosed(symbol string, iv domain.Interval) (domain.Candle, bool) {
	out, ok := tx.s.symbols[symbol]
	if !ok {
		return domain.Candle{}, false
	}
	seq := out.Closed[iv]
	if len(seq) == 0 {
		return domain.Candle{}, false
	}
	return seq[len(seq)-1], true
}

// PushOpen records a non-final tick.
func (tx *Tx) PushOpen(symbol string, iv domain.Interval, c domain.Candle) {
	out := tx.output(symbol)
	out.Open[iv] = append(out.Open[iv], c)
}

// CloseBucket appends c to the closed sequence and clears the open one.
func (tx *Tx) CloseBucket(symbol string, iv domain.Interval, c domain.Candle) {
	out := tx.output(symbol)
	out.Closed[iv] = append(out.Closed[iv], c)
	out.Open[iv] = out.Open[iv][:0]
}

// ClearOpen drops the in-progress ticks of a series.
func (tx *Tx) ClearOpen(symbol string, iv domain.Interval) {
	out := tx.output(symbol)
	out.Open[iv] = out.Open[iv][:0]
}

// Touch creates the output for symbol if needed.
func (tx *Tx) Touch(symbol string) {
	tx.output(symbol)
}

// SetLastPrice stores p as both the symbol's and the global last price.
func (tx *Tx) SetLastPrice(p domain.LivePrice) {
	tx.output(p.Symbol)
	tx.s.prices[p.Symbol] = p
	tx.s.last = p
}

// Seed replaces the closed sequence of a series, used when warming the
// snapshot from the historical store. candles must be ordered by open time.
func (tx *Tx) Seed(symbol string, iv domain.Interval, candles []domain.Candle) {
	out := tx.output(symbol)
	cp := make([]domain.Candle, len(candles))
	copy(cp, candles)
	out.Closed[iv] = cp
}

func tail(seq []domain.Candle, n int) []domain.Candle {
	if n > 0 && n < len(seq) {
		seq = seq[len(seq)-n:]
	}
	out := make([]domain.Candle, len(seq))
	copy(out, seq)
	return out
}
