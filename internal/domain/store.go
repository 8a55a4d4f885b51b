package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CandleStore is the historical candle archive keyed by (symbol, interval).
// Read returns candles in ascending open time; a nil range reads everything.
type CandleStore interface {
	Read(ctx context.Context, symbol string, interval Interval, rng *TimeRange) ([]Candle, error)
	Append(ctx context.Context, symbol string, interval Interval, candles []Candle) error
}

// LedgerStore persists backtest trade records and run summaries.
type LedgerStore interface {
	InsertRecord(ctx context.Context, rec TradeRecord) error
	ListRecords(ctx context.Context, runID string, opts ListOpts) ([]TradeRecord, error)
	UpsertRun(ctx context.Context, run BacktestRun) error
	GetRun(ctx context.Context, id string) (BacktestRun, error)
}
