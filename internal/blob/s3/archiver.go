package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alanyoungcy/klinestream/internal/domain"
)

// LedgerExporter writes finished backtest ledgers to object storage as
// newline-delimited JSON, one file per run.
type LedgerExporter struct {
	writer domain.BlobWriter
}

// NewLedgerExporter creates an exporter that uploads through writer.
func NewLedgerExporter(writer domain.BlobWriter) *LedgerExporter {
	return &LedgerExporter{writer: writer}
}

// runHeader is the first line of an exported ledger.
type runHeader struct {
	RunID    string          `json:"run_id"`
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	Start    string          `json:"start"`
	Initial  domain.Balances `json:"initial"`
	Final    domain.Balances `json:"final"`
	Trades   int             `json:"trades"`
}

// Export uploads the run header followed by every record and returns the
// object path.
//
//	exports/backtest/BTCUSDT/<run id>.jsonl
func (e *LedgerExporter) Export(ctx context.Context, run domain.BacktestRun, records []domain.TradeRecord) (string, error) {
	lines := make([]any, 0, len(records)+1)
	lines = append(lines, runHeader{
		RunID:    run.ID,
		Symbol:   run.Symbol,
		Interval: run.Interval.Token(),
		Start:    run.Start.UTC().Format("2006-01-02T15:04:05Z"),
		Initial:  run.Initial,
		Final:    run.Final,
		Trades:   run.Trades,
	})
	for _, rec := range records {
		lines = append(lines, rec)
	}

	buf, err := marshalJSONL(lines)
	if err != nil {
		return "", fmt.Errorf("s3blob: export run %s: %w", run.ID, err)
	}

	p := exportPath(run)
	if err := e.writer.Put(ctx, p, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: export run %s: %w", run.ID, err)
	}
	return p, nil
}

func exportPath(run domain.BacktestRun) string {
	return fmt.Sprintf("exports/backtest/%s/%s.jsonl", strings.ToUpper(run.Symbol), run.ID)
}

// marshalJSONL encodes each record as one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
