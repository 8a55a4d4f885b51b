package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/klinestream/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const recordSelectCols = `id, run_id, symbol, transaction_time, trade_count, held,
	asset1, asset2, prev_asset1, prev_asset2,
	asset1_change_pct, asset2_change_pct, side, kind, fill_price`

const insertRecordSQL = `
	INSERT INTO trade_records (
		id, run_id, symbol, transaction_time, trade_count, held,
		asset1, asset2, prev_asset1, prev_asset2,
		asset1_change_pct, asset2_change_pct, side, kind, fill_price
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10,
		$11, $12, $13, $14, $15
	) ON CONFLICT (run_id, trade_count) DO NOTHING`

func recordArgs(r domain.TradeRecord) []any {
	return []any{
		r.ID, r.RunID, r.Symbol, r.TransactionTime, r.TradeCount, string(r.Held),
		r.Balances.Asset1, r.Balances.Asset2, r.Previous.Asset1, r.Previous.Asset2,
		r.Asset1Change, r.Asset2Change, string(r.Side), string(r.Kind), r.FillPrice,
	}
}

func scanRecordRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for rows.Next() {
		var (
			r                domain.TradeRecord
			held, side, kind string
		)
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.Symbol, &r.TransactionTime, &r.TradeCount, &held,
			&r.Balances.Asset1, &r.Balances.Asset2, &r.Previous.Asset1, &r.Previous.Asset2,
			&r.Asset1Change, &r.Asset2Change, &side, &kind, &r.FillPrice,
		); err != nil {
			return nil, err
		}
		r.Held = domain.Asset(held)
		r.Side = domain.OrderSide(side)
		r.Kind = domain.OrderKind(kind)
		r.TransactionTime = r.TransactionTime.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRecord appends one ledger entry. Re-inserting the same
// (run, trade count) pair is a no-op.
func (s *LedgerStore) InsertRecord(ctx context.Context, rec domain.TradeRecord) error {
	if _, err := s.pool.Exec(ctx, insertRecordSQL, recordArgs(rec)...); err != nil {
		return fmt.Errorf("postgres: insert trade record: %w", err)
	}
	return nil
}

// InsertRecords writes several entries in one round trip using pgx Batch.
func (s *LedgerStore) InsertRecords(ctx context.Context, recs []domain.TradeRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(insertRecordSQL, recordArgs(r)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade record batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListRecords returns the entries of a run in trade order with pagination
// and optional transaction-time filtering.
func (s *LedgerStore) ListRecords(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + recordSelectCols + ` FROM trade_records WHERE run_id = $1`
	args := []any{runID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND transaction_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND transaction_time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY trade_count ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade records: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecordRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade records: %w", err)
	}
	return recs, nil
}

// UpsertRun inserts or refreshes a run summary.
func (s *LedgerStore) UpsertRun(ctx context.Context, run domain.BacktestRun) error {
	const query = `
		INSERT INTO backtest_runs (
			id, symbol, interval, start_time,
			initial_a1, initial_a2, final_a1, final_a2, trades, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			interval   = EXCLUDED.interval,
			final_a1   = EXCLUDED.final_a1,
			final_a2   = EXCLUDED.final_a2,
			trades     = EXCLUDED.trades,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		run.ID, run.Symbol, run.Interval.Token(), run.Start,
		run.Initial.Asset1, run.Initial.Asset2, run.Final.Asset1, run.Final.Asset2,
		run.Trades, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert backtest run: %w", err)
	}
	return nil
}

// GetRun loads a run summary by ID.
func (s *LedgerStore) GetRun(ctx context.Context, id string) (domain.BacktestRun, error) {
	const query = `
		SELECT id, symbol, interval, start_time,
			initial_a1, initial_a2, final_a1, final_a2, trades, created_at
		FROM backtest_runs WHERE id = $1`

	var (
		run domain.BacktestRun
		tok string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.Symbol, &tok, &run.Start,
		&run.Initial.Asset1, &run.Initial.Asset2, &run.Final.Asset1, &run.Final.Asset2,
		&run.Trades, &run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BacktestRun{}, fmt.Errorf("postgres: get backtest run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.BacktestRun{}, fmt.Errorf("postgres: get backtest run %s: %w", id, err)
	}

	iv, err := domain.ParseInterval(tok)
	if err != nil {
		return domain.BacktestRun{}, fmt.Errorf("postgres: get backtest run %s: %w", id, err)
	}
	run.Interval = iv
	run.Start = run.Start.UTC()
	run.CreatedAt = run.CreatedAt.UTC()
	return run, nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
