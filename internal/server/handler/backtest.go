package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/klinestream/internal/backtest"
	"github.com/alanyoungcy/klinestream/internal/domain"
)

// BacktestHandler drives a historical trade runner over HTTP.
type BacktestHandler struct {
	runner *backtest.Runner
	ledger domain.LedgerStore
	logger *slog.Logger
}

// NewBacktestHandler creates a BacktestHandler. ledger may be nil, in which
// case records are served from the runner's memory.
func NewBacktestHandler(runner *backtest.Runner, ledger domain.LedgerStore, logger *slog.Logger) *BacktestHandler {
	return &BacktestHandler{runner: runner, ledger: ledger, logger: logger}
}

type runnerView struct {
	Run       domain.BacktestRun `json:"run"`
	State     domain.RunState    `json:"state"`
	TradeTime time.Time          `json:"trade_time"`
	Order     any                `json:"order"`
}

func (h *BacktestHandler) view() runnerView {
	var order any
	if o := h.runner.Order(); o != nil {
		order = map[string]any{"kind": o.Kind(), "side": o.OrderSide(), "quantity": o.Qty().String(), "detail": o}
	}
	return runnerView{
		Run:       h.runner.Summary(),
		State:     h.runner.State(),
		TradeTime: h.runner.TradeTime(),
		Order:     order,
	}
}

// GetRun returns the runner state.
// GET /api/backtest
func (h *BacktestHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.view())
}

// SetOrder installs a pending order from a JSON OrderSpec.
// POST /api/backtest/order
func (h *BacktestHandler) SetOrder(w http.ResponseWriter, r *http.Request) {
	var spec domain.OrderSpec
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order JSON")
		return
	}
	order, err := spec.Build()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.runner.SetOrder(order)
	writeJSON(w, http.StatusOK, h.view())
}

// Advance evaluates up to ?n= candles (default 1).
// POST /api/backtest/advance
func (h *BacktestHandler) Advance(w http.ResponseWriter, r *http.Request) {
	n, ok := queryInt(r, "n", 1)
	if !ok {
		writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
		return
	}
	res, err := h.runner.Advance(r.Context(), n)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "advance failed", slog.String("error", err.Error()))
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrStorage) {
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}
	if res.NoOrder {
		writeError(w, http.StatusConflict, domain.ErrNoOrder.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conditions": res.Conditions,
		"final":      res.Final(),
		"record":     res.Record,
		"trade_time": res.TradeTime,
		"balances":   res.Balances,
	})
}

// ListRecords returns the ledger of the current run.
// GET /api/backtest/records?limit=&offset=
func (h *BacktestHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	if h.ledger != nil {
		recs, err := h.ledger.ListRecords(r.Context(), h.runner.Summary().ID, opts)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "list records failed", slog.String("error", err.Error()))
			writeError(w, http.StatusBadGateway, "ledger unavailable")
			return
		}
		writeJSON(w, http.StatusOK, nonNil(recs))
		return
	}

	recs := h.runner.Ledger()
	if opts.Offset >= len(recs) {
		recs = nil
	} else {
		recs = recs[opts.Offset:]
	}
	if len(recs) > opts.Limit {
		recs = recs[:opts.Limit]
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func nonNil(recs []domain.TradeRecord) []domain.TradeRecord {
	if recs == nil {
		return []domain.TradeRecord{}
	}
	return recs
}
