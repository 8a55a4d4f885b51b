package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/klinestream/internal/candles"
	"github.com/alanyoungcy/klinestream/internal/domain"
)

// CandleHandler serves reads from the live snapshot.
type CandleHandler struct {
	snap   *candles.Snapshot
	logger *slog.Logger
}

// NewCandleHandler creates a CandleHandler over snap.
func NewCandleHandler(snap *candles.Snapshot, logger *slog.Logger) *CandleHandler {
	return &CandleHandler{snap: snap, logger: logger}
}

// GetPrice returns the most recent live price, or the price of ?symbol=.
// GET /api/price
func (h *CandleHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	var (
		lp  domain.LivePrice
		ok  bool
		err error
	)
	if sym := strings.ToUpper(r.URL.Query().Get("symbol")); sym != "" {
		lp, ok, err = h.snap.PriceOf(sym)
	} else {
		lp, ok, err = h.snap.LastPrice()
	}
	if err != nil {
		h.snapshotError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no price yet")
		return
	}
	writeJSON(w, http.StatusOK, lp)
}

// GetCandles returns the closed or open sequence of one series.
// GET /api/candles/{symbol}/{interval}?state=closed|open&limit=N
func (h *CandleHandler) GetCandles(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	iv, err := domain.ParseInterval(r.PathValue("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	var seq []domain.Candle
	switch state := r.URL.Query().Get("state"); state {
	case "", "closed":
		seq, err = h.snap.ClosedLast(symbol, iv, limit)
	case "open":
		seq, err = h.snap.Open(symbol, iv)
		if err == nil && limit > 0 && len(seq) > limit {
			seq = seq[len(seq)-limit:]
		}
	default:
		writeError(w, http.StatusBadRequest, "state must be closed or open")
		return
	}
	if err != nil {
		h.snapshotError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":   symbol,
		"interval": iv.Token(),
		"candles":  seq,
	})
}

func (h *CandleHandler) snapshotError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "snapshot read failed", slog.String("error", err.Error()))
	if errors.Is(err, domain.ErrSnapshotPoisoned) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}
