package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/klinestream/internal/feed"
)

// StreamControl is the part of the dispatcher the HTTP API drives.
type StreamControl interface {
	Status(ctx context.Context) (feed.Status, error)
	Sleep(ctx context.Context) (feed.Status, error)
	Wake(ctx context.Context) (feed.Status, error)
	Stats() feed.Stats
}

// StreamHandler exposes the dispatcher's control commands.
type StreamHandler struct {
	ctl    StreamControl
	logger *slog.Logger
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(ctl StreamControl, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{ctl: ctl, logger: logger}
}

// GetStatus asks the dispatcher for its state.
// GET /api/stream/status
func (h *StreamHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, "status", h.ctl.Status)
}

// Sleep parks the stream.
// POST /api/stream/sleep
func (h *StreamHandler) Sleep(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, "sleep", h.ctl.Sleep)
}

// Wake resumes a sleeping stream.
// POST /api/stream/wake
func (h *StreamHandler) Wake(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, "wake", h.ctl.Wake)
}

// GetStats returns the frame counters without a round trip to the
// dispatcher goroutine.
// GET /api/stream/stats
func (h *StreamHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Stats())
}

func (h *StreamHandler) reply(w http.ResponseWriter, r *http.Request, op string, call func(context.Context) (feed.Status, error)) {
	st, err := call(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "stream command failed",
			slog.String("command", op),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "stream not running")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
