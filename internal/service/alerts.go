package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/klinestream/internal/candles"
	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/alanyoungcy/klinestream/internal/notify"
)

type alert struct {
	event   string
	title   string
	message string
}

// Alerts turns engine hooks into operator notifications. Hooks only enqueue;
// delivery happens on the Run goroutine so a slow webhook never stalls the
// stream.
type Alerts struct {
	n       *notify.Notifier
	queue   chan alert
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewAlerts creates an Alerts relay with room for buffer pending messages.
func NewAlerts(n *notify.Notifier, buffer int, logger *slog.Logger) *Alerts {
	if buffer <= 0 {
		buffer = 64
	}
	return &Alerts{
		n:      n,
		queue:  make(chan alert, buffer),
		logger: logger.With(slog.String("component", "alerts")),
	}
}

// Warning is an Accumulator.OnWarning hook.
func (a *Alerts) Warning(w candles.Warning) {
	event, title := notify.EventGap, "Candle gap"
	if errors.Is(w.Err, domain.ErrDuplicateCandle) {
		event, title = notify.EventDuplicate, "Duplicate candle"
	}
	a.push(alert{event, title, fmt.Sprintf("%s %s expected %s got %s",
		w.Symbol, w.Interval.Token(),
		w.Expected.UTC().Format(time.RFC3339), w.Got.UTC().Format(time.RFC3339))})
}

// Disconnect is a Dispatcher.OnDisconnect hook.
func (a *Alerts) Disconnect(err error) {
	msg := "stream closed"
	if err != nil {
		msg = err.Error()
	}
	a.push(alert{notify.EventDisconnect, "Stream disconnected", msg})
}

// Fill is a Runner.OnFill hook.
func (a *Alerts) Fill(rec domain.TradeRecord) {
	a.push(alert{notify.EventFill, "Backtest fill", fmt.Sprintf(
		"%s #%d %s %s @ %g at %s, balances %g / %g",
		rec.Symbol, rec.TradeCount, rec.Side, rec.Kind, rec.FillPrice,
		rec.TransactionTime.UTC().Format(time.RFC3339),
		rec.Balances.Asset1, rec.Balances.Asset2)})
}

// Dropped returns how many alerts were discarded on a full queue.
func (a *Alerts) Dropped() uint64 { return a.dropped.Load() }

func (a *Alerts) push(al alert) {
	if !a.n.Enabled() {
		return
	}
	select {
	case a.queue <- al:
	default:
		a.dropped.Add(1)
	}
}

// Run delivers queued alerts until ctx is done.
func (a *Alerts) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case al := <-a.queue:
			if err := a.n.Notify(ctx, al.event, al.title, al.message); err != nil {
				a.logger.WarnContext(ctx, "alert delivery failed",
					slog.String("event", al.event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
