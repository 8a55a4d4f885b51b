// Package notify fans operator alerts (gaps, stream loss, backtest fills)
// out to chat webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
)

// Alert event types.
const (
	EventGap        = "gap"
	EventDuplicate  = "duplicate"
	EventDisconnect = "disconnect"
	EventFill       = "fill"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every Sender. Only event types in the allowed
// set pass Notify; an empty set allows all. An optional rate limiter caps
// each event type so a flapping stream does not flood the channel.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger

	limiter domain.RateLimiter
	limit   int
	window  time.Duration
}

// NewNotifier creates a Notifier that will deliver to the given senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// WithRateLimit caps each event type to limit alerts per window.
func (n *Notifier) WithRateLimit(rl domain.RateLimiter, limit int, window time.Duration) *Notifier {
	n.limiter = rl
	n.limit = limit
	n.window = window
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends an alert when its event type is allowed and under the rate
// limit. A limiter failure lets the alert through.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.limiter != nil && n.limit > 0 {
		ok, err := n.limiter.Allow(ctx, "alerts:"+event, n.limit, n.window)
		if err != nil {
			n.logger.WarnContext(ctx, "rate limiter unavailable",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		} else if !ok {
			n.logger.DebugContext(ctx, "event rate limited", slog.String("event", event))
			return nil
		}
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends to every sender regardless of event filter or limit.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// dispatch delivers to all senders; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
