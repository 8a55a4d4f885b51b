package binance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alanyoungcy/klinestream/internal/domain"
)

// StreamKind selects which channel of a symbol to subscribe to.
type StreamKind string

const (
	StreamAggTrade StreamKind = "aggTrade"
	StreamKline    StreamKind = "kline"
	StreamDepth    StreamKind = "depth"
)

// Subscription names one stream. Interval is only used for kline streams.
type Subscription struct {
	Symbol   string
	Kind     StreamKind
	Interval domain.Interval
}

// Name renders the stream token, e.g. "btcusdt@kline_1m".
func (s Subscription) Name() string {
	sym := strings.ToLower(s.Symbol)
	switch s.Kind {
	case StreamKline:
		return fmt.Sprintf("%s@kline_%s", sym, s.Interval.Token())
	default:
		return fmt.Sprintf("%s@%s", sym, s.Kind)
	}
}

// Subscriptions expands symbols and intervals into the full stream list:
// one aggTrade stream per symbol, one kline stream per (symbol, interval) and,
// when depth is set, one depth stream per symbol.
func Subscriptions(symbols []string, intervals []domain.Interval, depth bool) []Subscription {
	var out []Subscription
	for _, sym := range symbols {
		out = append(out, Subscription{Symbol: sym, Kind: StreamAggTrade})
		for _, iv := range intervals {
			out = append(out, Subscription{Symbol: sym, Kind: StreamKline, Interval: iv})
		}
		if depth {
			out = append(out, Subscription{Symbol: sym, Kind: StreamDepth})
		}
	}
	return out
}

// WSCommand is a request sent over the stream connection.
type WSCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     int64    `json:"id"`
}

// SubscribeCommand builds the SUBSCRIBE request for subs.
func SubscribeCommand(id int64, subs []Subscription) ([]byte, error) {
	params := make([]string, 0, len(subs))
	for _, s := range subs {
		params = append(params, s.Name())
	}
	data, err := json.Marshal(WSCommand{Method: "SUBSCRIBE", Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("binance: marshal subscribe: %w", err)
	}
	return data, nil
}
