package binance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
)

// Frame is one decoded stream message. Numbers are kept as json.Number so
// that numeric strings and integers can both be read without loss.
type Frame = map[string]any

// DecodeFrame decodes raw websocket bytes into a Frame.
func DecodeFrame(raw []byte) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return nil, &domain.MalformedFrameError{Field: "$", Reason: err.Error()}
	}
	if f == nil {
		return nil, &domain.MalformedFrameError{Field: "$", Reason: "not an object"}
	}
	return f, nil
}

// IsAck reports whether the frame answers a SUBSCRIBE/UNSUBSCRIBE request
// rather than carrying market data.
func IsAck(f Frame) bool {
	_, hasID := f["id"]
	if !hasID {
		return false
	}
	_, hasResult := f["result"]
	_, hasErr := f["error"]
	return hasResult || hasErr
}

// AckError returns the exchange-side error carried by an ack, or nil.
func AckError(f Frame) error {
	raw, ok := f["error"]
	if !ok || raw == nil {
		return nil
	}
	if m, ok := raw.(map[string]any); ok {
		return fmt.Errorf("binance: ack error code=%v msg=%v", m["code"], m["msg"])
	}
	return fmt.Errorf("binance: ack error %v", raw)
}

// Parse classifies a frame into a domain event. Combined-stream envelopes of
// the form {"stream": ..., "data": {...}} are unwrapped first.
func Parse(f Frame) (string, domain.Event, error) {
	if data, ok := f["data"].(map[string]any); ok {
		if _, isCombined := f["stream"]; isCombined {
			f = data
		}
	}

	kind, err := str(f, "e")
	if err != nil {
		return "", nil, err
	}
	switch kind {
	case "aggTrade", "trade", "kline", "depthUpdate":
	default:
		return "", nil, &domain.UnrecognizedEventError{EventType: kind}
	}

	symbol, err := str(f, "s")
	if err != nil {
		return "", nil, err
	}
	symbol = strings.ToUpper(symbol)

	var ev domain.Event
	switch kind {
	case "kline":
		ev, err = parseKline(symbol, f)
	case "depthUpdate":
		ev, err = parseDepth(symbol, f)
	default:
		ev, err = parseTrade(symbol, f)
	}
	if err != nil {
		return symbol, nil, err
	}
	return symbol, ev, nil
}

// ParseBytes is DecodeFrame followed by Parse.
func ParseBytes(raw []byte) (string, domain.Event, error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		return "", nil, err
	}
	return Parse(f)
}

func parseTrade(symbol string, f Frame) (domain.TradeEvent, error) {
	var ev domain.TradeEvent
	var err error

	ev.Symbol = symbol
	if ev.Price, err = float(f, "p"); err != nil {
		return ev, err
	}
	if ev.Quantity, err = float(f, "q"); err != nil {
		return ev, err
	}
	if ev.TradeTime, err = millis(f, "T"); err != nil {
		return ev, err
	}
	// Optional on the wire.
	ev.EventTime, _ = millis(f, "E")
	ev.BuyerIsMaker, _ = boolean(f, "m")
	if id, err := integer(f, "a"); err == nil {
		ev.AggID = id
	} else if id, err := integer(f, "t"); err == nil {
		ev.AggID = id
	}
	return ev, nil
}

func parseKline(symbol string, f Frame) (domain.CandleTickEvent, error) {
	ev := domain.CandleTickEvent{Symbol: symbol}
	ev.EventTime, _ = millis(f, "E")

	k, ok := f["k"].(map[string]any)
	if !ok {
		return ev, &domain.MalformedFrameError{Field: "k", Reason: "missing or not an object"}
	}

	token, err := str(k, "i")
	if err != nil {
		return ev, prefix("k.", err)
	}
	if ev.Interval, err = domain.ParseInterval(token); err != nil {
		return ev, err
	}

	t := &ev.Tick
	if t.OpenTime, err = millis(k, "t"); err != nil {
		return ev, prefix("k.", err)
	}
	if t.CloseTime, err = millis(k, "T"); err != nil {
		return ev, prefix("k.", err)
	}
	for _, fld := range []struct {
		key string
		dst *float64
	}{
		{"o", &t.Open}, {"h", &t.High}, {"l", &t.Low}, {"c", &t.Close}, {"v", &t.Volume},
	} {
		if *fld.dst, err = float(k, fld.key); err != nil {
			return ev, prefix("k.", err)
		}
	}
	if t.IsFinal, err = boolean(k, "x"); err != nil {
		return ev, prefix("k.", err)
	}

	// Supplementary volume fields; absent on some venues.
	t.Trades, _ = integer(k, "n")
	t.QuoteVolume, _ = float(k, "q")
	t.TakerBuyBase, _ = float(k, "V")
	t.TakerBuyQuote, _ = float(k, "Q")
	return ev, nil
}

func parseDepth(symbol string, f Frame) (domain.OrderBookEvent, error) {
	ev := domain.OrderBookEvent{Symbol: symbol}
	ev.EventTime, _ = millis(f, "E")

	var err error
	if ev.FirstUpdateID, err = integer(f, "U"); err != nil {
		return ev, err
	}
	if ev.FinalUpdateID, err = integer(f, "u"); err != nil {
		return ev, err
	}
	if ev.Bids, err = levels(f, "b"); err != nil {
		return ev, err
	}
	if ev.Asks, err = levels(f, "a"); err != nil {
		return ev, err
	}
	return ev, nil
}

// --------------------------------------------------------------------------
// Field extraction
// --------------------------------------------------------------------------

func prefix(p string, err error) error {
	if mf, ok := err.(*domain.MalformedFrameError); ok {
		return &domain.MalformedFrameError{Field: p + mf.Field, Reason: mf.Reason}
	}
	return err
}

func field(f Frame, key string) (any, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, &domain.MalformedFrameError{Field: key, Reason: "missing"}
	}
	return v, nil
}

func str(f Frame, key string) (string, error) {
	v, err := field(f, key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &domain.MalformedFrameError{Field: key, Reason: fmt.Sprintf("want string, got %T", v)}
	}
	return s, nil
}

// float accepts a numeric string ("0.0010") or a JSON number.
func float(f Frame, key string) (float64, error) {
	v, err := field(f, key)
	if err != nil {
		return 0, err
	}
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	case float64:
		return x, nil
	default:
		return 0, &domain.MalformedFrameError{Field: key, Reason: fmt.Sprintf("want number, got %T", v)}
	}
	n, perr := strconv.ParseFloat(s, 64)
	if perr != nil {
		return 0, &domain.MalformedFrameError{Field: key, Reason: perr.Error()}
	}
	return n, nil
}

func integer(f Frame, key string) (int64, error) {
	v, err := field(f, key)
	if err != nil {
		return 0, err
	}
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = x
	case float64:
		return int64(x), nil
	default:
		return 0, &domain.MalformedFrameError{Field: key, Reason: fmt.Sprintf("want integer, got %T", v)}
	}
	n, perr := strconv.ParseInt(s, 10, 64)
	if perr != nil {
		return 0, &domain.MalformedFrameError{Field: key, Reason: perr.Error()}
	}
	return n, nil
}

func millis(f Frame, key string) (time.Time, error) {
	ms, err := integer(f, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func boolean(f Frame, key string) (bool, error) {
	v, err := field(f, key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &domain.MalformedFrameError{Field: key, Reason: fmt.Sprintf("want bool, got %T", v)}
	}
	return b, nil
}

// levels reads [["price","qty"], ...].
func levels(f Frame, key string) ([]domain.PriceLevel, error) {
	v, err := field(f, key)
	if err != nil {
		return nil, err
	}
	rows, ok := v.([]any)
	if !ok {
		return nil, &domain.MalformedFrameError{Field: key, Reason: fmt.Sprintf("want array, got %T", v)}
	}
	out := make([]domain.PriceLevel, 0, len(rows))
	for i, row := range rows {
		pair, ok := row.([]any)
		if !ok || len(pair) < 2 {
			return nil, &domain.MalformedFrameError{Field: fmt.Sprintf("%s[%d]", key, i), Reason: "want [price, qty]"}
		}
		cell := Frame{"p": pair[0], "q": pair[1]}
		p, err := float(cell, "p")
		if err != nil {
			return nil, &domain.MalformedFrameError{Field: fmt.Sprintf("%s[%d][0]", key, i), Reason: err.Error()}
		}
		q, err := float(cell, "q")
		if err != nil {
			return nil, &domain.MalformedFrameError{Field: fmt.Sprintf("%s[%d][1]", key, i), Reason: err.Error()}
		}
		out = append(out, domain.PriceLevel{Price: p, Quantity: q})
	}
	return out, nil
}
