package binance

import (
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const klineFrame = `{
  "e": "kline", "E": 1700000001000, "s": "BTCUSDT",
  "k": {
    "t": 1700000000000, "T": 1700000059999, "s": "BTCUSDT", "i": "1m",
    "f": 100, "L": 200,
    "o": "100.0", "c": "105.5", "h": "110", "l": "90.25", "v": "12.5",
    "n": 101, "x": true, "q": "1300.1", "V": "6.0", "Q": "630.0", "B": "0"
  }
}`

func TestParseKline(t *testing.T) {
	sym, ev, err := ParseBytes([]byte(klineFrame))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sym)

	k, ok := ev.(domain.CandleTickEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, domain.Interval1m, k.Interval)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), k.Tick.OpenTime)
	assert.Equal(t, 100.0, k.Tick.Open)
	assert.Equal(t, 110.0, k.Tick.High)
	assert.Equal(t, 90.25, k.Tick.Low)
	assert.Equal(t, 105.5, k.Tick.Close)
	assert.Equal(t, 12.5, k.Tick.Volume)
	assert.Equal(t, int64(101), k.Tick.Trades)
	assert.True(t, k.Tick.IsFinal)
}

func TestParseAggTrade(t *testing.T) {
	raw := `{"e":"aggTrade","E":1700000000123,"s":"ethusdt","a":42,"p":"2000.5","q":"0.1","f":1,"l":2,"T":1700000000120,"m":true,"M":true}`
	sym, ev, err := ParseBytes([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", sym)

	tr, ok := ev.(domain.TradeEvent)
	require.True(t, ok)
	assert.Equal(t, 2000.5, tr.Price)
	assert.Equal(t, int64(42), tr.AggID)
	assert.True(t, tr.BuyerIsMaker)
}

func TestParseDepth(t *testing.T) {
	raw := `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":157,"u":160,"b":[["0.0024","10"]],"a":[["0.0026","100"],["0.0027","5"]]}`
	_, ev, err := ParseBytes([]byte(raw))
	require.NoError(t, err)

	ob, ok := ev.(domain.OrderBookEvent)
	require.True(t, ok)
	assert.Equal(t, int64(157), ob.FirstUpdateID)
	assert.Equal(t, int64(160), ob.FinalUpdateID)
	require.Len(t, ob.Bids, 1)
	require.Len(t, ob.Asks, 2)
	assert.Equal(t, 0.0026, ob.Asks[0].Price)
}

func TestParseCombinedEnvelope(t *testing.T) {
	raw := `{"stream":"ethusdt@aggTrade","data":{"e":"aggTrade","s":"ETHUSDT","p":"1","q":"2","T":5}}`
	sym, ev, err := ParseBytes([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", sym)
	assert.Equal(t, domain.EventTrade, ev.Kind())
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		is    error
		field string
	}{
		{"not json", `{"e":`, domain.ErrMalformedFrame, "$"},
		{"no discriminator", `{"s":"BTCUSDT"}`, domain.ErrMalformedFrame, "e"},
		{"unknown event", `{"e":"24hrTicker","s":"BTCUSDT"}`, domain.ErrUnrecognizedEvent, ""},
		{"missing kline body", `{"e":"kline","s":"BTCUSDT"}`, domain.ErrMalformedFrame, "k"},
		{"bad interval", `{"e":"kline","s":"X","k":{"i":"7m"}}`, domain.ErrUnknownToken, ""},
		{"bad price", `{"e":"aggTrade","s":"X","p":"abc","q":"1","T":1}`, domain.ErrMalformedFrame, "p"},
		{"final flag wrong type", `{"e":"kline","s":"X","k":{"i":"1m","t":1,"T":2,"o":"1","h":"1","l":"1","c":"1","v":"1","x":"yes"}}`, domain.ErrMalformedFrame, "k.x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ev, err := ParseBytes([]byte(tc.raw))
			require.Error(t, err)
			assert.Nil(t, ev)
			assert.True(t, errors.Is(err, tc.is), "got %v", err)
			assert.True(t, domain.IsParseError(err))
			if tc.field != "" {
				var mf *domain.MalformedFrameError
				require.True(t, errors.As(err, &mf))
				assert.Equal(t, tc.field, mf.Field)
			}
		})
	}
}

func TestIsAck(t *testing.T) {
	ok, err := DecodeFrame([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.True(t, IsAck(ok))
	assert.NoError(t, AckError(ok))

	bad, err := DecodeFrame([]byte(`{"error":{"code":2,"msg":"Invalid request"},"id":2}`))
	require.NoError(t, err)
	assert.True(t, IsAck(bad))
	assert.Error(t, AckError(bad))

	data, err := DecodeFrame([]byte(klineFrame))
	require.NoError(t, err)
	assert.False(t, IsAck(data))
}

func TestSubscribeCommand(t *testing.T) {
	subs := Subscriptions([]string{"BTCUSDT"}, []domain.Interval{domain.Interval1m, domain.Interval1h}, true)
	require.Len(t, subs, 4)

	raw, err := SubscribeCommand(7, subs)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"method":"SUBSCRIBE","id":7,"params":["btcusdt@aggTrade","btcusdt@kline_1m","btcusdt@kline_1h","btcusdt@depth"]}`,
		string(raw))
}
