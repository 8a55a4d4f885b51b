package evaluator

import (
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candle(o, h, l, c float64) domain.Candle {
	return domain.Candle{OpenTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Open: o, High: h, Low: l, Close: c, Volume: 1}
}

func TestMarketBuyFillsAtOpen(t *testing.T) {
	res, ok := Evaluate(candle(100, 110, 90, 105),
		domain.Balances{Asset1: 0, Asset2: 1000},
		domain.MarketOrder{Side: domain.OrderSideBuy, Quantity: domain.Full},
		DefaultOptions())

	require.True(t, ok)
	assert.Equal(t, domain.ConditionFilled, res.Condition)
	assert.Equal(t, 100.0, res.FillPrice)
	assert.InDelta(t, 9.99, res.Balances.Asset1, 1e-9)
	assert.InDelta(t, 0, res.Balances.Asset2, 1e-9)
	assert.Nil(t, res.Next)
}

func TestLimitBuy(t *testing.T) {
	order := domain.LimitOrder{Side: domain.OrderSideBuy, Quantity: domain.Full, Price: 95}
	bal := domain.Balances{Asset2: 950}

	res, ok := Evaluate(candle(100, 110, 90, 105), bal, order, DefaultOptions())
	require.True(t, ok)
	assert.Equal(t, domain.ConditionFilled, res.Condition)
	assert.Equal(t, 95.0, res.FillPrice)
	assert.InDelta(t, 10*(1-DefaultMakerFee), res.Balances.Asset1, 1e-9)

	res, ok = Evaluate(candle(100, 110, 96, 105), bal, order, DefaultOptions())
	assert.False(t, ok)
	assert.Equal(t, domain.ConditionUntouched, res.Condition)
	assert.Equal(t, bal, res.Balances)
	assert.Equal(t, order, res.Next)
}

func TestLimitSell(t *testing.T) {
	order := domain.LimitOrder{Side: domain.OrderSideSell, Quantity: domain.Half, Price: 108}
	bal := domain.Balances{Asset1: 2}

	res, ok := Evaluate(candle(100, 110, 90, 105), bal, order, Options{})
	require.True(t, ok)
	assert.InDelta(t, 1.0, res.Balances.Asset1, 1e-12)
	assert.InDelta(t, 108.0, res.Balances.Asset2, 1e-9)

	_, ok = Evaluate(candle(100, 107, 90, 105), bal, order, Options{})
	assert.False(t, ok)
}

func TestStopLimitTriggerWithoutFill(t *testing.T) {
	// Stop at 105, limit 100. The candle trades through the stop but never
	// back down to the limit.
	order := domain.StopLimitOrder{Side: domain.OrderSideBuy, Quantity: domain.Full, Price: 100, StopMultiplier: 1.05}

	res, ok := Evaluate(candle(103, 106, 102, 104), domain.Balances{Asset2: 100}, order, DefaultOptions())
	require.True(t, ok)
	assert.Equal(t, domain.ConditionStopTriggered, res.Condition)
	assert.Equal(t, domain.Balances{Asset2: 100}, res.Balances)

	next, isLimit := res.Next.(domain.LimitOrder)
	require.True(t, isLimit)
	assert.Equal(t, 100.0, next.Price)
}

func TestStopLimitTriggerAndFillSameCandle(t *testing.T) {
	order := domain.StopLimitOrder{Side: domain.OrderSideBuy, Quantity: domain.Full, Price: 100, StopMultiplier: 1.05}

	res, ok := Evaluate(candle(101, 106, 99, 104), domain.Balances{Asset2: 100}, order, Options{})
	require.True(t, ok)
	assert.Equal(t, domain.ConditionFilled, res.Condition)
	assert.Equal(t, 100.0, res.FillPrice)
	assert.InDelta(t, 1.0, res.Balances.Asset1, 1e-12)
	assert.Nil(t, res.Next)
}

func TestStopLimitUntouched(t *testing.T) {
	order := domain.StopLimitOrder{Side: domain.OrderSideSell, Quantity: domain.Full, Price: 100, StopMultiplier: 0.95}

	res, ok := Evaluate(candle(101, 106, 96, 104), domain.Balances{Asset1: 1}, order, Options{})
	assert.False(t, ok)
	assert.Equal(t, order, res.Next)
}

func TestStopMarket(t *testing.T) {
	buy := domain.StopMarketOrder{Side: domain.OrderSideBuy, Quantity: domain.Full, Price: 105}

	res, ok := Evaluate(candle(100, 110, 90, 105), domain.Balances{Asset2: 105}, buy, Options{})
	require.True(t, ok)
	assert.Equal(t, 105.0, res.FillPrice)

	// Gapped open above the stop fills at the open.
	res, ok = Evaluate(candle(107, 110, 106, 108), domain.Balances{Asset2: 107}, buy, Options{})
	require.True(t, ok)
	assert.Equal(t, 107.0, res.FillPrice)

	_, ok = Evaluate(candle(100, 104, 90, 101), domain.Balances{Asset2: 105}, buy, Options{})
	assert.False(t, ok)

	sell := domain.StopMarketOrder{Side: domain.OrderSideSell, Quantity: domain.Full, Price: 95}
	res, ok = Evaluate(candle(100, 110, 90, 105), domain.Balances{Asset1: 1}, sell, DefaultOptions())
	require.True(t, ok)
	assert.Equal(t, 95.0, res.FillPrice)
	assert.InDelta(t, 95*(1-DefaultTakerFee), res.Balances.Asset2, 1e-9)
}

func TestNilOrderPanics(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, domain.ErrContractViolation))
	}()
	Evaluate(candle(1, 1, 1, 1), domain.Balances{}, nil, Options{})
}

func TestParseEvalMode(t *testing.T) {
	m, err := ParseEvalMode("")
	require.NoError(t, err)
	assert.Equal(t, EvalStandard, m)

	_, err = ParseEvalMode("swap_extremes")
	assert.Error(t, err)
}

func TestHeld(t *testing.T) {
	assert.Equal(t, domain.Asset1, Held(domain.Balances{Asset1: 1, Asset2: 0}, 100))
	assert.Equal(t, domain.Asset2, Held(domain.Balances{Asset1: 0, Asset2: 10}, 100))
}
