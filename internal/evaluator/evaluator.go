// Package evaluator decides how a pending order behaves against one candle.
package evaluator

import (
	"fmt"

	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/shopspring/decimal"
)

// Default fee rates.
const (
	DefaultTakerFee = 0.001
	DefaultMakerFee = 0.00075
)

// EvalMode selects how a candle's extremes are read when testing limits.
type EvalMode string

// EvalStandard tests limits against the candle's high and low as reported.
const EvalStandard EvalMode = "standard"

// ParseEvalMode accepts only the modes the evaluator implements. The empty
// string maps to EvalStandard.
func ParseEvalMode(s string) (EvalMode, error) {
	switch s {
	case "", string(EvalStandard):
		return EvalStandard, nil
	case "swap_extremes":
		return "", fmt.Errorf("evaluator: eval mode %q is not implemented", s)
	default:
		return "", fmt.Errorf("evaluator: unknown eval mode %q", s)
	}
}

// Options holds the fee schedule and evaluation mode.
type Options struct {
	// TakerFee applies to market and stop-market fills.
	TakerFee float64
	// MakerFee applies to limit fills, including a stop-limit after its
	// stop has triggered.
	MakerFee float64
	Mode     EvalMode
}

// DefaultOptions returns the standard fee schedule.
func DefaultOptions() Options {
	return Options{TakerFee: DefaultTakerFee, MakerFee: DefaultMakerFee, Mode: EvalStandard}
}

// Result is the outcome of one evaluation step.
type Result struct {
	Condition domain.Condition
	Balances  domain.Balances
	// FillPrice is zero unless Condition is ConditionFilled.
	FillPrice float64
	// Next is the order that stays pending afterwards: the unchanged order
	// when untouched, the degraded limit after a stop trigger, nil after a
	// fill.
	Next domain.Order
}

// Evaluate applies order to candle c. The bool is false when the order was
// untouched, in which case Result carries bal and order unchanged.
//
// A nil order is a caller bug and panics with ErrContractViolation.
func Evaluate(c domain.Candle, bal domain.Balances, order domain.Order, opts Options) (Result, bool) {
	if order == nil {
		panic(fmt.Errorf("evaluator: evaluate with no pending order: %w", domain.ErrContractViolation))
	}
	untouched := Result{Condition: domain.ConditionUntouched, Balances: bal, Next: order}

	switch o := order.(type) {
	case domain.MarketOrder:
		return fill(bal, o, c.Open, opts.TakerFee), true

	case domain.LimitOrder:
		if !limitReached(c, o.Side, o.Price) {
			return untouched, false
		}
		return fill(bal, o, o.Price, opts.MakerFee), true

	case domain.StopLimitOrder:
		if !stopReached(c, o.Side, o.StopPrice()) {
			return untouched, false
		}
		limit := o.Degrade()
		if limitReached(c, limit.Side, limit.Price) {
			return fill(bal, limit, limit.Price, opts.MakerFee), true
		}
		return Result{Condition: domain.ConditionStopTriggered, Balances: bal, Next: limit}, true

	case domain.StopMarketOrder:
		price, ok := stopMarketPrice(c, o.Side, o.Price)
		if !ok {
			return untouched, false
		}
		return fill(bal, o, price, opts.TakerFee), true

	default:
		panic(fmt.Errorf("evaluator: unsupported order %T: %w", order, domain.ErrContractViolation))
	}
}

// limitReached: a buy needs the low at or under the limit, a sell the high
// at or over it.
func limitReached(c domain.Candle, side domain.OrderSide, price float64) bool {
	if side == domain.OrderSideBuy {
		return c.Low <= price
	}
	return c.High >= price
}

// stopReached: a buy stop sits above the market and triggers on the high, a
// sell stop sits below and triggers on the low.
func stopReached(c domain.Candle, side domain.OrderSide, stop float64) bool {
	if side == domain.OrderSideBuy {
		return c.High >= stop
	}
	return c.Low <= stop
}

// stopMarketPrice returns the execution price of a triggered stop-market
// order. A candle that opens through the stop fills at the open.
func stopMarketPrice(c domain.Candle, side domain.OrderSide, stop float64) (float64, bool) {
	if side == domain.OrderSideBuy {
		switch {
		case c.Open >= stop:
			return c.Open, true
		case c.High >= stop:
			return stop, true
		}
		return 0, false
	}
	switch {
	case c.Open <= stop:
		return c.Open, true
	case c.Low <= stop:
		return stop, true
	}
	return 0, false
}

func fill(bal domain.Balances, order domain.Order, price, fee float64) Result {
	return Result{
		Condition: domain.ConditionFilled,
		Balances:  Apply(bal, order.OrderSide(), order.Qty(), price, fee),
		FillPrice: price,
	}
}

// Apply moves funds for a fill at price. A buy converts the committed share
// of asset2 into asset1; a sell converts the committed share of asset1 into
// asset2. The fee is taken from the received side.
func Apply(bal domain.Balances, side domain.OrderSide, qty domain.Quantity, price, fee float64) domain.Balances {
	a1 := decimal.NewFromFloat(bal.Asset1)
	a2 := decimal.NewFromFloat(bal.Asset2)
	frac := decimal.NewFromFloat(qty.Fraction())
	px := decimal.NewFromFloat(price)
	net := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(fee))

	if px.IsZero() {
		return bal
	}

	switch side {
	case domain.OrderSideBuy:
		spend := a2.Mul(frac)
		a1 = a1.Add(spend.Div(px).Mul(net))
		a2 = a2.Sub(spend)
	default:
		sold := a1.Mul(frac)
		a2 = a2.Add(sold.Mul(px).Mul(net))
		a1 = a1.Sub(sold)
	}

	return domain.Balances{
		Asset1: a1.InexactFloat64(),
		Asset2: a2.InexactFloat64(),
	}
}

// Held returns the asset that carries the larger share of value at price.
func Held(bal domain.Balances, price float64) domain.Asset {
	if bal.Asset1*price >= bal.Asset2 && bal.Asset1 > 0 {
		return domain.Asset1
	}
	return domain.Asset2
}
